package gotxn

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTransactionsDisabled
	KindStartFailed
	KindInDoubt
	KindServiceUnavailable
	// 以下均为确定回滚
	KindAborted
	KindCascadingAbort
	KindOrphanCall
	KindPrepareFailed
	KindTimeout
	KindPriorityPreempted
	KindReadOnlyViolated
	KindVersionDeleted
	KindUnstableVersion
	KindBrokenLock
	KindLockAcquireTimeout
	KindLockUpgradeFailed
	KindPrepareTimeout
	KindValidationFailed
)

var kindNames = map[ErrorKind]string{
	KindUnknown:              "unknown",
	KindTransactionsDisabled: "transactions disabled",
	KindStartFailed:          "start failed",
	KindInDoubt:              "in doubt",
	KindServiceUnavailable:   "service unavailable",
	KindAborted:              "aborted",
	KindCascadingAbort:       "cascading abort",
	KindOrphanCall:           "orphan call",
	KindPrepareFailed:        "prepare failed",
	KindTimeout:              "timeout",
	KindPriorityPreempted:    "priority preempted",
	KindReadOnlyViolated:     "read-only violated",
	KindVersionDeleted:       "version deleted",
	KindUnstableVersion:      "unstable version",
	KindBrokenLock:           "broken lock",
	KindLockAcquireTimeout:   "lock acquire timeout",
	KindLockUpgradeFailed:    "lock upgrade failed",
	KindPrepareTimeout:       "prepare timeout",
	KindValidationFailed:     "validation failed",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Aborted reports whether the kind is a definite abort.
func (k ErrorKind) Aborted() bool {
	return k >= KindAborted && k <= KindValidationFailed
}

// Error is the single error type returned by the agent for transaction outcomes.
type Error struct {
	Kind          ErrorKind
	TransactionID int64
	// 产生该错误的协议状态，非协议错误时为 StatusOk
	Status TransactionalStatus
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("transaction %d %s", e.TransactionID, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrTransactionsDisabled = &Error{Kind: KindTransactionsDisabled}
	ErrStartFailed          = &Error{Kind: KindStartFailed}
	ErrInDoubt              = &Error{Kind: KindInDoubt}
	ErrServiceUnavailable   = &Error{Kind: KindServiceUnavailable}
	ErrAborted              = &Error{Kind: KindAborted}
	ErrCascadingAbort       = &Error{Kind: KindCascadingAbort}
	ErrOrphanCall           = &Error{Kind: KindOrphanCall}
	ErrPrepareFailed        = &Error{Kind: KindPrepareFailed}
	ErrTimeout              = &Error{Kind: KindTimeout}
	ErrPriorityPreempted    = &Error{Kind: KindPriorityPreempted}
	ErrReadOnlyViolated     = &Error{Kind: KindReadOnlyViolated}
	ErrVersionDeleted       = &Error{Kind: KindVersionDeleted}
	ErrUnstableVersion      = &Error{Kind: KindUnstableVersion}
	ErrBrokenLock           = &Error{Kind: KindBrokenLock}
	ErrLockAcquireTimeout   = &Error{Kind: KindLockAcquireTimeout}
	ErrLockUpgradeFailed    = &Error{Kind: KindLockUpgradeFailed}
	ErrPrepareTimeout       = &Error{Kind: KindPrepareTimeout}
	ErrValidationFailed     = &Error{Kind: KindValidationFailed}
)

var (
	// 在 agent Start 之前调用
	ErrAgentNotStarted = errors.New("transaction agent not started")
	// 标识请求必然没有送达 tm，TransactionManagerService 实现可以包装该错误
	ErrTMUnreachable = errors.New("transaction manager unreachable")
	// Join 策略下没有环境事务
	ErrTransactionRequired = errors.New("call requires an ambient transaction")
	// NotAllowed 策略下存在环境事务
	ErrTransactionNotAllowed = errors.New("call does not allow an ambient transaction")
)

// NewError builds an *Error of the given kind.
func NewError(kind ErrorKind, txID int64, msg string, cause error) *Error {
	return &Error{
		Kind:          kind,
		TransactionID: txID,
		Msg:           msg,
		Err:           cause,
	}
}

// IsAbortedError reports whether err proves the transaction definitely aborted.
func IsAbortedError(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind.Aborted()
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if !errors.As(err, &e) {
		return KindUnknown
	}
	return e.Kind
}

// StatusOf maps an error back onto the status the TM should record for it.
func StatusOf(err error) TransactionalStatus {
	var e *Error
	if !errors.As(err, &e) {
		return StatusUnknownException
	}
	if e.Status != StatusOk {
		return e.Status
	}
	switch e.Kind {
	case KindPrepareTimeout:
		return StatusPrepareTimeout
	case KindBrokenLock, KindPriorityPreempted, KindLockAcquireTimeout, KindLockUpgradeFailed:
		return StatusBrokenLock
	case KindValidationFailed, KindVersionDeleted, KindUnstableVersion, KindPrepareFailed:
		return StatusLockValidationFailed
	case KindTimeout:
		return StatusParticipantResponseTimeout
	case KindInDoubt:
		return StatusTMResponseTimeout
	default:
		if e.Kind.Aborted() {
			return StatusCascadingAbort
		}
		return StatusUnknownException
	}
}
