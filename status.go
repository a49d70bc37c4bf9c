package gotxn

import "fmt"

// 事务结果状态
type TransactionalStatus int

const (
	StatusOk TransactionalStatus = iota
	// tm 未能在期限内收齐 prepare 响应
	StatusPrepareTimeout
	// 依赖的事务已经回滚
	StatusCascadingAbort
	// 版本锁因超时、抢占或者参与者故障而失效
	StatusBrokenLock
	// prepare 阶段校验读写记录失败
	StatusLockValidationFailed
	// agent 等待只读参与者响应超时
	StatusParticipantResponseTimeout
	// agent 等待 tm 响应超时
	StatusTMResponseTimeout
	// 存储层检测到协议之外的并发修改
	StatusStorageConflict
	// tm 在限定时间后仍没有该事务的记录
	StatusPresumedAbort
	StatusUnknownException
	StatusAssertionFailed
)

var statusNames = map[TransactionalStatus]string{
	StatusOk:                         "Ok",
	StatusPrepareTimeout:             "PrepareTimeout",
	StatusCascadingAbort:             "CascadingAbort",
	StatusBrokenLock:                 "BrokenLock",
	StatusLockValidationFailed:       "LockValidationFailed",
	StatusParticipantResponseTimeout: "ParticipantResponseTimeout",
	StatusTMResponseTimeout:          "TMResponseTimeout",
	StatusStorageConflict:            "StorageConflict",
	StatusPresumedAbort:              "PresumedAbort",
	StatusUnknownException:           "UnknownException",
	StatusAssertionFailed:            "AssertionFailed",
}

func (s TransactionalStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("TransactionalStatus(%d)", int(s))
}

// DefinitelyAborted reports whether the status proves the transaction rolled back
// at every participant. Everything else, unknown values included, is in doubt.
func (s TransactionalStatus) DefinitelyAborted() bool {
	switch s {
	case StatusPrepareTimeout,
		StatusCascadingAbort,
		StatusBrokenLock,
		StatusLockValidationFailed,
		StatusParticipantResponseTimeout:
		return true
	default:
		return false
	}
}

// Err converts a failure status into the error surfaced to callers. StatusOk
// yields nil.
func (s TransactionalStatus) Err(txID int64, cause error) error {
	var kind ErrorKind
	var msg string
	switch s {
	case StatusOk:
		return nil
	case StatusPrepareTimeout:
		kind, msg = KindPrepareTimeout, "tm did not collect all prepare replies in time"
	case StatusCascadingAbort:
		kind, msg = KindCascadingAbort, "a transaction this one depends on aborted"
	case StatusBrokenLock:
		kind, msg = KindBrokenLock, "version lock was broken"
	case StatusLockValidationFailed:
		kind, msg = KindValidationFailed, "prepare validation of recorded accesses failed"
	case StatusParticipantResponseTimeout:
		kind, msg = KindTimeout, "timed out waiting for read-only participants"
	case StatusTMResponseTimeout:
		kind, msg = KindInDoubt, "timed out waiting for tm response"
	case StatusStorageConflict:
		kind, msg = KindInDoubt, "storage detected a conflicting modification"
	case StatusPresumedAbort:
		kind, msg = KindInDoubt, "tm has no record of the transaction"
	case StatusUnknownException, StatusAssertionFailed:
		kind, msg = KindInDoubt, "internal failure during commit"
	default:
		kind, msg = KindInDoubt, fmt.Sprintf("failure during commit, status=%s", s)
	}
	return &Error{
		Kind:          kind,
		TransactionID: txID,
		Status:        s,
		Msg:           msg,
		Err:           cause,
	}
}
