package gotxn

import (
	"context"
	"fmt"
	"time"
)

// TransactionOption decides how a call relates to the caller's ambient transaction.
type TransactionOption int

const (
	// 总是开启新事务，忽略环境事务
	Create TransactionOption = iota
	// 有环境事务则加入，否则开启新事务
	CreateOrJoin
	// 必须存在环境事务
	Join
	// 有环境事务则加入，否则以非事务方式执行
	Supported
	// 屏蔽环境事务
	Suppress
	// 存在环境事务时报错
	NotAllowed
)

// Mandatory is an alias of Join.
const Mandatory = Join

var optionNames = map[TransactionOption]string{
	Create:       "Create",
	CreateOrJoin: "CreateOrJoin",
	Join:         "Join",
	Supported:    "Supported",
	Suppress:     "Suppress",
	NotAllowed:   "NotAllowed",
}

func (o TransactionOption) String() string {
	if name, ok := optionNames[o]; ok {
		return name
	}
	return fmt.Sprintf("TransactionOption(%d)", int(o))
}

type callOptions struct {
	readOnly bool
	timeout  time.Duration
}

// CallOption tunes transactions created by Invoke.
type CallOption func(*callOptions)

func ReadOnly() CallOption {
	return func(o *callOptions) {
		o.readOnly = true
	}
}

func WithCallTimeout(timeout time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = timeout
	}
}

// Invoke runs fn at a call boundary. A joined call runs on a fork of the
// ambient info, which is joined back once fn returns or panics. A created
// transaction is committed when fn succeeds and aborted when it fails.
func (a *Agent) Invoke(ctx context.Context, option TransactionOption, fn func(ctx context.Context) error, opts ...CallOption) error {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	ambient := CurrentTransaction(ctx)
	switch option {
	case Create:
		return a.runCreated(ClearTransaction(ctx), fn, o)
	case CreateOrJoin:
		if ambient == nil {
			return a.runCreated(ctx, fn, o)
		}
		return runJoined(ctx, ambient, fn)
	case Join:
		if ambient == nil {
			return ErrTransactionRequired
		}
		return runJoined(ctx, ambient, fn)
	case Supported:
		if ambient == nil {
			return fn(ctx)
		}
		return runJoined(ctx, ambient, fn)
	case Suppress:
		return fn(ClearTransaction(ctx))
	case NotAllowed:
		if ambient != nil {
			return ErrTransactionNotAllowed
		}
		return fn(ctx)
	default:
		return fmt.Errorf("unknown transaction option: %s", option)
	}
}

func (a *Agent) runCreated(ctx context.Context, fn func(ctx context.Context) error, o callOptions) error {
	info, err := a.StartTransaction(ctx, o.readOnly, o.timeout)
	if err != nil {
		return err
	}

	if err = fn(WithTransaction(ctx, info)); err != nil {
		a.Abort(ctx, info, err)
		return err
	}
	return a.Commit(ctx, info)
}

func runJoined(ctx context.Context, parent *TransactionInfo, fn func(ctx context.Context) error) error {
	fork := parent.Fork()
	joined := false
	defer func() {
		if joined {
			return
		}
		fork.MarkAborted(NewError(KindAborted, fork.ID, "transactional call panicked", nil))
		parent.Join(fork)
	}()

	err := fn(WithTransaction(ctx, fork))
	if err != nil {
		if IsAbortedError(err) {
			fork.MarkAborted(err)
		} else {
			fork.MarkAborted(NewError(KindAborted, fork.ID, "transactional call failed", err))
		}
	}
	joined = true
	parent.Join(fork)
	return err
}
