package gotxn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_invoke_policies(t *testing.T) {
	tm := newMockTM()
	agent := newStartedAgent(t, tm, NewRegistryCenter())
	defer agent.Stop()

	ambient := NewTransactionInfo(100, false, time.Second, time.Now().Add(time.Second))
	txCtx := WithTransaction(context.Background(), ambient)
	bare := context.Background()

	tests := []struct {
		name    string
		ctx     context.Context
		option  TransactionOption
		wantErr error
		// 回调内看到的事务：nil 表示无事务，ambient 表示同一事务的 fork，fresh 表示新事务
		want string
	}{
		{"create ignores ambient", txCtx, Create, nil, "fresh"},
		{"create or join joins", txCtx, CreateOrJoin, nil, "ambient"},
		{"create or join creates", bare, CreateOrJoin, nil, "fresh"},
		{"join", txCtx, Join, nil, "ambient"},
		{"mandatory without ambient", bare, Mandatory, ErrTransactionRequired, ""},
		{"supported joins", txCtx, Supported, nil, "ambient"},
		{"supported without ambient", bare, Supported, nil, "nil"},
		{"suppress", txCtx, Suppress, nil, "nil"},
		{"not allowed with ambient", txCtx, NotAllowed, ErrTransactionNotAllowed, ""},
		{"not allowed", bare, NotAllowed, nil, "nil"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			err := agent.Invoke(tt.ctx, tt.option, func(ctx context.Context) error {
				info := CurrentTransaction(ctx)
				switch {
				case info == nil:
					got = "nil"
				case info.ID == ambient.ID && info != ambient:
					got = "ambient"
				default:
					got = "fresh"
				}
				return nil
			})
			assert.True(t, errors.Is(err, tt.wantErr))
			assert.Equal(t, tt.want, got)
		})
	}

	clean, orphans := ambient.ReconcilePending()
	assert.True(t, clean)
	assert.Equal(t, 0, orphans)
}

func Test_invoke_callee_error_aborts(t *testing.T) {
	agent := newStartedAgent(t, newMockTM(), NewRegistryCenter())
	defer agent.Stop()

	ambient := NewTransactionInfo(100, false, time.Second, time.Now().Add(time.Second))
	ctx := WithTransaction(context.Background(), ambient)
	cause := errors.New("insufficient funds")
	err := agent.Invoke(ctx, Join, func(ctx context.Context) error {
		return cause
	})
	assert.Equal(t, cause, err)
	assert.True(t, ambient.IsAborted())
	assert.True(t, errors.Is(ambient.AbortReason(), cause))

	clean, _ := ambient.ReconcilePending()
	assert.True(t, clean)
}

func Test_invoke_panic_joins(t *testing.T) {
	agent := newStartedAgent(t, newMockTM(), NewRegistryCenter())
	defer agent.Stop()

	ambient := NewTransactionInfo(100, false, time.Second, time.Now().Add(time.Second))
	ctx := WithTransaction(context.Background(), ambient)
	assert.Panics(t, func() {
		_ = agent.Invoke(ctx, Join, func(ctx context.Context) error {
			panic("callee crashed")
		})
	})
	assert.True(t, ambient.IsAborted())
	clean, _ := ambient.ReconcilePending()
	assert.True(t, clean)
}

func Test_invoke_create_commits(t *testing.T) {
	tm := newMockTM()
	agent := newStartedAgent(t, tm, NewRegistryCenter())
	defer agent.Stop()

	err := agent.Invoke(context.Background(), Create, func(ctx context.Context) error {
		return CurrentTransaction(ctx).RecordWrite("a", 0, 1)
	}, WithCallTimeout(time.Second))
	assert.NoError(t, err)
	assert.Equal(t, 1, tm.commits())

	cause := errors.New("rejected")
	var txID int64
	err = agent.Invoke(context.Background(), Create, func(ctx context.Context) error {
		txID = CurrentTransaction(ctx).ID
		return cause
	})
	assert.Equal(t, cause, err)
	assert.Equal(t, 1, tm.commits())
	assert.True(t, agent.IsAborted(txID))
}

func Test_invoke_read_only_option(t *testing.T) {
	agent := newStartedAgent(t, newMockTM(), NewRegistryCenter())
	defer agent.Stop()

	err := agent.Invoke(context.Background(), Create, func(ctx context.Context) error {
		info := CurrentTransaction(ctx)
		assert.True(t, info.ReadOnly)
		return info.RecordWrite("a", 0, 1)
	}, ReadOnly())
	assert.True(t, errors.Is(err, ErrReadOnlyViolated))
}

func Test_transaction_option_string(t *testing.T) {
	assert.Equal(t, "Join", Mandatory.String())
	assert.Equal(t, "TransactionOption(9)", TransactionOption(9).String())
}
