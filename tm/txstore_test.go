package tm

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xiaoxuxiansheng/gotxn"
)

func Test_txstore(t *testing.T) {
	boltStore, err := NewBoltTXStore(filepath.Join(t.TempDir(), "txstore.db"))
	if err != nil {
		t.Error(err)
		return
	}
	defer boltStore.Close()

	tests := []struct {
		name  string
		store TXStore
	}{
		{"memory", NewMemoryTXStore()},
		{"bolt", boltStore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := tt.store
			deadline := time.Now().Add(time.Second)

			assert.NoError(t, store.CreateTX(ctx, writeRecord(1, "r1", "r2"), deadline))
			assert.Error(t, store.CreateTX(ctx, writeRecord(1, "r1"), deadline))
			assert.NoError(t, store.CreateTX(ctx, writeRecord(2, "r1"), deadline))

			assert.NoError(t, store.TXUpdate(ctx, 1, "r1", true))
			// 投票一旦记录不可修改
			assert.Error(t, store.TXUpdate(ctx, 1, "r1", false))
			assert.Error(t, store.TXUpdate(ctx, 1, "r9", true))
			assert.True(t, errors.Is(store.TXUpdate(ctx, 7, "r1", true), ErrTXNotFound))

			tx, err := store.GetTX(ctx, 1)
			if err != nil {
				t.Error(err)
				return
			}
			assert.Equal(t, TXHanging, tx.getStatus(time.Now()))
			assert.NoError(t, store.TXUpdate(ctx, 1, "r2", true))
			tx, _ = store.GetTX(ctx, 1)
			assert.Equal(t, TXSuccessful, tx.getStatus(time.Now()))
			assert.Len(t, tx.writes(), 2)

			assert.NoError(t, store.TXUpdate(ctx, 2, "r1", false))
			assert.NoError(t, store.TXSubmit(ctx, 2, false, gotxn.StatusLockValidationFailed))
			assert.NoError(t, store.TXSubmit(ctx, 2, false, gotxn.StatusLockValidationFailed))
			assert.Error(t, store.TXSubmit(ctx, 2, true, gotxn.StatusOk))

			hanging, err := store.GetHangingTXs(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			assert.Len(t, hanging, 1)
			assert.Equal(t, int64(1), hanging[0].TXID)

			tx, _ = store.GetTX(ctx, 2)
			assert.Equal(t, TXFailure, tx.Status)
			assert.Equal(t, gotxn.StatusLockValidationFailed, tx.failStatus())

			_, err = store.GetTX(ctx, 3)
			assert.True(t, errors.Is(err, ErrTXNotFound))

			assert.NoError(t, store.Lock(ctx, time.Second))
			assert.True(t, errors.Is(store.Lock(ctx, time.Second), ErrLockHeld))
			assert.NoError(t, store.Unlock(ctx))
		})
	}
}

func Test_transaction_get_status(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		votes    []VoteStatus
		deadline time.Time
		want     TXStatus
	}{
		{"all yes", []VoteStatus{VoteYes, VoteYes}, now.Add(time.Second), TXSuccessful},
		{"any no", []VoteStatus{VoteYes, VoteNo}, now.Add(time.Second), TXFailure},
		{"pending", []VoteStatus{VoteYes, VoteHanging}, now.Add(time.Second), TXHanging},
		{"pending past deadline", []VoteStatus{VoteYes, VoteHanging}, now.Add(-time.Second), TXFailure},
		{"all yes past deadline", []VoteStatus{VoteYes}, now.Add(-time.Second), TXSuccessful},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := Transaction{Status: TXHanging, Deadline: tt.deadline}
			for _, vote := range tt.votes {
				tx.Participants = append(tx.Participants, &ParticipantVote{Vote: vote})
			}
			assert.Equal(t, tt.want, tx.getStatus(now))
		})
	}
}
