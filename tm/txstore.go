package tm

import (
	"context"
	"errors"
	"time"

	"github.com/xiaoxuxiansheng/gotxn"
)

var (
	ErrTXNotFound = errors.New("tx not found")
	ErrLockHeld   = errors.New("txstore lock held by another monitor")
)

// 事务日志存储模块
type TXStore interface {
	// 创建一条事务明细记录，事务 id 由 tm 分配
	CreateTX(ctx context.Context, record *gotxn.TransactionRecord, deadline time.Time) error
	// 更新事务进度：记录某个参与者 prepare 的投票结果
	TXUpdate(ctx context.Context, txID int64, resourceID string, accept bool) error
	// 提交事务的最终状态
	TXSubmit(ctx context.Context, txID int64, success bool, outcome gotxn.TransactionalStatus) error
	// 获取到所有未完成的事务
	GetHangingTXs(ctx context.Context) ([]*Transaction, error)
	// 获取指定的一笔事务，不存在时返回 ErrTXNotFound
	GetTX(ctx context.Context, txID int64) (*Transaction, error)
	// 锁住整个 TXStore 模块，多个 tm 节点共享存储时要求为分布式锁
	Lock(ctx context.Context, expireDuration time.Duration) error
	// 解锁 TXStore 模块
	Unlock(ctx context.Context) error
}

// ApplyVote updates one participant vote. Votes are final once cast.
func ApplyVote(tx *Transaction, resourceID string, accept bool) error {
	for _, participant := range tx.Participants {
		if participant.ResourceID != resourceID {
			continue
		}
		if participant.Vote != VoteHanging {
			return errors.New("vote already recorded")
		}
		if accept {
			participant.Vote = VoteYes
		} else {
			participant.Vote = VoteNo
		}
		return nil
	}
	return errors.New("participant not in tx")
}

// ApplySubmit moves a hanging tx to its final status.
func ApplySubmit(tx *Transaction, success bool, outcome gotxn.TransactionalStatus) error {
	status := TXFailure
	if success {
		status = TXSuccessful
	}
	if tx.Status != TXHanging && tx.Status != status {
		return errors.New("tx already submitted with a different status")
	}
	tx.Status = status
	if !success {
		tx.Outcome = outcome
	}
	return nil
}
