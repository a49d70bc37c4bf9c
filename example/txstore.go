package example

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xiaoxuxiansheng/redis_lock"
	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/gotxn"
	expdao "github.com/xiaoxuxiansheng/gotxn/example/dao"
	"github.com/xiaoxuxiansheng/gotxn/example/pkg"
	"github.com/xiaoxuxiansheng/gotxn/tm"
)

type TXRecordDAO interface {
	GetTXRecords(ctx context.Context, opts ...expdao.QueryOption) ([]*expdao.TXRecordPO, error)
	GetTXRecord(ctx context.Context, txID int64) (*expdao.TXRecordPO, error)
	CreateTXRecord(ctx context.Context, record *expdao.TXRecordPO) (uint, error)
	LockAndDo(ctx context.Context, txID int64, do func(ctx context.Context, record *expdao.TXRecordPO) error) error
}

// MySQLTXStore 基于 mysql 存储事务日志，基于 redis 分布式锁实现多个 tm 节点间的互斥
type MySQLTXStore struct {
	client *redis_lock.Client
	dao    TXRecordDAO
}

func NewMySQLTXStore(dao TXRecordDAO, client *redis_lock.Client) *MySQLTXStore {
	return &MySQLTXStore{
		dao:    dao,
		client: client,
	}
}

func (m *MySQLTXStore) CreateTX(ctx context.Context, record *gotxn.TransactionRecord, deadline time.Time) error {
	po, err := toPO(tm.NewTransaction(record, deadline))
	if err != nil {
		return err
	}
	_, err = m.dao.CreateTXRecord(ctx, po)
	return err
}

func (m *MySQLTXStore) TXUpdate(ctx context.Context, txID int64, resourceID string, accept bool) error {
	return m.modify(ctx, txID, func(tx *tm.Transaction) error {
		return tm.ApplyVote(tx, resourceID, accept)
	})
}

// 提交事务的最终状态
func (m *MySQLTXStore) TXSubmit(ctx context.Context, txID int64, success bool, outcome gotxn.TransactionalStatus) error {
	return m.modify(ctx, txID, func(tx *tm.Transaction) error {
		return tm.ApplySubmit(tx, success, outcome)
	})
}

// modify 在行锁保护下完成读-改-写
func (m *MySQLTXStore) modify(ctx context.Context, txID int64, apply func(tx *tm.Transaction) error) error {
	do := func(ctx context.Context, record *expdao.TXRecordPO) error {
		tx, err := fromPO(record)
		if err != nil {
			return err
		}
		if err = apply(tx); err != nil {
			return err
		}
		updated, err := toPO(tx)
		if err != nil {
			return err
		}
		record.Status, record.Outcome, record.Participants = updated.Status, updated.Outcome, updated.Participants
		return nil
	}

	err := m.dao.LockAndDo(ctx, txID, do)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("txid: %d, err: %w", txID, tm.ErrTXNotFound)
	}
	return err
}

func (m *MySQLTXStore) GetHangingTXs(ctx context.Context) ([]*tm.Transaction, error) {
	records, err := m.dao.GetTXRecords(ctx, expdao.WithStatus(tm.TXHanging.String()))
	if err != nil {
		return nil, err
	}

	txs := make([]*tm.Transaction, 0, len(records))
	for _, record := range records {
		tx, err := fromPO(record)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// 获取指定的一笔事务
func (m *MySQLTXStore) GetTX(ctx context.Context, txID int64) (*tm.Transaction, error) {
	record, err := m.dao.GetTXRecord(ctx, txID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("txid: %d, err: %w", txID, tm.ErrTXNotFound)
	}
	if err != nil {
		return nil, err
	}
	return fromPO(record)
}

func (m *MySQLTXStore) Lock(ctx context.Context, expireDuration time.Duration) error {
	lock := redis_lock.NewRedisLock(pkg.BuildTXRecordLockKey(), m.client, redis_lock.WithExpireSeconds(int64(expireDuration.Seconds())))
	return lock.Lock(ctx)
}

func (m *MySQLTXStore) Unlock(ctx context.Context) error {
	lock := redis_lock.NewRedisLock(pkg.BuildTXRecordLockKey(), m.client)
	return lock.Unlock(ctx)
}

func toPO(tx *tm.Transaction) (*expdao.TXRecordPO, error) {
	votes := make([]*expdao.ParticipantVote, 0, len(tx.Participants))
	for _, participant := range tx.Participants {
		votes = append(votes, &expdao.ParticipantVote{
			ResourceID:   participant.ResourceID,
			ReadVersion:  participant.ReadVersion,
			WriteVersion: participant.WriteVersion,
			Vote:         participant.Vote.String(),
		})
	}
	body, err := json.Marshal(votes)
	if err != nil {
		return nil, err
	}

	return &expdao.TXRecordPO{
		TXID:         tx.TXID,
		Status:       tx.Status.String(),
		Outcome:      int(tx.Outcome),
		Deadline:     tx.Deadline,
		Participants: string(body),
	}, nil
}

func fromPO(record *expdao.TXRecordPO) (*tm.Transaction, error) {
	var votes []*expdao.ParticipantVote
	if err := json.Unmarshal([]byte(record.Participants), &votes); err != nil {
		return nil, fmt.Errorf("txid: %d, invalid participants: %w", record.TXID, err)
	}

	participants := make([]*tm.ParticipantVote, 0, len(votes))
	for _, vote := range votes {
		participants = append(participants, &tm.ParticipantVote{
			ResourceID:   vote.ResourceID,
			ReadVersion:  vote.ReadVersion,
			WriteVersion: vote.WriteVersion,
			Vote:         tm.VoteStatus(vote.Vote),
		})
	}
	return &tm.Transaction{
		TXID:         record.TXID,
		Participants: participants,
		Status:       tm.TXStatus(record.Status),
		Outcome:      gotxn.TransactionalStatus(record.Outcome),
		Deadline:     record.Deadline,
		CreatedAt:    record.CreatedAt,
	}, nil
}

var _ tm.TXStore = (*MySQLTXStore)(nil)
