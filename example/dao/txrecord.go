package dao

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 一笔事务在 mysql 中的持久化记录，参与者投票以 json 形式存放
type TXRecordPO struct {
	gorm.Model
	TXID         int64     `gorm:"column:tx_id;uniqueIndex"`
	Status       string    `gorm:"column:status"`
	Outcome      int       `gorm:"column:outcome"`
	Deadline     time.Time `gorm:"column:deadline"`
	Participants string    `gorm:"column:participants"`
}

func (t TXRecordPO) TableName() string {
	return "tx_record"
}

type ParticipantVote struct {
	ResourceID   string `json:"resourceID"`
	ReadVersion  *int64 `json:"readVersion,omitempty"`
	WriteVersion *int64 `json:"writeVersion,omitempty"`
	Vote         string `json:"vote"`
}

type TXRecordDAO struct {
	db *gorm.DB
}

func NewTXRecordDAO(db *gorm.DB) *TXRecordDAO {
	return &TXRecordDAO{
		db: db,
	}
}

func (t *TXRecordDAO) GetTXRecords(ctx context.Context, opts ...QueryOption) ([]*TXRecordPO, error) {
	db := t.db.WithContext(ctx).Model(&TXRecordPO{})
	for _, opt := range opts {
		db = opt(db)
	}

	var records []*TXRecordPO
	return records, db.Scan(&records).Error
}

// GetTXRecord 查询指定事务，不存在时返回 gorm.ErrRecordNotFound
func (t *TXRecordDAO) GetTXRecord(ctx context.Context, txID int64) (*TXRecordPO, error) {
	var record TXRecordPO
	if err := WithTXID(txID)(t.db.WithContext(ctx).Model(&TXRecordPO{})).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func (t *TXRecordDAO) CreateTXRecord(ctx context.Context, record *TXRecordPO) (uint, error) {
	if err := t.db.WithContext(ctx).Model(&TXRecordPO{}).Create(record).Error; err != nil {
		return 0, err
	}
	return record.ID, nil
}

// UpdateTXRecord 更新事务的状态、结果以及投票明细
func (t *TXRecordDAO) UpdateTXRecord(ctx context.Context, record *TXRecordPO) error {
	return t.db.WithContext(ctx).Model(&TXRecordPO{}).Where("tx_id = ?", record.TXID).Updates(map[string]interface{}{
		"status":       record.Status,
		"outcome":      record.Outcome,
		"participants": record.Participants,
	}).Error
}

// LockAndDo 对事务记录加写锁后执行 do，do 返回成功时在同一个 mysql 事务内写回记录
func (t *TXRecordDAO) LockAndDo(ctx context.Context, txID int64, do func(ctx context.Context, record *TXRecordPO) error) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 加写锁
		var record TXRecordPO
		if err := WithTXID(txID)(tx.Clauses(clause.Locking{Strength: "UPDATE"})).First(&record).Error; err != nil {
			return err
		}

		if err := do(ctx, &record); err != nil {
			return err
		}
		return NewTXRecordDAO(tx).UpdateTXRecord(ctx, &record)
	})
}
