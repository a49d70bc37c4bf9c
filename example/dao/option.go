package dao

import (
	"gorm.io/gorm"
)

type QueryOption func(db *gorm.DB) *gorm.DB

func WithTXID(txID int64) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("tx_id = ?", txID)
	}
}

func WithStatus(status string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("status = ?", status)
	}
}
