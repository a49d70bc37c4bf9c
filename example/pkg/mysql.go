package pkg

import (
	"fmt"
	"os"
	"sync"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// 默认 dsn 从环境变量读取
const dsnEnv = "GOTXN_MYSQL_DSN"

var (
	db     *gorm.DB
	dbonce sync.Once
)

func NewDB(dsn string, opts ...gorm.Option) (*gorm.DB, error) {
	return gorm.Open(mysql.Open(dsn), opts...)
}

func GetDB() *gorm.DB {
	dbonce.Do(func() {
		var err error
		if db, err = NewDB(os.Getenv(dsnEnv), &gorm.Config{}); err != nil {
			panic(fmt.Errorf("failed to connect database, err: %w", err))
		}
	})
	return db
}
