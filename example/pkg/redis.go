package pkg

import (
	"fmt"
	"os"
	"sync"

	"github.com/xiaoxuxiansheng/redis_lock"
)

const (
	network     = "tcp"
	addressEnv  = "GOTXN_REDIS_ADDRESS"
	passwordEnv = "GOTXN_REDIS_PASSWORD"
)

var (
	redisClient *redis_lock.Client
	once        sync.Once
)

func NewRedisClient(network, address, password string) *redis_lock.Client {
	return redis_lock.NewClient(network, address, password)
}

func GetRedisClient() *redis_lock.Client {
	once.Do(func() {
		redisClient = NewRedisClient(network, os.Getenv(addressEnv), os.Getenv(passwordEnv))
	})
	return redisClient
}

// 资源已提交的值
func BuildValueKey(resourceID string) string {
	return fmt.Sprintf("gotxn:value:%s", resourceID)
}

// 资源已提交的版本号
func BuildVersionKey(resourceID string) string {
	return fmt.Sprintf("gotxn:version:%s", resourceID)
}

// 资源写锁的持有者，值为事务 id
func BuildHolderKey(resourceID string) string {
	return fmt.Sprintf("gotxn:holder:%s", resourceID)
}

// 事务在资源上的状态，用于幂等去重
func BuildTXStatusKey(resourceID string, txID int64) string {
	return fmt.Sprintf("gotxn:txStatus:%s:%d", resourceID, txID)
}

// 事务暂存的写入
func BuildStagedKey(resourceID string, txID int64) string {
	return fmt.Sprintf("gotxn:staged:%s:%d", resourceID, txID)
}

// 事务 prepare 通过后承诺的写版本
func BuildPreparedVersionKey(resourceID string, txID int64) string {
	return fmt.Sprintf("gotxn:preparedVersion:%s:%d", resourceID, txID)
}

// 资源元数据锁 key
func BuildResourceLockKey(resourceID string) string {
	return fmt.Sprintf("gotxn:resourceLock:%s", resourceID)
}

func BuildTXRecordLockKey() string {
	return "gotxn:txRecord:lock"
}
