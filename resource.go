package gotxn

import "context"

// 事务参与者
type TransactionalResource interface {
	// 返回资源唯一 id，事务生命周期内保持稳定，tm 据此对参与者去重
	ID() string
	// 第一阶段：校验读版本、确认能推进到写版本并持久化待提交的写入。
	// 返回 true 即承诺不再单方面回滚。
	// writeVersion 为 nil 时是读校验：不得持有任何状态（锁、缓存），
	// 第二阶段只发给写参与者；其他事务持有写锁时必须返回 false
	Prepare(ctx context.Context, txID int64, writeVersion, readVersion *int64) (bool, error)
	// 丢弃该事务待提交的写入，需要幂等
	Abort(ctx context.Context, txID int64) error
	// 第二阶段：使已 prepare 的写入生效，资源需自行记住已提交的事务 id
	Commit(ctx context.Context, txID int64) error
}
