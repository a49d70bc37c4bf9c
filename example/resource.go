package example

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/demdxx/gocast"
	"github.com/xiaoxuxiansheng/redis_lock"

	"github.com/xiaoxuxiansheng/gotxn"
	"github.com/xiaoxuxiansheng/gotxn/example/pkg"
)

// 一笔事务在资源侧的状态
type TXStatus string

func (t TXStatus) String() string {
	return string(t)
}

const (
	TXPrepared  TXStatus = "prepared"  // prepare 通过，持有写锁
	TXRejected  TXStatus = "rejected"  // prepare 被拒绝
	TXCommitted TXStatus = "committed" // 已提交
	TXAborted   TXStatus = "aborted"   // 已回滚
)

var ErrNotPrepared = errors.New("commit of a transaction that was not prepared")

// KVClient redis 读写操作，由 *redis_lock.Client 实现
type KVClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) (int64, error)
	SetNX(ctx context.Context, key, value string) (int64, error)
	Del(ctx context.Context, key string) error
}

type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// RedisResource 基于 redis 的事务资源，值和版本号都以字符串形式存放
type RedisResource struct {
	id        string
	client    KVClient
	newLocker func(key string) Locker
	// 年长事务等待写锁释放时的轮询间隔
	pollInterval time.Duration
}

func NewRedisResource(id string, client *redis_lock.Client) *RedisResource {
	return newRedisResource(id, client, func(key string) Locker {
		return redis_lock.NewRedisLock(key, client, redis_lock.WithExpireSeconds(10))
	})
}

func newRedisResource(id string, client KVClient, newLocker func(key string) Locker) *RedisResource {
	return &RedisResource{
		id:           id,
		client:       client,
		newLocker:    newLocker,
		pollInterval: 20 * time.Millisecond,
	}
}

func (r *RedisResource) ID() string {
	return r.id
}

// lockAndDo 在资源元数据锁内执行 do
func (r *RedisResource) lockAndDo(ctx context.Context, do func() error) error {
	lock := r.newLocker(pkg.BuildResourceLockKey(r.id))
	if err := lock.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		_ = lock.Unlock(ctx)
	}()
	return do()
}

// get 读取 key，不存在时返回空串
func (r *RedisResource) get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, key)
	if errors.Is(err, redis_lock.ErrNil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (r *RedisResource) version(ctx context.Context) (int64, error) {
	version, _, err := r.get(ctx, pkg.BuildVersionKey(r.id))
	if err != nil {
		return 0, err
	}
	return gocast.ToInt64(version), nil
}

// Value 返回已提交的值和版本号
func (r *RedisResource) Value(ctx context.Context) (string, int64, error) {
	value, _, err := r.get(ctx, pkg.BuildValueKey(r.id))
	if err != nil {
		return "", 0, err
	}
	version, err := r.version(ctx)
	return value, version, err
}

// Read returns the value visible to the ambient transaction and records the
// read version on it.
func (r *RedisResource) Read(ctx context.Context) (string, error) {
	info := gotxn.CurrentTransaction(ctx)
	if info == nil {
		value, _, err := r.Value(ctx)
		return value, err
	}
	if info.IsAborted() {
		return "", gotxn.NewError(gotxn.KindAborted, info.ID, "read in an aborted transaction", info.AbortReason())
	}

	// 事务内可以读到自己暂存的写入
	if staged, ok, err := r.get(ctx, pkg.BuildStagedKey(r.id, info.ID)); err != nil || ok {
		return staged, err
	}

	var value string
	err := r.lockAndDo(ctx, func() error {
		var err error
		if value, _, err = r.get(ctx, pkg.BuildValueKey(r.id)); err != nil {
			return err
		}
		version, err := r.version(ctx)
		if err != nil {
			return err
		}
		if access, ok := info.Access(r.id); ok && access.ReadVersion != nil && *access.ReadVersion != version {
			err := gotxn.NewError(gotxn.KindUnstableVersion, info.ID,
				fmt.Sprintf("resource: %s moved from version %d to %d", r.id, *access.ReadVersion, version), nil)
			info.MarkAborted(err)
			return err
		}
		info.RecordRead(r.id, version)
		return nil
	})
	return value, err
}

// Write stages value for the ambient transaction.
func (r *RedisResource) Write(ctx context.Context, value string) error {
	info := gotxn.CurrentTransaction(ctx)
	if info == nil {
		return gotxn.ErrTransactionRequired
	}

	readVersion, err := r.version(ctx)
	if err != nil {
		return err
	}
	if access, ok := info.Access(r.id); ok && access.ReadVersion != nil {
		readVersion = *access.ReadVersion
	}
	if err = info.RecordWrite(r.id, readVersion, readVersion+1); err != nil {
		return err
	}
	_, err = r.client.Set(ctx, pkg.BuildStagedKey(r.id, info.ID), value)
	return err
}

func (r *RedisResource) Prepare(ctx context.Context, txID int64, writeVersion, readVersion *int64) (bool, error) {
	// 只读校验，只读 id 被多个事务共享，不记录状态。写锁被持有时直接失败
	if writeVersion == nil {
		var accept bool
		err := r.lockAndDo(ctx, func() error {
			_, held, err := r.get(ctx, pkg.BuildHolderKey(r.id))
			if err != nil || held {
				return err
			}
			version, err := r.version(ctx)
			if err != nil {
				return err
			}
			accept = readVersion == nil || *readVersion == version
			return nil
		})
		return accept, err
	}

	for {
		var (
			accept bool
			// 写锁被更年长的事务持有，需要等待
			wait bool
		)
		err := r.lockAndDo(ctx, func() error {
			var err error
			accept, wait, err = r.tryPrepare(ctx, txID, *writeVersion, readVersion)
			return err
		})
		if err != nil || !wait {
			return accept, err
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(r.pollInterval):
		}
	}
}

// tryPrepare must be called under the resource lock.
func (r *RedisResource) tryPrepare(ctx context.Context, txID, writeVersion int64, readVersion *int64) (bool, bool, error) {
	// 1 基于事务状态幂等
	status, _, err := r.get(ctx, pkg.BuildTXStatusKey(r.id, txID))
	if err != nil {
		return false, false, err
	}
	switch TXStatus(status) {
	case TXPrepared, TXCommitted:
		return true, false, nil
	case TXRejected, TXAborted:
		return false, false, nil
	default:
	}

	// 2 wait-die：年长的事务等待，年轻的事务直接失败
	holder, held, err := r.get(ctx, pkg.BuildHolderKey(r.id))
	if err != nil {
		return false, false, err
	}
	if held && gocast.ToInt64(holder) != txID {
		if txID > gocast.ToInt64(holder) {
			return false, false, r.reject(ctx, txID)
		}
		return false, true, nil
	}

	// 3 版本校验
	version, err := r.version(ctx)
	if err != nil {
		return false, false, err
	}
	if (readVersion != nil && *readVersion != version) || writeVersion != version+1 {
		return false, false, r.reject(ctx, txID)
	}
	if _, ok, err := r.get(ctx, pkg.BuildStagedKey(r.id, txID)); err != nil || !ok {
		if err != nil {
			return false, false, err
		}
		return false, false, r.reject(ctx, txID)
	}

	// 4 从零到一抢占写锁
	reply, err := r.client.SetNX(ctx, pkg.BuildHolderKey(r.id), gocast.ToString(txID))
	if err != nil {
		return false, false, err
	}
	if reply != 1 {
		return false, true, nil
	}
	if _, err = r.client.Set(ctx, pkg.BuildPreparedVersionKey(r.id, txID), gocast.ToString(writeVersion)); err != nil {
		return false, false, err
	}
	if _, err = r.client.Set(ctx, pkg.BuildTXStatusKey(r.id, txID), TXPrepared.String()); err != nil {
		return false, false, err
	}
	return true, false, nil
}

func (r *RedisResource) reject(ctx context.Context, txID int64) error {
	if err := r.client.Del(ctx, pkg.BuildStagedKey(r.id, txID)); err != nil {
		return err
	}
	_, err := r.client.Set(ctx, pkg.BuildTXStatusKey(r.id, txID), TXRejected.String())
	return err
}

// release must be called under the resource lock.
func (r *RedisResource) release(ctx context.Context, txID int64) error {
	holder, held, err := r.get(ctx, pkg.BuildHolderKey(r.id))
	if err != nil || !held || gocast.ToInt64(holder) != txID {
		return err
	}
	return r.client.Del(ctx, pkg.BuildHolderKey(r.id))
}

func (r *RedisResource) Abort(ctx context.Context, txID int64) error {
	return r.lockAndDo(ctx, func() error {
		status, _, err := r.get(ctx, pkg.BuildTXStatusKey(r.id, txID))
		if err != nil {
			return err
		}
		// 先 commit 后 abort，属于非法的状态扭转
		if status == TXCommitted.String() {
			return fmt.Errorf("resource: %s, tx: %d already committed", r.id, txID)
		}
		if status == TXAborted.String() {
			return nil
		}

		if err = r.client.Del(ctx, pkg.BuildStagedKey(r.id, txID)); err != nil {
			return err
		}
		if _, err = r.client.Set(ctx, pkg.BuildTXStatusKey(r.id, txID), TXAborted.String()); err != nil {
			return err
		}
		return r.release(ctx, txID)
	})
}

func (r *RedisResource) Commit(ctx context.Context, txID int64) error {
	return r.lockAndDo(ctx, func() error {
		status, _, err := r.get(ctx, pkg.BuildTXStatusKey(r.id, txID))
		if err != nil {
			return err
		}
		switch TXStatus(status) {
		case TXCommitted:
			return nil
		case TXPrepared:
		default:
			return fmt.Errorf("resource: %s, tx: %d, err: %w", r.id, txID, ErrNotPrepared)
		}

		value, err := r.client.Get(ctx, pkg.BuildStagedKey(r.id, txID))
		if err != nil {
			return err
		}
		writeVersion, err := r.client.Get(ctx, pkg.BuildPreparedVersionKey(r.id, txID))
		if err != nil {
			return err
		}
		if _, err = r.client.Set(ctx, pkg.BuildValueKey(r.id), value); err != nil {
			return err
		}
		if _, err = r.client.Set(ctx, pkg.BuildVersionKey(r.id), writeVersion); err != nil {
			return err
		}
		if _, err = r.client.Set(ctx, pkg.BuildTXStatusKey(r.id, txID), TXCommitted.String()); err != nil {
			return err
		}

		// 清理暂存数据，这一步哪怕失败了也不影响结果
		_ = r.client.Del(ctx, pkg.BuildStagedKey(r.id, txID))
		_ = r.client.Del(ctx, pkg.BuildPreparedVersionKey(r.id, txID))
		return r.release(ctx, txID)
	})
}

var _ gotxn.TransactionalResource = (*RedisResource)(nil)
