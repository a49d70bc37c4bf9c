package example

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/demdxx/gocast"
	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/gotxn"
	"github.com/xiaoxuxiansheng/gotxn/example/dao"
	"github.com/xiaoxuxiansheng/gotxn/example/pkg"
	"github.com/xiaoxuxiansheng/gotxn/log"
	"github.com/xiaoxuxiansheng/gotxn/tm"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// Transfer 在一个事务内从 from 向 to 转账，ctx 中已有事务时加入该事务
func Transfer(ctx context.Context, agent *gotxn.Agent, from, to *RedisResource, amount int64) error {
	return agent.Invoke(ctx, gotxn.CreateOrJoin, func(ctx context.Context) error {
		balance, err := from.Read(ctx)
		if err != nil {
			return err
		}
		if gocast.ToInt64(balance) < amount {
			return fmt.Errorf("account: %s, balance: %s, err: %w", from.ID(), balance, ErrInsufficientBalance)
		}
		if err = from.Write(ctx, gocast.ToString(gocast.ToInt64(balance)-amount)); err != nil {
			return err
		}

		if balance, err = to.Read(ctx); err != nil {
			return err
		}
		return to.Write(ctx, gocast.ToString(gocast.ToInt64(balance)+amount))
	})
}

// Run 基于 mysql 事务日志和 redis 资源完成一次转账
func Run(ctx context.Context, dsn, address, password string) error {
	redisClient := pkg.NewRedisClient("tcp", address, password)
	mysqlDB, err := pkg.NewDB(dsn, &gorm.Config{})
	if err != nil {
		return err
	}
	if err = mysqlDB.WithContext(ctx).AutoMigrate(&dao.TXRecordPO{}); err != nil {
		return err
	}

	// 构造出事务日志存储模块
	txStore := NewMySQLTXStore(dao.NewTXRecordDAO(mysqlDB), redisClient)

	from := NewRedisResource("accountA", redisClient)
	to := NewRedisResource("accountB", redisClient)
	registry := gotxn.NewRegistryCenter()
	for _, resource := range []gotxn.TransactionalResource{from, to} {
		if err = registry.Register(resource); err != nil {
			return err
		}
	}

	manager := tm.NewManager(registry, tm.WithTXStore(txStore), tm.WithMonitorTick(time.Second))
	defer manager.Stop()

	agent := gotxn.NewAgent(manager, registry)
	if err = agent.Start(); err != nil {
		return err
	}
	defer agent.Stop()

	if err = Transfer(ctx, agent, from, to, 30); err != nil {
		return err
	}
	manager.Wait()

	balance, version, err := from.Value(ctx)
	if err != nil {
		return err
	}
	log.InfoContextf(ctx, "transfer succeeded, account: %s, balance: %s, version: %d", from.ID(), balance, version)
	return nil
}
