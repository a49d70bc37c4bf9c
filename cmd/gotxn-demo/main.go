package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cast"
	flag "github.com/spf13/pflag"

	"github.com/xiaoxuxiansheng/gotxn"
	"github.com/xiaoxuxiansheng/gotxn/example"
	"github.com/xiaoxuxiansheng/gotxn/log"
	"github.com/xiaoxuxiansheng/gotxn/state"
	"github.com/xiaoxuxiansheng/gotxn/tm"
)

const (
	DefaultAccounts  = 4
	DefaultTransfers = 64
	DefaultBalance   = 100
)

var (
	store     string
	boltFile  string
	dsn       string
	address   string
	password  string
	logLevel  string
	timeout   time.Duration
	accounts  int
	transfers int
)

func init() {
	flag.StringVarP(&store, "store", "s", "memory", "Transaction log store: memory | bolt | mysql")
	flag.StringVarP(&boltFile, "bolt", "b", "gotxn.db", "Bolt file, used with --store=bolt")
	flag.StringVarP(&dsn, "dsn", "", "", "MySQL dsn, used with --store=mysql")
	flag.StringVarP(&address, "redis", "r", "127.0.0.1:6379", "Redis address, used with --store=mysql")
	flag.StringVarP(&password, "redis-password", "", "", "Redis password")
	flag.StringVarP(&logLevel, "log-level", "", "info", "Log level: debug | info | warn | error")
	flag.DurationVarP(&timeout, "timeout", "t", 5*time.Second, "Transaction timeout")
	flag.IntVarP(&accounts, "accounts", "a", DefaultAccounts, "Number of accounts")
	flag.IntVarP(&transfers, "transfers", "n", DefaultTransfers, "Number of concurrent transfers")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		flag.PrintDefaults()
	}
}

func main() {
	flag.Parse()
	log.SetDefaultLogger(log.NewSugarLogger(log.NewOptions(log.WithLogLevel(logLevel), log.WithFileName("stdout"))))

	ctx := context.Background()
	if store == "mysql" {
		if err := example.Run(ctx, dsn, address, password); err != nil {
			log.Errorf("mysql demo failed, err: %v", err)
			os.Exit(1)
		}
		return
	}

	if err := run(ctx); err != nil {
		log.Errorf("demo failed, err: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	opts := []tm.Option{tm.WithTimeout(timeout), tm.WithMonitorTick(time.Second)}
	switch store {
	case "memory":
	case "bolt":
		txStore, err := tm.NewBoltTXStore(boltFile)
		if err != nil {
			return err
		}
		defer txStore.Close()
		opts = append(opts, tm.WithTXStore(txStore))
	default:
		return fmt.Errorf("unknown store: %s", store)
	}

	registry := gotxn.NewRegistryCenter()
	states := make([]*state.VersionedState, 0, accounts)
	for i := 0; i < accounts; i++ {
		s := state.NewVersionedState("account-"+cast.ToString(i), state.WithInitialValue(DefaultBalance))
		if err := registry.Register(s); err != nil {
			return err
		}
		states = append(states, s)
	}

	manager := tm.NewManager(registry, opts...)
	defer manager.Stop()

	reg := prometheus.NewRegistry()
	agent := gotxn.NewAgent(manager, registry, gotxn.WithTimeout(timeout), gotxn.WithMetrics(reg))
	if err := agent.Start(); err != nil {
		return err
	}
	defer agent.Stop()

	var (
		wg        sync.WaitGroup
		mux       sync.Mutex
		committed int
		aborted   = make(map[gotxn.ErrorKind]int)
	)
	for i := 0; i < transfers; i++ {
		from := states[rand.Intn(len(states))]
		to := states[rand.Intn(len(states))]
		if from == to {
			continue
		}
		amount := rand.Intn(20) + 1
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := transfer(ctx, agent, from, to, amount)
			mux.Lock()
			defer mux.Unlock()
			if err == nil {
				committed++
				return
			}
			aborted[gotxn.KindOf(err)]++
			log.Debugf("transfer aborted, from: %s, to: %s, err: %v", from.ID(), to.ID(), err)
		}()
	}
	wg.Wait()
	manager.Wait()

	var total int
	for _, s := range states {
		value, version := s.Value()
		total += cast.ToInt(value)
		log.Infof("account: %s, balance: %v, version: %d", s.ID(), value, version)
	}
	log.Infof("transfers committed: %d, aborted: %v, total balance: %d", committed, aborted, total)
	if total != accounts*DefaultBalance {
		return errors.New("total balance changed")
	}
	return nil
}

func transfer(ctx context.Context, agent *gotxn.Agent, from, to *state.VersionedState, amount int) error {
	return agent.Invoke(ctx, gotxn.Create, func(ctx context.Context) error {
		balance, err := from.Read(ctx)
		if err != nil {
			return err
		}
		if cast.ToInt(balance) < amount {
			return example.ErrInsufficientBalance
		}
		if err = from.Write(ctx, cast.ToInt(balance)-amount); err != nil {
			return err
		}
		if balance, err = to.Read(ctx); err != nil {
			return err
		}
		return to.Write(ctx, cast.ToInt(balance)+amount)
	})
}
