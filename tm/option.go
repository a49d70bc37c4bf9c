package tm

import "time"

type Options struct {
	// 事务默认执行时长，start 请求未指定时长时使用
	Timeout time.Duration
	// 轮询监控任务间隔时长
	MonitorTick time.Duration
	// 事务日志存储，为空时使用内存实现
	TXStore TXStore
}

type Option func(*Options)

func WithTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return func(o *Options) {
		o.Timeout = timeout
	}
}

func WithMonitorTick(tick time.Duration) Option {
	if tick <= 0 {
		tick = 10 * time.Second
	}

	return func(o *Options) {
		o.MonitorTick = tick
	}
}

func WithTXStore(txStore TXStore) Option {
	return func(o *Options) {
		o.TXStore = txStore
	}
}

func repair(o *Options) {
	if o.MonitorTick <= 0 {
		o.MonitorTick = 10 * time.Second
	}

	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}

	if o.TXStore == nil {
		o.TXStore = NewMemoryTXStore()
	}
}
