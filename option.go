package gotxn

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Options struct {
	// 事务默认执行时长限制
	Timeout time.Duration
	// 事务未携带期限时，单次提交往返 tm 的时长上限
	CommitTimeout time.Duration
	// 指标注册，为空时不上报
	Registerer prometheus.Registerer
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

func WithCommitTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return func(o *Options) {
		o.CommitTimeout = timeout
	}
}

func WithMetrics(registerer prometheus.Registerer) Option {
	return func(o *Options) {
		o.Registerer = registerer
	}
}

func repair(o *Options) {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}

	if o.CommitTimeout <= 0 {
		o.CommitTimeout = 10 * time.Second
	}
}
