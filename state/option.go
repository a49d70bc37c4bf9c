package state

type Options struct {
	// 初始值，对应版本 0
	InitialValue interface{}
}

type Option func(*Options)

func WithInitialValue(value interface{}) Option {
	return func(o *Options) {
		o.InitialValue = value
	}
}
