package gotxn

import "context"

// TransactionKey is the fixed key the ambient TransactionInfo lives under.
const TransactionKey = "gotxn.transaction"

type contextItemsKey struct{}

// contextItems is never mutated after it is attached to a context; every
// write copies it.
type contextItems map[string]interface{}

func itemsFrom(ctx context.Context) contextItems {
	items, _ := ctx.Value(contextItemsKey{}).(contextItems)
	return items
}

func (c contextItems) with(key string, value interface{}) contextItems {
	next := make(contextItems, len(c)+1)
	for k, v := range c {
		next[k] = v
	}
	next[key] = value
	return next
}

func (c contextItems) without(key string) contextItems {
	next := make(contextItems, len(c))
	for k, v := range c {
		if k == key {
			continue
		}
		next[k] = v
	}
	return next
}

// SetContextValue returns a child of ctx whose call-scoped mapping holds value
// under key. ctx and its other children are unaffected.
func SetContextValue(ctx context.Context, key string, value interface{}) context.Context {
	return context.WithValue(ctx, contextItemsKey{}, itemsFrom(ctx).with(key, value))
}

// GetContextValue looks up key in the call-scoped mapping of ctx.
func GetContextValue(ctx context.Context, key string) (interface{}, bool) {
	value, ok := itemsFrom(ctx)[key]
	return value, ok
}

// ClearContextValue returns a child of ctx without key.
func ClearContextValue(ctx context.Context, key string) context.Context {
	items := itemsFrom(ctx)
	if _, ok := items[key]; !ok {
		return ctx
	}
	return context.WithValue(ctx, contextItemsKey{}, items.without(key))
}

// WithTransaction attaches info as the ambient transaction.
func WithTransaction(ctx context.Context, info *TransactionInfo) context.Context {
	return SetContextValue(ctx, TransactionKey, info)
}

// CurrentTransaction returns the ambient transaction or nil.
func CurrentTransaction(ctx context.Context) *TransactionInfo {
	value, ok := GetContextValue(ctx, TransactionKey)
	if !ok {
		return nil
	}
	info, _ := value.(*TransactionInfo)
	return info
}

// ClearTransaction leaves the transactional scope.
func ClearTransaction(ctx context.Context) context.Context {
	return ClearContextValue(ctx, TransactionKey)
}
