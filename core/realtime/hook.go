package realtime

import (
	"context"

	"github.com/relabs-tech/recordbase/core"
	"github.com/relabs-tech/recordbase/core/records"
)

// Payload is the message a subscriber receives about one mutation
type Payload struct {
	Action     core.Action     `json:"action"`
	Collection string          `json:"collection"`
	Record     *records.Record `json:"record"`
}

// Hook can rewrite or veto a message before it is published to one
// subscriber. Returning false drops the message for that subscriber.
type Hook interface {
	BeforeBroadcast(ctx context.Context, payload Payload, sub *Subscription) (Payload, bool)
}

// HookFunc adapts a function to Hook
type HookFunc func(ctx context.Context, payload Payload, sub *Subscription) (Payload, bool)

// BeforeBroadcast implements Hook
func (f HookFunc) BeforeBroadcast(ctx context.Context, payload Payload, sub *Subscription) (Payload, bool) {
	return f(ctx, payload, sub)
}

type contextKeyHookType struct{}

var contextKeyHook = &contextKeyHookType{}

// ContextWithHook returns a context carrying hook. A hook in the context of
// a broadcast takes precedence over the hook of the broadcaster.
func ContextWithHook(ctx context.Context, hook Hook) context.Context {
	return context.WithValue(ctx, contextKeyHook, hook)
}

func hookFromContext(ctx context.Context) Hook {
	hook, _ := ctx.Value(contextKeyHook).(Hook)
	return hook
}
