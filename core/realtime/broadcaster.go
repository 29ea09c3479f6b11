// Package realtime notifies subscribers about record mutations.
//
// A mutation of a collection is offered to every subscription of the
// collection. A subscriber is notified if the record passes both the
// subscriber's own filter and the list rule of the collection, interpolated
// for the subscriber. List rules which do not depend on the authenticated
// identity are interpolated once and cached.
package realtime

import (
	"context"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/recordbase/core"
	"github.com/relabs-tech/recordbase/core/collection"
	"github.com/relabs-tech/recordbase/core/csql"
	"github.com/relabs-tech/recordbase/core/filter"
	"github.com/relabs-tech/recordbase/core/logger"
	"github.com/relabs-tech/recordbase/core/query"
	"github.com/relabs-tech/recordbase/core/records"
	"github.com/relabs-tech/recordbase/core/rules"
)

// AuthLookup returns the auth record of a subscriber
type AuthLookup interface {
	Auth(ctx context.Context, subscriberID string) (map[string]interface{}, error)
}

// AuthLookupFunc adapts a function to AuthLookup
type AuthLookupFunc func(ctx context.Context, subscriberID string) (map[string]interface{}, error)

// Auth implements AuthLookup
func (f AuthLookupFunc) Auth(ctx context.Context, subscriberID string) (map[string]interface{}, error) {
	return f(ctx, subscriberID)
}

// StoreAuth looks subscribers up in an auth collection of store
func StoreAuth(store *records.Store, authCollection string) AuthLookup {
	return AuthLookupFunc(func(ctx context.Context, subscriberID string) (map[string]interface{}, error) {
		record, err := store.QueryByID(authCollection).Filter(collection.PropertyID, filter.Equal, subscriberID).FirstOrFail(ctx)
		if err != nil {
			return nil, err
		}
		return record.Data, nil
	})
}

// Broadcaster implements records.Broadcaster
type Broadcaster struct {
	subscriptions *Subscriptions
	publisher     core.Publisher
	auth          AuthLookup
	hook          Hook
	chunkSize     int

	mutex       sync.RWMutex
	staticRules map[string]cachedRule
}

type cachedRule struct {
	conds filter.Conditions
	err   error
}

// Builder is a builder helper for the Broadcaster
type Builder struct {
	// Subscriptions is the subscription store. This is mandatory.
	Subscriptions *Subscriptions
	// Publisher delivers the messages. This is mandatory.
	Publisher core.Publisher
	// Auth resolves the identity of subscribers for list rules mentioning
	// @request.auth. Without it all subscribers are treated as guests.
	Auth AuthLookup
	// Hook is the default hook, if the context of a broadcast has none. This is optional.
	Hook Hook
	// ChunkSize is the number of subscriptions read at once. Defaults to DefaultChunkSize.
	ChunkSize int
}

// NewBroadcaster realizes the broadcaster
func NewBroadcaster(bb *Builder) *Broadcaster {
	if bb.Subscriptions == nil {
		panic("Subscriptions is missing")
	}
	if bb.Publisher == nil {
		panic("Publisher is missing")
	}
	return &Broadcaster{
		subscriptions: bb.Subscriptions,
		publisher:     bb.Publisher,
		auth:          bb.Auth,
		hook:          bb.Hook,
		chunkSize:     bb.ChunkSize,
		staticRules:   map[string]cachedRule{},
	}
}

// Broadcast offers a mutation of coll to its subscribers. Nobody is
// notified if the list rule of the collection is unset or SUPERUSER_ONLY.
// Failures are logged, never returned.
func (b *Broadcaster) Broadcast(ctx context.Context, coll *collection.Collection, action core.Action, record *records.Record) {
	ctx, rlog := logger.ContextWithCollection(ctx, coll.Name)
	rule := coll.Rule(core.ActionList)
	text, err := rule.Text()
	if err != nil {
		rlog.Debugln("no broadcast, list rule is not set")
		return
	}
	if strings.Contains(text, rules.SuperuserOnly) {
		rlog.Debugln("no broadcast, list rule is superuser only")
		return
	}
	dynamic, _ := rule.IsDynamic()
	var static filter.Conditions
	if !dynamic {
		if static, err = b.staticRule(coll, rule, text); err != nil {
			rlog.WithError(err).Errorln("Error 5406: no broadcast, list rule cannot be applied")
			return
		}
	}
	kinds := filter.KindFunc(func(field string) csql.ValueKind {
		return query.KindOf(coll, field)
	})

	hook := hookFromContext(ctx)
	if hook == nil {
		hook = b.hook
	}
	payload := Payload{Action: action, Collection: coll.Name, Record: record}

	auths := core.NewAuthorizationCache()
	delivered := 0
	err = b.subscriptions.Chunks(ctx, coll.ID, b.chunkSize, func(chunk []*Subscription) error {
		for _, sub := range chunk {
			ruleConds := static
			if dynamic {
				var ruleErr error
				if ruleConds, ruleErr = b.dynamicRule(ctx, rule, sub, auths); ruleErr != nil {
					rlog.WithError(ruleErr).Warnf("skipping subscription %s", sub.ID)
					continue
				}
			}
			if !ruleConds.Match(record.Data, kinds) || !subscriberFilter(rlog, sub).Match(record.Data, kinds) {
				continue
			}
			message := payload
			if hook != nil {
				var ok bool
				if message, ok = hook.BeforeBroadcast(ctx, payload, sub); !ok {
					continue
				}
			}
			if b.publish(ctx, sub, message) {
				delivered++
			}
		}
		return nil
	})
	if err != nil {
		rlog.WithError(err).Errorln("Error 5403: broadcast aborted")
	}
	rlog.Debugf("broadcast %s of record %s to %d subscriber(s)", action, record.ID(), delivered)
}

// staticRule returns the interpolated rule from the cache. The key includes
// the rule text, so a changed rule is interpolated afresh.
func (b *Broadcaster) staticRule(coll *collection.Collection, rule *rules.Rule, text string) (filter.Conditions, error) {
	key := coll.ID + "\x00" + text
	b.mutex.RLock()
	cached, ok := b.staticRules[key]
	b.mutex.RUnlock()
	if ok {
		return cached.conds, cached.err
	}

	interpolated, _ := rule.Interpolate(rules.GuestVars())
	cached.conds, cached.err = parseRule(interpolated)
	b.mutex.Lock()
	b.staticRules[key] = cached
	b.mutex.Unlock()
	return cached.conds, cached.err
}

// dynamicRule interpolates rule for the subscriber of sub. Subscribers are
// looked up once per broadcast through auths.
func (b *Broadcaster) dynamicRule(ctx context.Context, rule *rules.Rule, sub *Subscription, auths *core.AuthorizationCache) (filter.Conditions, error) {
	var auth map[string]interface{}
	if sub.SubscriberID != "" && b.auth != nil {
		cached := auths.Read(sub.SubscriberID)
		if cached == nil {
			lookupCtx, _ := logger.ContextWithLoggerIdentity(ctx, sub.SubscriberID)
			record, err := b.auth.Auth(lookupCtx, sub.SubscriberID)
			if err != nil {
				return nil, errors.Wrapf(err, "cannot resolve subscriber %s", sub.SubscriberID)
			}
			cached = &core.Authorization{Record: record}
			auths.Write(sub.SubscriberID, cached)
		}
		auth = cached.Data()
	}
	interpolated, err := rule.Interpolate(rules.NewVars(auth, nil))
	if err != nil {
		return nil, err
	}
	return parseRule(interpolated)
}

// parseRule parses an interpolated list rule. A rule is applied completely
// or not at all, a dropped segment is an error.
func parseRule(interpolated string) (filter.Conditions, error) {
	conds, err := filter.Parse(interpolated)
	if err != nil {
		return nil, errors.Wrapf(core.ErrEvaluation, "list rule %q: %s", interpolated, err)
	}
	return conds, nil
}

func subscriberFilter(rlog *logrus.Entry, sub *Subscription) filter.Conditions {
	conds, err := filter.Parse(sub.Filter)
	if err != nil {
		rlog.WithError(err).Warnf("ignoring invalid segments of filter of subscription %s", sub.ID)
	}
	return conds
}

// publish delivers message to the channel of sub. Failures are logged.
func (b *Broadcaster) publish(ctx context.Context, sub *Subscription, message Payload) bool {
	body, err := json.Marshal(message)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 5404: cannot encode message")
		return false
	}
	if err := b.publisher.Publish(ctx, sub.Channel, body, sub.IsPublic); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 5405: cannot publish to %s", sub.Channel)
		return false
	}
	return true
}
