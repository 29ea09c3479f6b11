package realtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/recordbase/core"
	"github.com/relabs-tech/recordbase/core/collection"
	"github.com/relabs-tech/recordbase/core/csql"
	"github.com/relabs-tech/recordbase/core/logger"
	"github.com/relabs-tech/recordbase/core/records"
	"github.com/relabs-tech/recordbase/core/rules"
)

func testSubscriptions(t *testing.T) *Subscriptions {
	db, err := csql.Open("sqlite", filepath.Join(t.TempDir(), "realtime.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return NewSubscriptions(db)
}

func postsWithRule(rule *rules.Rule) *collection.Collection {
	return &collection.Collection{
		ID:    "c_posts",
		Name:  "posts",
		Kind:  collection.KindBase,
		Rules: map[core.Action]*rules.Rule{core.ActionList: rule},
	}
}

func subscribe(t *testing.T, subs *Subscriptions, channel, subscriberID, filter string) {
	require.NoError(t, subs.Subscribe(context.Background(), &Subscription{
		CollectionID: "c_posts",
		SubscriberID: subscriberID,
		Channel:      channel,
		Filter:       filter,
	}))
}

func channels(messages []Message) []string {
	result := []string{}
	for _, m := range messages {
		result = append(result, m.Channel)
	}
	return result
}

func record(data map[string]interface{}) *records.Record {
	return records.NewRecord("c_posts", data)
}

func TestBroadcast_SubscriberFilter(t *testing.T) {
	ctx := context.Background()
	subs := testSubscriptions(t)
	publisher := &MemoryPublisher{}
	b := NewBroadcaster(&Builder{Subscriptions: subs, Publisher: publisher})
	posts := postsWithRule(rules.New(""))

	subscribe(t, subs, "active", "", "status = active")
	subscribe(t, subs, "all", "", "")

	b.Broadcast(ctx, posts, core.ActionUpdate, record(map[string]interface{}{"id": "p1", "status": "active"}))
	assert.ElementsMatch(t, []string{"active", "all"}, channels(publisher.Drain()))

	b.Broadcast(ctx, posts, core.ActionUpdate, record(map[string]interface{}{"id": "p1", "status": "draft"}))
	assert.Equal(t, []string{"all"}, channels(publisher.Drain()))
}

func TestBroadcast_StaticRule(t *testing.T) {
	ctx := context.Background()
	subs := testSubscriptions(t)
	publisher := &MemoryPublisher{}
	b := NewBroadcaster(&Builder{Subscriptions: subs, Publisher: publisher})
	posts := postsWithRule(rules.New("status = 'published'"))

	subscribe(t, subs, "all", "", "")
	subscribe(t, subs, "mine", "u1", "owner_id = u1")

	b.Broadcast(ctx, posts, core.ActionCreate, record(map[string]interface{}{"id": "p1", "status": "draft", "owner_id": "u1"}))
	assert.Empty(t, publisher.Drain())

	b.Broadcast(ctx, posts, core.ActionCreate, record(map[string]interface{}{"id": "p2", "status": "published", "owner_id": "u1"}))
	assert.ElementsMatch(t, []string{"all", "mine"}, channels(publisher.Drain()))

	b.Broadcast(ctx, posts, core.ActionCreate, record(map[string]interface{}{"id": "p3", "status": "published", "owner_id": "u2"}))
	assert.Equal(t, []string{"all"}, channels(publisher.Drain()))

	// the interpolated rule is cached once per collection and rule text
	assert.Len(t, b.staticRules, 1)
	posts.Rules[core.ActionList] = rules.New("")
	b.Broadcast(ctx, posts, core.ActionCreate, record(map[string]interface{}{"id": "p4", "status": "draft"}))
	assert.Equal(t, []string{"all"}, channels(publisher.Drain()))
	assert.Len(t, b.staticRules, 2)
}

func TestBroadcast_DynamicRule(t *testing.T) {
	ctx := context.Background()
	subs := testSubscriptions(t)
	publisher := &MemoryPublisher{}
	lookups := 0
	auth := AuthLookupFunc(func(ctx context.Context, subscriberID string) (map[string]interface{}, error) {
		lookups++
		if subscriberID == "ghost" {
			return nil, core.NotFoundf("user %s", subscriberID)
		}
		return map[string]interface{}{"id": subscriberID}, nil
	})
	b := NewBroadcaster(&Builder{Subscriptions: subs, Publisher: publisher, Auth: auth})
	posts := postsWithRule(rules.New("@request.auth.id = owner_id"))

	subscribe(t, subs, "u1", "u1", "")
	subscribe(t, subs, "u1-mobile", "u1", "")
	subscribe(t, subs, "u2", "u2", "")
	subscribe(t, subs, "guest", "", "")
	subscribe(t, subs, "ghost", "ghost", "")

	b.Broadcast(ctx, posts, core.ActionCreate, record(map[string]interface{}{"id": "p1", "owner_id": "u1"}))
	assert.ElementsMatch(t, []string{"u1", "u1-mobile"}, channels(publisher.Drain()))
	// one lookup per subscriber and broadcast
	assert.Equal(t, 3, lookups)

	b.Broadcast(ctx, posts, core.ActionCreate, record(map[string]interface{}{"id": "p2", "owner_id": "u2"}))
	assert.Equal(t, []string{"u2"}, channels(publisher.Drain()))
	assert.Empty(t, b.staticRules)
}

func TestBroadcast_AuthenticatedOnly(t *testing.T) {
	ctx := context.Background()
	subs := testSubscriptions(t)
	publisher := &MemoryPublisher{}
	var identities []interface{}
	auth := AuthLookupFunc(func(ctx context.Context, subscriberID string) (map[string]interface{}, error) {
		identities = append(identities, logger.FromContext(ctx).Data["identity"])
		return map[string]interface{}{"id": subscriberID}, nil
	})
	b := NewBroadcaster(&Builder{Subscriptions: subs, Publisher: publisher, Auth: auth})
	posts := postsWithRule(rules.New(`@request.auth.id != ""`))

	subscribe(t, subs, "u1", "u1", "")
	subscribe(t, subs, "guest", "", "")

	b.Broadcast(ctx, posts, core.ActionCreate, record(map[string]interface{}{"id": "p1"}))
	assert.Equal(t, []string{"u1"}, channels(publisher.Drain()))
	assert.Equal(t, []interface{}{"u1"}, identities)

	posts.Rules[core.ActionList] = rules.New(`@request.auth.id != "" AND status = published`)
	b.Broadcast(ctx, posts, core.ActionCreate, record(map[string]interface{}{"id": "p2", "status": "published"}))
	b.Broadcast(ctx, posts, core.ActionCreate, record(map[string]interface{}{"id": "p3", "status": "draft"}))
	assert.Equal(t, []string{"u1"}, channels(publisher.Drain()))
}

func TestBroadcast_RuleNotAppliedPartially(t *testing.T) {
	ctx := context.Background()
	subs := testSubscriptions(t)
	publisher := &MemoryPublisher{}
	auth := AuthLookupFunc(func(ctx context.Context, subscriberID string) (map[string]interface{}, error) {
		return map[string]interface{}{"id": subscriberID}, nil
	})
	b := NewBroadcaster(&Builder{Subscriptions: subs, Publisher: publisher, Auth: auth})
	subscribe(t, subs, "u1", "u1", "")
	subscribe(t, subs, "guest", "", "")
	published := record(map[string]interface{}{"id": "p1", "status": "published", "owner_id": "u1"})

	b.Broadcast(ctx, postsWithRule(rules.New("status published")), core.ActionCreate, published)
	b.Broadcast(ctx, postsWithRule(rules.New("@request.auth.id = owner_id AND status published")), core.ActionCreate, published)
	assert.Empty(t, publisher.Drain())

	// constant segments are decided, not dropped
	b.Broadcast(ctx, postsWithRule(rules.New(`"a" = "b" AND status = published`)), core.ActionCreate, published)
	assert.Empty(t, publisher.Drain())
	b.Broadcast(ctx, postsWithRule(rules.New(`"a" = "a" AND status = published`)), core.ActionCreate, published)
	assert.ElementsMatch(t, []string{"u1", "guest"}, channels(publisher.Drain()))
}

func TestBroadcast_FieldKinds(t *testing.T) {
	ctx := context.Background()
	subs := testSubscriptions(t)
	publisher := &MemoryPublisher{}
	b := NewBroadcaster(&Builder{Subscriptions: subs, Publisher: publisher})
	posts := postsWithRule(rules.New(""))
	posts.Fields = []*collection.Field{
		{Name: "title", Type: collection.TypeText, Options: &collection.TextOptions{}},
		{Name: "views", Type: collection.TypeNumber, Options: &collection.NumberOptions{}},
	}
	subscribe(t, subs, "title", "", "title > 9")
	subscribe(t, subs, "views", "", "views > 9")

	b.Broadcast(ctx, posts, core.ActionCreate, record(map[string]interface{}{"id": "p1", "title": "10", "views": float64(10)}))
	assert.Equal(t, []string{"views"}, channels(publisher.Drain()))
}

func TestBroadcast_NoDelivery(t *testing.T) {
	ctx := context.Background()
	subs := testSubscriptions(t)
	publisher := &MemoryPublisher{}
	b := NewBroadcaster(&Builder{Subscriptions: subs, Publisher: publisher})
	subscribe(t, subs, "all", "", "")

	b.Broadcast(ctx, postsWithRule(nil), core.ActionCreate, record(map[string]interface{}{"id": "p1"}))
	b.Broadcast(ctx, postsWithRule(rules.New(rules.SuperuserOnly)), core.ActionCreate, record(map[string]interface{}{"id": "p1"}))
	b.Broadcast(ctx, postsWithRule(rules.New("")), core.ActionCreate, records.NewRecord("c_other", nil))
	assert.Equal(t, []string{"all"}, channels(publisher.Messages()))
}

func TestBroadcast_Hook(t *testing.T) {
	subs := testSubscriptions(t)
	publisher := &MemoryPublisher{}
	veto := HookFunc(func(ctx context.Context, payload Payload, sub *Subscription) (Payload, bool) {
		return payload, sub.Channel != "vetoed"
	})
	b := NewBroadcaster(&Builder{Subscriptions: subs, Publisher: publisher, Hook: veto})
	posts := postsWithRule(rules.New(""))
	subscribe(t, subs, "vetoed", "", "")
	subscribe(t, subs, "open", "", "")

	b.Broadcast(context.Background(), posts, core.ActionDelete, record(map[string]interface{}{"id": "p1", "secret": "x"}))
	messages := publisher.Drain()
	require.Len(t, messages, 1)
	assert.Equal(t, "open", messages[0].Channel)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(messages[0].Payload, &payload))
	assert.Equal(t, "delete", payload["action"])
	assert.Equal(t, "posts", payload["collection"])
	assert.Equal(t, map[string]interface{}{"id": "p1", "secret": "x"}, payload["record"])

	// a hook in the context replaces the builder's hook
	redact := HookFunc(func(ctx context.Context, payload Payload, sub *Subscription) (Payload, bool) {
		clone := payload.Record.Clone()
		delete(clone.Data, "secret")
		payload.Record = clone
		return payload, true
	})
	original := record(map[string]interface{}{"id": "p1", "secret": "x"})
	b.Broadcast(ContextWithHook(context.Background(), redact), posts, core.ActionUpdate, original)
	messages = publisher.Drain()
	require.Len(t, messages, 2)
	for _, m := range messages {
		assert.NotContains(t, string(m.Payload), "secret")
	}
	assert.Equal(t, "x", original.Get("secret"))
}

func TestBroadcast_Chunks(t *testing.T) {
	subs := testSubscriptions(t)
	publisher := &MemoryPublisher{}
	b := NewBroadcaster(&Builder{Subscriptions: subs, Publisher: publisher, ChunkSize: 2})
	for _, channel := range []string{"a", "b", "c", "d", "e"} {
		subscribe(t, subs, channel, "", "")
	}
	b.Broadcast(context.Background(), postsWithRule(rules.New("")), core.ActionCreate, record(map[string]interface{}{"id": "p1"}))
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, channels(publisher.Messages()))
}

func TestBroadcast_PublishError(t *testing.T) {
	subs := testSubscriptions(t)
	var published []string
	failing := core.PublisherFunc(func(ctx context.Context, channel string, payload []byte, isPublic bool) error {
		published = append(published, channel)
		if channel == "broken" {
			return errors.New("unreachable")
		}
		return nil
	})
	b := NewBroadcaster(&Builder{Subscriptions: subs, Publisher: failing})
	subscribe(t, subs, "broken", "", "")
	subscribe(t, subs, "fine", "", "")

	b.Broadcast(context.Background(), postsWithRule(rules.New("")), core.ActionCreate, record(map[string]interface{}{"id": "p1"}))
	assert.ElementsMatch(t, []string{"broken", "fine"}, published)
}

func TestSubscriptions_Lifecycle(t *testing.T) {
	ctx := context.Background()
	subs := testSubscriptions(t)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	subs.now = func() time.Time { return now }

	err := subs.Subscribe(ctx, &Subscription{CollectionID: "c_posts"})
	assert.True(t, errors.Is(err, core.ErrValidation))

	old := &Subscription{CollectionID: "c_posts", Channel: "old", IsPublic: true}
	require.NoError(t, subs.Subscribe(ctx, old))
	require.NotEmpty(t, old.ID)
	fresh := &Subscription{CollectionID: "c_posts", Channel: "fresh", SubscriberID: "u1", Filter: "a = b"}
	require.NoError(t, subs.Subscribe(ctx, fresh))

	now = now.Add(time.Hour)
	require.NoError(t, subs.Touch(ctx, fresh.ID))
	assert.True(t, errors.Is(subs.Touch(ctx, "missing"), core.ErrNotFound))

	n, err := subs.PurgeExpired(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var all []*Subscription
	require.NoError(t, subs.Chunks(ctx, "c_posts", 0, func(chunk []*Subscription) error {
		all = append(all, chunk...)
		return nil
	}))
	require.Len(t, all, 1)
	assert.Equal(t, fresh.ID, all[0].ID)
	assert.Equal(t, "u1", all[0].SubscriberID)
	assert.Equal(t, "a = b", all[0].Filter)
	assert.False(t, all[0].IsPublic)
	assert.Equal(t, now, all[0].Updated)

	require.NoError(t, subs.Unsubscribe(ctx, fresh.ID))
	require.NoError(t, subs.Unsubscribe(ctx, fresh.ID))
	all = nil
	require.NoError(t, subs.Chunks(ctx, "c_posts", 0, func(chunk []*Subscription) error {
		all = append(all, chunk...)
		return nil
	}))
	assert.Empty(t, all)
}
