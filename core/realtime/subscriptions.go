package realtime

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/relabs-tech/recordbase/core"
	"github.com/relabs-tech/recordbase/core/csql"
	"github.com/relabs-tech/recordbase/core/logger"
)

// DefaultChunkSize is the number of subscriptions a broadcast reads at once
const DefaultChunkSize = 200

// Subscription is the registration of a realtime client for the mutations
// of one collection
type Subscription struct {
	ID           string `json:"id"`
	CollectionID string `json:"collection_id"`
	// SubscriberID is the id of the authenticated subscriber, empty for guests
	SubscriberID string `json:"subscriber_id,omitempty"`
	// Channel is where the publisher delivers messages to
	Channel string `json:"channel"`
	// Filter optionally narrows the records the subscriber is notified about
	Filter   string    `json:"filter,omitempty"`
	IsPublic bool      `json:"is_public"`
	Updated  time.Time `json:"updated"`
}

// Subscriptions stores subscriptions in the realtime_subscriptions table
type Subscriptions struct {
	db  csql.Conn
	now func() time.Time
}

// NewSubscriptions returns the subscription store of db
func NewSubscriptions(db csql.Conn) *Subscriptions {
	return &Subscriptions{db: db, now: time.Now}
}

// Subscribe stores sub. A new id is assigned if sub has none.
func (s *Subscriptions) Subscribe(ctx context.Context, sub *Subscription) error {
	if sub.CollectionID == "" || sub.Channel == "" {
		return core.Validationf("subscription requires collection and channel")
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.Updated = s.now().UTC().Truncate(time.Millisecond)
	var subscriberID interface{}
	if sub.SubscriberID != "" {
		subscriberID = sub.SubscriberID
	}
	statement := s.db.Dialect().Upsert("realtime_subscriptions", "id",
		[]string{"id", "collection_id", "subscriber_id", "channel", "filter_expr", "is_public", "updated"})
	_, err := s.db.ExecContext(ctx, statement,
		sub.ID, sub.CollectionID, subscriberID, sub.Channel, sub.Filter, sub.IsPublic, csql.FormatTime(sub.Updated))
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 5401: cannot store subscription")
		return errors.Wrap(err, "cannot store subscription")
	}
	return nil
}

// Touch marks a subscription as alive
func (s *Subscriptions) Touch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE realtime_subscriptions SET updated = ? WHERE id = ?",
		csql.FormatTime(s.now()), id)
	if err != nil {
		return errors.Wrap(err, "cannot touch subscription")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return core.NotFoundf("subscription %s", id)
	}
	return nil
}

// Unsubscribe removes a subscription. Removing an unknown subscription is not an error.
func (s *Subscriptions) Unsubscribe(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM realtime_subscriptions WHERE id = ?", id); err != nil {
		return errors.Wrap(err, "cannot delete subscription")
	}
	return nil
}

// PurgeExpired removes the subscriptions which were not touched within
// maxAge and returns how many were removed
func (s *Subscriptions) PurgeExpired(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM realtime_subscriptions WHERE updated < ?",
		csql.FormatTime(s.now().Add(-maxAge)))
	if err != nil {
		return 0, errors.Wrap(err, "cannot purge subscriptions")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.FromContext(ctx).Infof("purged %d expired subscription(s)", n)
	}
	return n, nil
}

// Chunks calls fn with the subscriptions of a collection, at most size at
// a time, in id order. Subscriptions added during the scan may or may not
// be visited.
func (s *Subscriptions) Chunks(ctx context.Context, collectionID string, size int, fn func([]*Subscription) error) error {
	if size <= 0 {
		size = DefaultChunkSize
	}
	after := ""
	for {
		chunk, err := s.chunk(ctx, collectionID, after, size)
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			return nil
		}
		if err := fn(chunk); err != nil {
			return err
		}
		if len(chunk) < size {
			return nil
		}
		after = chunk[len(chunk)-1].ID
	}
}

func (s *Subscriptions) chunk(ctx context.Context, collectionID, after string, size int) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, collection_id, subscriber_id, channel, filter_expr, is_public, updated
FROM realtime_subscriptions WHERE collection_id = ? AND id > ? ORDER BY id LIMIT `+strconv.Itoa(size),
		collectionID, after)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 5402: cannot read subscriptions")
		return nil, errors.Wrap(err, "cannot read subscriptions")
	}
	defer rows.Close()
	var chunk []*Subscription
	for rows.Next() {
		var (
			sub          Subscription
			subscriberID sql.NullString
			updated      string
		)
		if err := rows.Scan(&sub.ID, &sub.CollectionID, &subscriberID, &sub.Channel, &sub.Filter, &sub.IsPublic, &updated); err != nil {
			return nil, errors.Wrap(err, "cannot scan subscription")
		}
		sub.SubscriberID = subscriberID.String
		if sub.Updated, err = time.Parse(csql.TimeFormat, updated); err != nil {
			return nil, errors.Wrapf(err, "subscription %s", sub.ID)
		}
		chunk = append(chunk, &sub)
	}
	return chunk, rows.Err()
}
