// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/pkg/errors"

	"github.com/relabs-tech/recordbase/core"
	"github.com/relabs-tech/recordbase/core/collection"
	"github.com/relabs-tech/recordbase/core/csql"
	"github.com/relabs-tech/recordbase/core/logger"
	"github.com/relabs-tech/recordbase/core/realtime"
	"github.com/relabs-tech/recordbase/core/records"
	"github.com/relabs-tech/recordbase/core/registry"
	"github.com/relabs-tech/recordbase/core/schema"
)

// Service holds the configuration for this service
//
// use RECORDBASE_DRIVER=sqlite RECORDBASE_DSN=/tmp/recordbase.db RECORDBASE_CONFIG=collections.json
type Service struct {
	Driver          string        `env:"RECORDBASE_DRIVER,default=postgres" description:"the database driver: postgres, sqlite or mysql"`
	DSN             string        `env:"RECORDBASE_DSN,required" description:"the connection string of the database"`
	LogLevel        string        `env:"RECORDBASE_LOG_LEVEL,default=info" description:"the log level"`
	Config          string        `env:"RECORDBASE_CONFIG" description:"path of a JSON collections configuration. Without it collections are read from the registry"`
	Schemas         string        `env:"RECORDBASE_SCHEMAS" description:"directory of JSON schemas for record validation"`
	AuthCollection  string        `env:"RECORDBASE_AUTH_COLLECTION,default=users" description:"the auth collection realtime subscribers are looked up in"`
	KafkaBrokers    []string      `env:"RECORDBASE_KAFKA_BROKERS" description:"semicolon separated kafka brokers for realtime messages"`
	KafkaTopic      string        `env:"RECORDBASE_KAFKA_TOPIC,default=realtime" description:"the kafka topic for realtime messages"`
	SQSQueueURL     string        `env:"RECORDBASE_SQS_QUEUE_URL" description:"SQS queue for realtime messages, used if no kafka brokers are set"`
	AWSRegion       string        `env:"RECORDBASE_AWS_REGION,default=eu-central-1" description:"the AWS region of the SQS queue"`
	SubscriptionTTL time.Duration `env:"RECORDBASE_SUBSCRIPTION_TTL,default=1h" description:"subscriptions not touched for this long are purged"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(logger.ParseLevel(service.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, service); err != nil {
		logger.Default().WithError(err).Fatalln("recordbase stopped")
	}
}

func run(ctx context.Context, service *Service) error {
	rlog := logger.Default()

	db, err := csql.Open(service.Driver, service.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	catalog, err := openCatalog(db, service.Config)
	if err != nil {
		return err
	}

	var validator records.SchemaValidator
	if service.Schemas != "" {
		v, err := schema.NewValidatorFromFS(os.DirFS(service.Schemas))
		if err != nil {
			return err
		}
		validator = v
	}

	publisher, closePublisher, err := openPublisher(ctx, service)
	if err != nil {
		return err
	}
	defer closePublisher()

	// the broadcaster resolves subscribers through the store it is wired into
	var store *records.Store
	subscriptions := realtime.NewSubscriptions(db)
	broadcaster := realtime.NewBroadcaster(&realtime.Builder{
		Subscriptions: subscriptions,
		Publisher:     publisher,
		Auth: realtime.AuthLookupFunc(func(ctx context.Context, subscriberID string) (map[string]interface{}, error) {
			return realtime.StoreAuth(store, service.AuthCollection).Auth(ctx, subscriberID)
		}),
	})
	store = records.New(&records.Builder{
		DB:          db,
		Catalog:     catalog,
		Validator:   validator,
		Broadcaster: broadcaster,
	})
	if err := store.EnsureIndexes(ctx); err != nil {
		return err
	}

	collections, err := catalog.Collections(ctx)
	if err != nil {
		return err
	}
	rlog.Infof("recordbase is up with %d collection(s) on %s", len(collections), db.Driver())

	purgeSubscriptions(ctx, subscriptions, service.SubscriptionTTL)
	return nil
}

func openCatalog(db *csql.DB, path string) (collection.Catalog, error) {
	if path == "" {
		return registry.NewCatalog(registry.New(db)), nil
	}
	config, err := collection.ReadConfiguration(path)
	if err != nil {
		return nil, err
	}
	return collection.NewStaticCatalog(config)
}

// openPublisher returns the kafka publisher if brokers are configured, else
// the SQS publisher if a queue is configured. Without either, realtime
// messages are only logged.
func openPublisher(ctx context.Context, service *Service) (core.Publisher, func(), error) {
	if len(service.KafkaBrokers) > 0 {
		p := realtime.NewKafkaPublisher(service.KafkaBrokers, service.KafkaTopic)
		return p, func() {
			if err := p.Close(); err != nil {
				logger.Default().WithError(err).Errorln("cannot close kafka publisher")
			}
		}, nil
	}
	if service.SQSQueueURL != "" {
		p, err := realtime.NewSQSPublisher(ctx, realtime.SQSConfiguration{
			QueueURL:  service.SQSQueueURL,
			AWSRegion: service.AWSRegion,
		})
		if err != nil {
			return nil, nil, errors.Wrap(err, "cannot create sqs publisher")
		}
		return p, func() {}, nil
	}
	logger.Default().Warnln("no realtime transport configured, messages are logged only")
	return core.PublisherFunc(func(ctx context.Context, channel string, payload []byte, isPublic bool) error {
		logger.FromContext(ctx).Debugf("realtime message for %s: %s", channel, payload)
		return nil
	}), func() {}, nil
}

// purgeSubscriptions removes expired subscriptions until ctx is done
func purgeSubscriptions(ctx context.Context, subscriptions *realtime.Subscriptions, ttl time.Duration) {
	interval := ttl / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Default().Infoln("shutting down")
			return
		case <-ticker.C:
			if _, err := subscriptions.PurgeExpired(ctx, ttl); err != nil {
				logger.Default().WithError(err).Errorln("cannot purge subscriptions")
			}
		}
	}
}
