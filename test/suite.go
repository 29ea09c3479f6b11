// Package test holds the integration suite. It runs the record store and the
// realtime fan-out against Postgres and Kafka in containers.
package test

import (
	"context"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relabs-tech/recordbase/core/collection"
	"github.com/relabs-tech/recordbase/core/csql"
	"github.com/relabs-tech/recordbase/core/realtime"
	"github.com/relabs-tech/recordbase/core/records"
)

// TestService enables the integration suite
//
// use RECORDBASE_INTEGRATION=true, docker must be available
type TestService struct {
	Integration bool `env:"RECORDBASE_INTEGRATION,default=false" description:"run the container based integration tests"`
}

// Enabled returns true if the integration suite should run
func Enabled() bool {
	service := &TestService{}
	if err := envdecode.Decode(service); err != nil {
		return false
	}
	return service.Integration
}

const realtimeTopic = "realtime"

const configurationJSON = `{
  "collections": [
    {
      "id": "c_users",
      "name": "users",
      "kind": "auth",
      "fields": [{"name": "name", "type": "text"}],
      "rules": {"list": "@request.auth.id = id"}
    },
    {
      "id": "c_posts",
      "name": "posts",
      "fields": [
        {"name": "title", "type": "text", "required": true},
        {"name": "status", "type": "text", "indexed": true},
        {"name": "views", "type": "number"},
        {"name": "owner", "type": "relation", "options": {"collection_id": "c_users"}},
        {"name": "tags", "type": "relation", "options": {"collection_id": "c_tags", "multiple": true, "cascade_delete": true}}
      ],
      "rules": {"list": "status = 'published'"}
    },
    {
      "id": "c_tags",
      "name": "tags",
      "fields": [{"name": "label", "type": "text", "unique": true}],
      "indexes": [{"fields": ["label", "created"]}]
    }
  ]
}`

// IntegrationTestSuite provides a migrated Postgres database, a Kafka topic
// for realtime messages and a store wired to both
type IntegrationTestSuite struct {
	suite.Suite

	Store         *records.Store
	Subscriptions *realtime.Subscriptions
	Catalog       *collection.StaticCatalog

	dbConn            *csql.DB
	publisher         *realtime.KafkaPublisher
	network           testcontainers.Network
	kafkaContainer    testcontainers.Container
	postgresContainer testcontainers.Container
	kafkaConn         *kafka.Conn
	kafkaAddr         string
}

func (s *IntegrationTestSuite) createTopic(topic string, numPartitions int) error {
	if s.kafkaConn == nil {
		return fmt.Errorf("kafka connection is not established")
	}

	err := s.kafkaConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     numPartitions,
		ReplicationFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	return nil
}

// Reader returns a reader for the realtime topic, starting at the first message
func (s *IntegrationTestSuite) Reader() *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:   []string{s.kafkaAddr},
		Topic:     realtimeTopic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
		MaxWait:   100 * time.Millisecond,
	})
}

// Count runs a counting query on the database, for assertions on the raw tables
func (s *IntegrationTestSuite) Count(query string, args ...interface{}) int {
	var n int
	s.Require().NoError(s.dbConn.QueryRowContext(context.Background(), query, args...).Scan(&n))
	return n
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	// Create a shared Docker network for Kafka and Zookeeper
	networkName := "test-recordbase-network_" + fmt.Sprintf("%d", time.Now().Unix())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           networkName,
			CheckDuplicate: true,
		},
	})
	s.Require().NoError(err)
	s.network = network

	postgresUser := "testuser"
	postgresPassword := "testpass"
	postgresDB := "testdb"

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDB,
		},
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"postgres"}},
		WaitingFor:     wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: pgReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC

	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	zooReq := testcontainers.ContainerRequest{
		Image:        "confluentinc/cp-zookeeper:7.5.0",
		ExposedPorts: []string{"2181/tcp"},
		Env: map[string]string{
			"ZOOKEEPER_CLIENT_PORT": "2181",
			"ZOOKEEPER_TICK_TIME":   "2000",
		},
		WaitingFor:     wait.ForListeningPort("2181/tcp"),
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"zookeeper"}},
	}
	_, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: zooReq,
		Started:          true,
	})
	s.Require().NoError(err)

	kafkaReq := testcontainers.ContainerRequest{
		Image:        "confluentinc/cp-kafka:7.5.0",
		ExposedPorts: []string{"9092:9092/tcp", "29092:29092/tcp"},
		Env: map[string]string{
			"KAFKA_BROKER_ID":                        "1",
			"KAFKA_ZOOKEEPER_CONNECT":                "zookeeper:2181",
			"KAFKA_LISTENERS":                        "PLAINTEXT://0.0.0.0:9092,PLAINTEXT_HOST://0.0.0.0:29092,EXTERNAL://0.0.0.0:9093",
			"KAFKA_ADVERTISED_LISTENERS":             "PLAINTEXT://localhost:9092,PLAINTEXT_HOST://localhost:29092,EXTERNAL://kafka:9093",
			"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":   "PLAINTEXT:PLAINTEXT,PLAINTEXT_HOST:PLAINTEXT,EXTERNAL:PLAINTEXT",
			"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
			"ALLOW_PLAINTEXT_LISTENER":               "yes",
		},
		WaitingFor:     wait.ForLog("started (kafka.server.KafkaServer)"),
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"kafka"}},
	}
	kafkaC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: kafkaReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.kafkaContainer = kafkaC

	kafkaHost, err := kafkaC.Host(ctx)
	s.Require().NoError(err)
	kafkaPort, err := kafkaC.MappedPort(ctx, "9092")
	s.Require().NoError(err)
	s.kafkaAddr = fmt.Sprintf("%s:%s", kafkaHost, kafkaPort.Port())

	s.kafkaConn, err = kafka.Dial("tcp", s.kafkaAddr)
	s.Require().NoError(err)
	s.Require().NoError(s.createTopic(realtimeTopic, 1), "Failed to create realtime topic")

	s.dbConn, err = csql.Open("postgres", fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		pgHost, pgPort.Port(), postgresUser, postgresPassword, postgresDB))
	s.Require().NoError(err)
	s.Require().NoError(s.dbConn.Migrate(ctx))

	config, err := collection.ParseConfiguration([]byte(configurationJSON))
	s.Require().NoError(err)
	s.Catalog, err = collection.NewStaticCatalog(config)
	s.Require().NoError(err)

	s.publisher = realtime.NewKafkaPublisher([]string{s.kafkaAddr}, realtimeTopic)
	s.Subscriptions = realtime.NewSubscriptions(s.dbConn)
	broadcaster := realtime.NewBroadcaster(&realtime.Builder{
		Subscriptions: s.Subscriptions,
		Publisher:     s.publisher,
	})
	s.Store = records.New(&records.Builder{
		DB:          s.dbConn,
		Catalog:     s.Catalog,
		Broadcaster: broadcaster,
	})
	s.Require().NoError(s.Store.EnsureIndexes(ctx))
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.publisher != nil {
		s.Require().NoError(s.publisher.Close())
	}
	if s.kafkaConn != nil {
		s.kafkaConn.Close()
	}
	if s.dbConn != nil {
		s.dbConn.Close()
	}
	if s.kafkaContainer != nil {
		err := s.kafkaContainer.Terminate(ctx)
		s.Require().NoError(err)
	}
	if s.postgresContainer != nil {
		err := s.postgresContainer.Terminate(ctx)
		s.Require().NoError(err)
	}
	if s.network != nil {
		s.network.Remove(ctx)
	}
}
