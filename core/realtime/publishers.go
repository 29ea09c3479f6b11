package realtime

import (
	"context"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/recordbase/core/logger"
)

// Message is one published message
type Message struct {
	Channel  string
	Payload  []byte
	IsPublic bool
}

// MemoryPublisher keeps published messages in memory. It serves tests and
// single process deployments which poll for messages.
type MemoryPublisher struct {
	mutex    sync.Mutex
	messages []Message
}

// Publish implements core.Publisher
func (p *MemoryPublisher) Publish(ctx context.Context, channel string, payload []byte, isPublic bool) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.messages = append(p.messages, Message{Channel: channel, Payload: payload, IsPublic: isPublic})
	return nil
}

// Messages returns the messages published so far
func (p *MemoryPublisher) Messages() []Message {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return append([]Message(nil), p.messages...)
}

// Drain returns the messages published so far and forgets them
func (p *MemoryPublisher) Drain() []Message {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	messages := p.messages
	p.messages = nil
	return messages
}

// Message headers and attributes
const (
	headerChannel = "channel"
	headerPublic  = "public"
	headerLogger  = "logger"
)

// kafkaWriter is the part of kafka.Writer the publisher uses
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes messages to a Kafka topic, keyed by channel so
// the messages of one channel stay in order
type KafkaPublisher struct {
	writer kafkaWriter
}

// NewKafkaPublisher returns a publisher writing to topic on brokers
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	logger.Default().Infof("realtime: publishing to kafka topic %s", topic)
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}}
}

// Publish implements core.Publisher
func (p *KafkaPublisher) Publish(ctx context.Context, channel string, payload []byte, isPublic bool) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(channel),
		Value: payload,
		Headers: []kafka.Header{
			{Key: headerPublic, Value: []byte(strconv.FormatBool(isPublic))},
			{Key: headerLogger, Value: logger.SerializeLoggerContext(ctx)},
		},
	})
	return errors.Wrap(err, "cannot write kafka message")
}

// Close flushes and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// sqsClient is the part of the SQS client the publisher uses
type sqsClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSConfiguration configures the SQS publisher. Without access id the
// default credential chain is used.
type SQSConfiguration struct {
	QueueURL  string
	AWSRegion string
	AccessID  string
	AccessKey string
}

// SQSPublisher publishes messages to an SQS queue. The channel travels as a
// message attribute.
type SQSPublisher struct {
	client   sqsClient
	queueURL string
}

// NewSQSPublisher returns a publisher sending to the configured queue
func NewSQSPublisher(ctx context.Context, sqsConfig SQSConfiguration) (*SQSPublisher, error) {
	if sqsConfig.QueueURL == "" {
		return nil, errors.New("QueueURL must not be empty")
	}
	options := []func(*config.LoadOptions) error{config.WithRegion(sqsConfig.AWSRegion)}
	if sqsConfig.AccessID != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(sqsConfig.AccessID, sqsConfig.AccessKey, "")))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, errors.Wrap(err, "cannot load aws configuration")
	}
	logger.Default().Infof("realtime: publishing to sqs queue %s", sqsConfig.QueueURL)
	return &SQSPublisher{client: sqs.NewFromConfig(awsConfig), queueURL: sqsConfig.QueueURL}, nil
}

// Publish implements core.Publisher
func (p *SQSPublisher) Publish(ctx context.Context, channel string, payload []byte, isPublic bool) error {
	_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			headerChannel: {DataType: aws.String("String"), StringValue: aws.String(channel)},
			headerPublic:  {DataType: aws.String("String"), StringValue: aws.String(strconv.FormatBool(isPublic))},
			headerLogger:  {DataType: aws.String("String"), StringValue: aws.String(string(logger.SerializeLoggerContext(ctx)))},
		},
	})
	return errors.Wrap(err, "cannot send sqs message")
}
