// Package kafka publishes leasecron occurrence events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/DEEJ4Y/leasecron"
	"github.com/IBM/sarama"
)

var _ leasecron.Reporter = (*Reporter)(nil)

// DefaultTopic is used when Config.Topic is empty.
const DefaultTopic = "leasecron.events"

// Config holds the configuration for a Reporter.
type Config struct {
	// Producer sends the events. Required.
	Producer sarama.SyncProducer

	// Topic receives one message per event, keyed by job name so that the
	// events of one job stay ordered within a partition.
	// Default: "leasecron.events"
	Topic string

	// Logger receives publish failures. Reporting never fails the job.
	Logger leasecron.Logger
}

// Reporter is a leasecron.Reporter writing JSON encoded events to Kafka.
type Reporter struct {
	producer sarama.SyncProducer
	topic    string
	logger   leasecron.Logger
}

// NewReporter creates a Reporter with the given configuration.
func NewReporter(config Config) (*Reporter, error) {
	if config.Producer == nil {
		return nil, errors.New("producer is required")
	}
	if config.Topic == "" {
		config.Topic = DefaultTopic
	}
	if config.Logger == nil {
		config.Logger = nopLogger{}
	}
	return &Reporter{
		producer: config.Producer,
		topic:    config.Topic,
		logger:   config.Logger,
	}, nil
}

// NewSyncProducer connects a producer suitable for a Reporter.
func NewSyncProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	if clientID != "" {
		config.ClientID = clientID
	}
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Timeout = 5 * time.Second
	config.Producer.Return.Successes = true
	return sarama.NewSyncProducer(brokers, config)
}

// Report publishes ev. Failures are logged.
func (r *Reporter) Report(_ context.Context, ev leasecron.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("leasecron/kafka: encode event", "job", ev.JobName, "execution_id", ev.ExecutionID, "error", err)
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: r.topic,
		Key:   sarama.StringEncoder(ev.JobName),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("outcome"), Value: []byte(ev.Outcome.String())},
			{Key: []byte("holder-id"), Value: []byte(ev.HolderID)},
		},
	}
	partition, offset, err := r.producer.SendMessage(msg)
	if err != nil {
		r.logger.Error("leasecron/kafka: publish event", "job", ev.JobName, "execution_id", ev.ExecutionID, "topic", r.topic, "error", err)
		return
	}
	r.logger.Debug("leasecron/kafka: event published",
		"job", ev.JobName, "execution_id", ev.ExecutionID, "partition", partition, "offset", offset)
}

// Close closes the underlying producer.
func (r *Reporter) Close() error {
	return r.producer.Close()
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
