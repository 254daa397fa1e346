package syncbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

type syncProducer interface {
	SendMessage(*sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

type KafkaOptions struct {
	Brokers     []string
	TopicPrefix string
	ClientID    string
	RetryMax    int
	// Producer overrides the broker connection, for tests.
	Producer syncProducer
}

// KafkaSink publishes each record to "<prefix>.<kind>" keyed by record id.
type KafkaSink struct {
	producer syncProducer
	prefix   string
	closed   atomic.Bool
}

func NewKafkaSink(opts KafkaOptions) (*KafkaSink, error) {
	prefix := strings.TrimSpace(opts.TopicPrefix)
	if prefix == "" {
		prefix = "agromesh"
	}
	producer := opts.Producer
	if producer == nil {
		if len(opts.Brokers) == 0 {
			return nil, fmt.Errorf("kafka sink: brokers required")
		}
		cfg := sarama.NewConfig()
		cfg.ClientID = opts.ClientID
		if cfg.ClientID == "" {
			cfg.ClientID = "agromesh"
		}
		cfg.Producer.Return.Successes = true
		cfg.Producer.RequiredAcks = sarama.WaitForAll
		cfg.Producer.Idempotent = false
		cfg.Producer.Retry.Max = opts.RetryMax
		if cfg.Producer.Retry.Max <= 0 {
			cfg.Producer.Retry.Max = 3
		}
		cfg.Producer.Retry.Backoff = 250 * time.Millisecond
		cfg.Producer.Compression = sarama.CompressionSnappy
		p, err := sarama.NewSyncProducer(opts.Brokers, cfg)
		if err != nil {
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		producer = p
	}
	return &KafkaSink{producer: producer, prefix: prefix}, nil
}

func (k *KafkaSink) Topic(kind Kind) string {
	return k.prefix + "." + string(kind)
}

func (k *KafkaSink) Push(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if k.closed.Load() {
		return ErrOffline
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("kafka sink: encode: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: k.Topic(rec.Kind),
		Key:   sarama.StringEncoder(rec.ID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("device-id"), Value: []byte(rec.DeviceID)},
			{Key: []byte("record-kind"), Value: []byte(rec.Kind)},
		},
	}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka sink: publish %s: %w", rec.ID, err)
	}
	return nil
}

func (k *KafkaSink) Online(context.Context) bool {
	return !k.closed.Load()
}

func (k *KafkaSink) Close() error {
	if k.closed.Swap(true) {
		return nil
	}
	return k.producer.Close()
}
