package syncbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestKafkaSinkPublishesByKind(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var rec Record
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		if rec.Kind != KindPriceShare || rec.ID != "p1" {
			return fmt.Errorf("unexpected record %+v", rec)
		}
		return nil
	})
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "mesh.price_verification" {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "v1" {
			return fmt.Errorf("unexpected key %s", key)
		}
		return nil
	})
	sink, err := NewKafkaSink(KafkaOptions{TopicPrefix: "mesh", Producer: producer})
	if err != nil {
		t.Fatalf("NewKafkaSink: %v", err)
	}
	ctx := context.Background()
	if err := sink.Push(ctx, Record{Kind: KindPriceShare, ID: "p1"}); err != nil {
		t.Fatalf("Push share: %v", err)
	}
	if err := sink.Push(ctx, Record{Kind: KindPriceVerification, ID: "v1"}); err != nil {
		t.Fatalf("Push verification: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sink.Online(ctx) {
		t.Fatalf("closed sink reports online")
	}
}

func TestKafkaSinkWrapsFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	boom := errors.New("broker down")
	producer.ExpectSendMessageAndFail(boom)
	sink, err := NewKafkaSink(KafkaOptions{Producer: producer})
	if err != nil {
		t.Fatalf("NewKafkaSink: %v", err)
	}
	defer sink.Close()
	if got := sink.Topic(KindMessage); got != "agromesh.message" {
		t.Fatalf("unexpected default topic %s", got)
	}
	if err := sink.Push(context.Background(), Record{Kind: KindMessage, ID: "m1"}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped broker error, got %v", err)
	}
}

func TestKafkaSinkRequiresBrokers(t *testing.T) {
	if _, err := NewKafkaSink(KafkaOptions{}); err == nil {
		t.Fatalf("expected error without brokers")
	}
}
