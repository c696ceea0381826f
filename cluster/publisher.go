package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/mqy/leaguechat/feed"
)

const kafkaWriteTimeout = 3 * time.Second

// KafkaPublisher publishes feed events to a kafka topic, keyed by scope so that the
// events of one scope keep their order in one partition.
type KafkaPublisher struct {
	writer        IKafkaWriter
	valueMaxBytes int
}

func NewKafkaPublisher(writer IKafkaWriter, valueMaxBytes int) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, valueMaxBytes: valueMaxBytes}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e *feed.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("error marshal event of `%s`: %v", e.Scope, err)
	}
	if p.valueMaxBytes > 0 && len(value) > p.valueMaxBytes {
		return fmt.Errorf("event exceeds max limit: %d bytes", p.valueMaxBytes)
	}

	km := kafka.Message{
		Key:   []byte(e.Scope),
		Value: value,
	}

	ctx2, cancel := context.WithTimeout(ctx, kafkaWriteTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx2, km); err != nil {
		return fmt.Errorf("error write to kafka: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
