package source

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/rkrishn7/kiwi/internal/config"
	"github.com/rkrishn7/kiwi/internal/event"
)

// KafkaBackend drives a Kafka topic's full partition set, converting each
// record into an internal Event and publishing it to the source's broadcast
// channel. Partition discovery is handled entirely by the underlying
// consumer group; this backend is agnostic to partition count.
type KafkaBackend struct {
	sourceID string
	cfg      *config.KafkaSource
}

// NewKafkaBackend constructs a KafkaBackend from its configuration.
func NewKafkaBackend(sourceID string, cfg *config.KafkaSource) *KafkaBackend {
	return &KafkaBackend{sourceID: sourceID, cfg: cfg}
}

// Run implements Backend. Transient read errors are retried with bounded
// backoff; a failure to construct or subscribe the consumer is fatal for
// this ingest task.
func (k *KafkaBackend) Run(ctx context.Context, pub func(*event.Event)) error {
	groupID := k.cfg.GroupID
	if groupID == "" {
		groupID = fmt.Sprintf("kiwi-%s", k.sourceID)
	}

	consumer, err := ck.NewConsumer(&ck.ConfigMap{
		"bootstrap.servers":  strings.Join(k.cfg.BootstrapServers, ","),
		"group.id":           groupID,
		"auto.offset.reset":  "latest",
		"enable.auto.commit": false,
		"client.id":          fmt.Sprintf("kiwi-gateway-%s", k.sourceID),
	})
	if err != nil {
		return fmt.Errorf("create kafka consumer for source %s: %w", k.sourceID, err)
	}
	defer consumer.Close()

	if err := consumer.Subscribe(k.cfg.Topic, nil); err != nil {
		return fmt.Errorf("subscribe to topic %s: %w", k.cfg.Topic, err)
	}

	slog.Info("kafka ingest started",
		"source_id", k.sourceID, "topic", k.cfg.Topic, "group_id", groupID)

	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			slog.Info("kafka ingest stopping", "source_id", k.sourceID)
			return nil
		default:
		}

		msg, err := consumer.ReadMessage(1 * time.Second)
		if err != nil {
			kerr, ok := err.(ck.Error)
			if ok && kerr.Code() == ck.ErrTimedOut {
				continue
			}
			// Transient upstream error: retry with bounded backoff rather
			// than tearing down the ingest task.
			slog.Warn("kafka read error, retrying", "source_id", k.sourceID, "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}
		backoff = 100 * time.Millisecond

		ev := &event.Event{
			SourceID:  k.sourceID,
			Payload:   msg.Value,
			Partition: event.Int64Ptr(int64(msg.TopicPartition.Partition)),
			Offset:    event.Int64Ptr(int64(msg.TopicPartition.Offset)),
			Timestamp: event.Int64Ptr(msg.Timestamp.UnixMilli()),
		}
		if msg.Key != nil {
			ev.Key = msg.Key
		}

		pub(ev)
	}
}
