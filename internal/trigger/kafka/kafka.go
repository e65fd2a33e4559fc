// Package kafka implements the "kafka" trigger kind: one consumer group
// member per claimed trigger row, normalizing each record into job args
// (spec §4.6, spec.md's Kafka/NATS/MQTT/etc. consumer list).
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/windmill-labs/windmill-core/internal/models"
)

// Config is the decoded form of a kafka trigger row's KindConfig.
type Config struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
	GroupID string   `json:"group_id"`
}

// Listener reads t's topic until ctx is canceled, calling onMessage per
// record with its value wrapped the way the flow input context expects.
func Listener(ctx context.Context, t *models.TriggerRow, onMessage func(args models.Args) error) error {
	var cfg Config
	if err := json.Unmarshal(t.KindConfig, &cfg); err != nil {
		return fmt.Errorf("invalid kafka kind_config: %w", err)
	}

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	})
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read kafka message: %w", err)
		}

		args := models.Args{
			"key":       json.RawMessage(mustMarshal(string(msg.Key))),
			"value":     json.RawMessage(msg.Value),
			"topic":     json.RawMessage(mustMarshal(msg.Topic)),
			"partition": json.RawMessage(mustMarshal(msg.Partition)),
			"offset":    json.RawMessage(mustMarshal(msg.Offset)),
		}
		if err := onMessage(args); err != nil {
			return fmt.Errorf("handle kafka message: %w", err)
		}
	}
}

func mustMarshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
