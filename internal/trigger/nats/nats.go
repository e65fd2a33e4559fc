// Package nats implements the "nats" trigger kind: a queue-group
// subscription on a claimed trigger row, normalizing each message into job
// args (spec §4.6's Kafka/NATS/MQTT/etc. consumer list).
package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/windmill-labs/windmill-core/internal/models"
)

// Config is the decoded form of a nats trigger row's KindConfig.
type Config struct {
	URL     string `json:"url"`
	Subject string `json:"subject"`
	Queue   string `json:"queue,omitempty"`
}

// Listener subscribes to t's subject until ctx is canceled.
func Listener(ctx context.Context, t *models.TriggerRow, onMessage func(args models.Args) error) error {
	var cfg Config
	if err := json.Unmarshal(t.KindConfig, &cfg); err != nil {
		return fmt.Errorf("invalid nats kind_config: %w", err)
	}

	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()

	msgs := make(chan *nats.Msg, 64)
	handler := func(m *nats.Msg) { msgs <- m }

	var sub *nats.Subscription
	if cfg.Queue != "" {
		sub, err = nc.QueueSubscribe(cfg.Subject, cfg.Queue, handler)
	} else {
		sub, err = nc.Subscribe(cfg.Subject, handler)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", cfg.Subject, err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-msgs:
			args := models.Args{
				"subject": json.RawMessage(mustMarshal(m.Subject)),
				"data":    m.Data,
			}
			if err := onMessage(args); err != nil {
				return fmt.Errorf("handle nats message: %w", err)
			}
		}
	}
}

func mustMarshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
