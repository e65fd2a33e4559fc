// Package mqtt implements the "mqtt" trigger kind: a topic subscription on
// a claimed trigger row, normalizing each publish into job args (spec
// §4.6's Kafka/NATS/MQTT/etc. consumer list).
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/windmill-labs/windmill-core/internal/models"
)

// Config is the decoded form of an mqtt trigger row's KindConfig.
type Config struct {
	Broker   string `json:"broker"`
	Topic    string `json:"topic"`
	ClientID string `json:"client_id,omitempty"`
	QoS      byte   `json:"qos,omitempty"`
}

// Listener subscribes to t's topic until ctx is canceled.
func Listener(ctx context.Context, t *models.TriggerRow, onMessage func(args models.Args) error) error {
	var cfg Config
	if err := json.Unmarshal(t.KindConfig, &cfg); err != nil {
		return fmt.Errorf("invalid mqtt kind_config: %w", err)
	}

	opts := paho.NewClientOptions().AddBroker(cfg.Broker)
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	}

	errCh := make(chan error, 1)
	msgCh := make(chan paho.Message, 64)

	opts.SetDefaultPublishHandler(func(_ paho.Client, m paho.Message) { msgCh <- m })

	client := paho.NewClient(opts)
	if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
		return fmt.Errorf("connect mqtt broker %s: %w", cfg.Broker, tok.Error())
	}
	defer client.Disconnect(250)

	if tok := client.Subscribe(cfg.Topic, cfg.QoS, func(_ paho.Client, m paho.Message) { msgCh <- m }); tok.Wait() && tok.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", cfg.Topic, tok.Error())
	}
	defer client.Unsubscribe(cfg.Topic)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case m := <-msgCh:
			args := models.Args{
				"topic":   json.RawMessage(mustMarshal(m.Topic())),
				"payload": json.RawMessage(mustMarshal(string(m.Payload()))),
			}
			if err := onMessage(args); err != nil {
				return fmt.Errorf("handle mqtt message: %w", err)
			}
		}
	}
}

func mustMarshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
