// Package http implements the inbound webhook/http trigger kinds (spec
// §4.6's four auth mechanisms): unlike schedule/kafka/nats/mqtt, these
// triggers don't run a background listener goroutine — an HTTP server
// routes requests straight to Handle using the trigger row's KindConfig.
package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/windmill-labs/windmill-core/internal/models"
	"github.com/windmill-labs/windmill-core/internal/trigger/webhook"
)

// AuthMethod enumerates the four mechanisms spec §4.6 names for a webhook/
// http trigger row.
type AuthMethod string

const (
	AuthNone      AuthMethod = ""
	AuthProvider  AuthMethod = "provider"
	AuthHMAC      AuthMethod = "hmac"
	AuthAPIKey    AuthMethod = "api_key"
	AuthBasicAuth AuthMethod = "basic_auth"
)

// Config is the decoded form of a webhook/http trigger row's KindConfig.
type Config struct {
	Auth AuthMethod `json:"auth"`

	// AuthProvider.
	Provider string `json:"provider,omitempty"`
	Secret   string `json:"secret,omitempty"`

	// AuthHMAC: a caller-declared validator shape, for providers not in
	// the predefined list.
	HMAC *webhook.Validator `json:"hmac,omitempty"`

	// AuthAPIKey.
	APIKeyHeader string `json:"api_key_header,omitempty"`
	APIKey       string `json:"api_key,omitempty"`

	// AuthBasicAuth.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Result is what a successfully authenticated request yields: either a
// fire-the-job event, or an immediate challenge-response body the caller
// (the HTTP handler) must write back without running the runnable.
type Result struct {
	Args      models.Args
	Challenge []byte
	ChallengeContentType string
}

// Handle authenticates req against t's KindConfig and, if it passes,
// returns the Args to push a job with (or a provider challenge response).
func Handle(t *models.TriggerRow, req *http.Request) (*Result, error) {
	var cfg Config
	if len(t.KindConfig) > 0 {
		if err := json.Unmarshal(t.KindConfig, &cfg); err != nil {
			return nil, fmt.Errorf("invalid trigger kind_config: %w", err)
		}
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	switch cfg.Auth {
	case AuthProvider:
		v, ok := webhook.ByProviderName(cfg.Provider)
		if !ok {
			return nil, fmt.Errorf("unknown webhook provider %q", cfg.Provider)
		}

		switch cfg.Provider {
		case "twitch":
			if challenge, isChallenge, err := webhook.TwitchChallenge(req.Header, string(body)); err != nil {
				return nil, err
			} else if isChallenge {
				if err := v.Verify(req.Header, cfg.Secret, string(body)); err != nil {
					return nil, err
				}
				return &Result{Challenge: []byte(challenge), ChallengeContentType: "text/plain"}, nil
			}
		case "zoom":
			if plainToken, encryptedToken, isChallenge, err := webhook.ZoomChallenge(cfg.Secret, string(body)); err != nil {
				return nil, err
			} else if isChallenge {
				resp, _ := json.Marshal(map[string]string{"plainToken": plainToken, "encryptedToken": encryptedToken})
				return &Result{Challenge: resp, ChallengeContentType: "application/json"}, nil
			}
		}

		if err := v.Verify(req.Header, cfg.Secret, string(body)); err != nil {
			return nil, err
		}

	case AuthHMAC:
		if cfg.HMAC == nil {
			return nil, fmt.Errorf("hmac auth configured with no validator")
		}
		if err := cfg.HMAC.Verify(req.Header, cfg.Secret, string(body)); err != nil {
			return nil, err
		}

	case AuthAPIKey:
		if err := webhook.APIKey(req.Header, cfg.APIKeyHeader, cfg.APIKey); err != nil {
			return nil, err
		}

	case AuthBasicAuth:
		if err := webhook.BasicAuth(req.Header, cfg.Username, cfg.Password); err != nil {
			return nil, err
		}
	}

	args := models.Args{"body": json.RawMessage(body)}
	for k, v := range req.URL.Query() {
		if len(v) > 0 {
			b, _ := json.Marshal(v[0])
			args[k] = b
		}
	}
	return &Result{Args: args}, nil
}
