package auth

import (
	"context"
	"fmt"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

// StaticSecretJWKS builds a JWKSSource backed by a single shared HMAC
// secret, the internal-issuer half of spec §4.7's "JWT (internal or
// external JWKS)" — every workspace validates against the same key since
// there is no per-workspace JWKS endpoint configured.
func StaticSecretJWKS(secret string) JWKSSource {
	return func(ctx context.Context, workspaceID string) (jwk.Set, error) {
		key, err := jwk.Import([]byte(secret))
		if err != nil {
			return nil, fmt.Errorf("import hmac key: %w", err)
		}
		set := jwk.NewSet()
		if err := set.AddKey(key); err != nil {
			return nil, fmt.Errorf("add hmac key to set: %w", err)
		}
		return set, nil
	}
}
