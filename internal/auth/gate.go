// Package auth implements the token-to-Identity resolution chain and scope
// gate of spec §4.7: an in-memory TTL cache, then JWT/JWKS verification,
// then a durable token-table lookup, each tier populating the one before
// it on a hit.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/windmill-labs/windmill-core/internal/models"
	"github.com/windmill-labs/windmill-core/internal/store"
)

// ErrUnauthorized is returned when no tier of the resolution chain accepts
// the token.
var ErrUnauthorized = fmt.Errorf("windmill: unauthorized")

// ErrBackoff is returned in place of ErrUnauthorized once a caller has
// tripped the brute-force counter, so the caller can distinguish
// "still locked out" from "just failed".
var ErrBackoff = fmt.Errorf("windmill: too many failed attempts, backing off")

// Gate resolves bearer tokens to Identities and evaluates scope checks.
type Gate struct {
	cache *identityCache
	jwt   *jwtResolver
	store store.AuthStore
	log   arbor.ILogger

	maxFailures int
	backoffBase time.Duration

	mu       sync.Mutex
	failures map[string]*failureState
}

type failureState struct {
	count      int
	lockedUntil time.Time
}

// Config bundles Gate's tuning knobs.
type Config struct {
	CacheTTL         time.Duration
	JWKS             JWKSSource
	MaxFailures      int
	BackoffBase      time.Duration
}

// New builds a Gate. Sensible defaults apply when Config fields are zero.
func New(s store.AuthStore, logger arbor.ILogger, cfg Config) (*Gate, error) {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 10
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	cache, err := newIdentityCache(cfg.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("build identity cache: %w", err)
	}
	return &Gate{
		cache:       cache,
		jwt:         &jwtResolver{keys: cfg.JWKS},
		store:       s,
		log:         logger,
		maxFailures: cfg.MaxFailures,
		backoffBase: cfg.BackoffBase,
		failures:    make(map[string]*failureState),
	}, nil
}

// Authenticate resolves token against workspaceID, in order: cache, JWT,
// database (spec §4.7 step list), applying the brute-force backoff counter
// around the whole chain.
func (g *Gate) Authenticate(ctx context.Context, token, workspaceID, remoteKey string) (*models.Identity, error) {
	if locked, wait := g.isLocked(remoteKey); locked {
		g.log.Warn().Str("remote", remoteKey).Dur("wait", wait).Msg("auth request backed off")
		return nil, ErrBackoff
	}

	if id, ok := g.cache.get(token); ok {
		return id, nil
	}

	if id, err := g.jwt.resolve(ctx, token, workspaceID); err == nil {
		g.cache.put(token, id)
		g.recordSuccess(remoteKey)
		return id, nil
	}

	tokenHash := hashToken(token)
	row, err := g.store.GetToken(ctx, tokenHash, time.Now())
	if err != nil {
		g.recordFailure(remoteKey)
		return nil, ErrUnauthorized
	}

	id := &models.Identity{
		Email:      row.Email,
		Username:   row.Username,
		IsAdmin:    row.IsAdmin,
		IsOperator: row.IsOperator,
		Groups:     row.Groups,
		Folders:    row.Folders,
		Scopes:     RewriteAll(row.Scopes),
		TokenPrefix: tokenHash[:min(8, len(tokenHash))],
	}
	g.cache.put(token, id)
	g.recordSuccess(remoteKey)
	return id, nil
}

// Authorize checks id grants requiredScope, rewriting legacy scope forms
// first (spec §4.7 "Scope check on each request and each job push").
func (g *Gate) Authorize(id *models.Identity, requiredScope string) bool {
	if id.IsAdmin {
		return true
	}
	return id.HasScope(RewriteScope(requiredScope))
}

func (g *Gate) isLocked(remoteKey string) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fs, ok := g.failures[remoteKey]
	if !ok {
		return false, 0
	}
	if time.Now().Before(fs.lockedUntil) {
		return true, time.Until(fs.lockedUntil)
	}
	return false, 0
}

func (g *Gate) recordFailure(remoteKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fs, ok := g.failures[remoteKey]
	if !ok {
		fs = &failureState{}
		g.failures[remoteKey] = fs
	}
	fs.count++
	if fs.count >= g.maxFailures {
		backoff := time.Duration(fs.count-g.maxFailures+1) * g.backoffBase
		if backoff > time.Minute {
			backoff = time.Minute
		}
		fs.lockedUntil = time.Now().Add(backoff)
	}
}

func (g *Gate) recordSuccess(remoteKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.failures, remoteKey)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
