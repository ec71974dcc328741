package session

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ethdenver2026/consensus-gateway/internal/domain"
)

// tokenTTL is the SessionToken lifetime from issue to WebSocket upgrade.
const tokenTTL = 60 * time.Second

// ErrTokenConsumed is returned when a SessionToken has already been redeemed.
var ErrTokenConsumed = errors.New("session token already consumed")

// Claims is the JWT payload for a SessionToken. The token string handed to
// clients is opaque to them — they never decode it — but internally it
// carries the negotiated budget so Consume doesn't need a second store
// round-trip to recover it.
type Claims struct {
	jwt.RegisteredClaims
	SessionID      string  `json:"sid"`
	Model          string  `json:"model"`
	TimeLimitMs    int64   `json:"time_limit_ms"`
	DataLimitBytes int64   `json:"data_limit_bytes"`
}

// TokenManager issues and consumes single-use SessionTokens.
type TokenManager struct {
	secret []byte

	mu        sync.Mutex
	consumed  map[string]time.Time // sessionID -> issued time, for sweep bookkeeping
	stopOnce  sync.Once
	stop      chan struct{}
}

// NewTokenManager creates a TokenManager signing with the given HMAC secret.
func NewTokenManager(secret []byte) *TokenManager {
	m := &TokenManager{
		secret:   secret,
		consumed: make(map[string]time.Time),
		stop:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Close stops the pending-token sweeper.
func (m *TokenManager) Close() { m.stopOnce.Do(func() { close(m.stop) }) }

// sweepLoop drops consumption records older than the token TTL every 10s —
// the JWT's own exp claim already rejects replays past expiry, this just
// keeps the bookkeeping map from growing unbounded.
func (m *TokenManager) sweepLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for sid, issued := range m.consumed {
				if now.Sub(issued) > tokenTTL {
					delete(m.consumed, sid)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Issue mints a SessionToken for limits, expiring in tokenTTL.
func (m *TokenManager) Issue(model domain.SessionModel, limits domain.SessionLimits) (token string, expiresIn time.Duration, err error) {
	sessionID := uuid.New().String()
	now := time.Now()

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
		SessionID:      sessionID,
		Model:          string(model),
		TimeLimitMs:    limits.TimeLimit.Milliseconds(),
		DataLimitBytes: limits.DataLimit,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", 0, err
	}
	return signed, tokenTTL, nil
}

// Consume validates tokenString and atomically marks it redeemed. A second
// call for the same token returns ErrTokenConsumed.
func (m *TokenManager) Consume(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid session token")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, already := m.consumed[claims.SessionID]; already {
		return nil, ErrTokenConsumed
	}
	m.consumed[claims.SessionID] = time.Now()
	return claims, nil
}
