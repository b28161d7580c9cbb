package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

/*
TokenService is a JWT-backed AuthorizationService for same-machine hosts.
The credential set it hands out is a bearer token whose claims enumerate
the operations the client may perform, each with a granted trust level.
CheckAuthorization validates the current token and compares the requested
operation against those grants.
*/
type TokenService struct {
	signingKey []byte
	lifetime   time.Duration
	limiter    *checkLimiter

	mu         sync.Mutex
	grants     map[string]int
	token      string
	expires    time.Time
	authEvent  handlerSet
	credsEvent handlerSet
}

// NewTokenService creates a service granting the given operations, mapping
// operation moniker to the granted trust level.
func NewTokenService(signingKey []byte, grants map[string]int) *TokenService {
	copied := make(map[string]int, len(grants))
	for op, level := range grants {
		copied[op] = level
	}

	return &TokenService{
		signingKey: signingKey,
		lifetime:   time.Hour,
		limiter:    newCheckLimiter(100, time.Minute),
		grants:     copied,
	}
}

func (s *TokenService) getSigningKey(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return s.signingKey, nil
}

func (s *TokenService) CheckAuthorization(ctx context.Context, op ProtectedOperation) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if !s.limiter.allow() {
		return false, fmt.Errorf("authorization check rate limit exceeded")
	}

	creds, err := s.GetCredentials(ctx)
	if err != nil {
		return false, err
	}

	token, err := jwt.Parse(creds["token"], s.getSigningKey)
	if err != nil || !token.Valid {
		return false, nil
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return false, nil
	}
	operations, ok := claims["operations"].(map[string]any)
	if !ok {
		return false, nil
	}

	granted, ok := operations[op.Moniker]
	if !ok {
		return false, nil
	}

	if op.TrustLevel == nil {
		return true, nil
	}

	level, ok := granted.(float64)
	return ok && int(level) >= *op.TrustLevel, nil
}

// GetCredentials returns the current bearer token, minting a fresh one when
// the previous has expired.
func (s *TokenService) GetCredentials(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == "" || time.Now().After(s.expires) {
		operations := make(map[string]any, len(s.grants))
		for op, level := range s.grants {
			operations[op] = level
		}

		expires := time.Now().Add(s.lifetime)
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"operations": operations,
			"exp":        expires.Unix(),
		})

		signed, err := token.SignedString(s.signingKey)
		if err != nil {
			return nil, fmt.Errorf("failed to sign credential token: %w", err)
		}

		s.token = signed
		s.expires = expires
	}

	return map[string]string{"token": s.token}, nil
}

// Grant adds or raises an operation grant and signals both the
// authorization change and the credential rotation it causes.
func (s *TokenService) Grant(moniker string, trustLevel int) {
	s.mu.Lock()
	s.grants[moniker] = trustLevel
	s.token = ""
	s.mu.Unlock()

	s.authEvent.fire()
	s.credsEvent.fire()
}

// Revoke removes an operation grant.
func (s *TokenService) Revoke(moniker string) {
	s.mu.Lock()
	delete(s.grants, moniker)
	s.token = ""
	s.mu.Unlock()

	s.authEvent.fire()
	s.credsEvent.fire()
}

func (s *TokenService) OnAuthorizationChanged(handler func()) func() {
	return s.authEvent.subscribe(handler)
}

func (s *TokenService) OnCredentialsChanged(handler func()) func() {
	return s.credsEvent.subscribe(handler)
}

var _ AuthorizationService = (*TokenService)(nil)

// handlerSet is a minimal synchronous event.
type handlerSet struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]func()
}

func (h *handlerSet) subscribe(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.handlers == nil {
		h.handlers = make(map[int]func())
	}
	id := h.nextID
	h.nextID++
	h.handlers[id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.handlers, id)
	}
}

func (h *handlerSet) fire() {
	h.mu.Lock()
	handlers := make([]func(), 0, len(h.handlers))
	for _, fn := range h.handlers {
		handlers = append(handlers, fn)
	}
	h.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}

// checkLimiter is a token bucket guarding the upstream check path.
type checkLimiter struct {
	mu       sync.Mutex
	rate     float64
	capacity float64
	tokens   float64
	last     time.Time
}

func newCheckLimiter(count int, per time.Duration) *checkLimiter {
	return &checkLimiter{
		rate:     float64(count) / per.Seconds(),
		capacity: float64(count),
		tokens:   float64(count),
		last:     time.Now(),
	}
}

func (l *checkLimiter) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.tokens += now.Sub(l.last).Seconds() * l.rate
	l.last = now
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}

	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}
