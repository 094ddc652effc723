// Package auth mints and caches per-audience identity tokens for
// service-to-service calls.
package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
	"go.uber.org/zap"
)

const (
	metadataTokenURL = "http://metadata.google.internal/computeMetadata/v1/instance/service-accounts/default/identity"

	// refreshSkew is subtracted from the token's exp so a token is never
	// handed out moments before the callee would reject it.
	refreshSkew = 2 * time.Minute
)

// TokenSource yields a bearer token valid for the given audience.
type TokenSource interface {
	Token(ctx context.Context, audience string) (string, error)
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// MetadataTokenSource fetches identity tokens from the instance metadata
// endpoint and caches them per audience until shortly before expiry.
// Concurrent cache misses for the same audience collapse into one fetch.
type MetadataTokenSource struct {
	httpClient *http.Client
	baseURL    string
	logger     *zap.Logger

	mu     sync.RWMutex
	tokens map[string]cachedToken
	group  singleflight.Group
}

// NewMetadataTokenSource constructs a MetadataTokenSource against the real
// metadata endpoint.
func NewMetadataTokenSource(logger *zap.Logger) *MetadataTokenSource {
	return newMetadataTokenSource(metadataTokenURL, logger)
}

func newMetadataTokenSource(baseURL string, logger *zap.Logger) *MetadataTokenSource {
	return &MetadataTokenSource{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    baseURL,
		logger:     logger,
		tokens:     make(map[string]cachedToken),
	}
}

// Token returns a cached token for audience, minting a fresh one when the
// cache is empty or inside the refresh window.
func (s *MetadataTokenSource) Token(ctx context.Context, audience string) (string, error) {
	s.mu.RLock()
	cached, ok := s.tokens[audience]
	s.mu.RUnlock()
	if ok && time.Until(cached.expiresAt) > refreshSkew {
		return cached.value, nil
	}

	v, err, _ := s.group.Do(audience, func() (any, error) {
		return s.fetch(ctx, audience)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *MetadataTokenSource) fetch(ctx context.Context, audience string) (string, error) {
	u := fmt.Sprintf("%s?audience=%s", s.baseURL, url.QueryEscape(audience))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch identity token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("metadata endpoint returned %d", resp.StatusCode)
	}

	token := string(body)
	expiresAt := s.tokenExpiry(token)

	s.mu.Lock()
	s.tokens[audience] = cachedToken{value: token, expiresAt: expiresAt}
	s.mu.Unlock()

	s.logger.Debug("identity token minted",
		zap.String("audience", audience),
		zap.Time("expires_at", expiresAt),
	)
	return token, nil
}

// tokenExpiry reads the exp claim without verifying the signature. The token
// was minted for us to PRESENT, not to trust; only its lifetime matters here.
func (s *MetadataTokenSource) tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		s.logger.Warn("could not parse token expiry, using short default", zap.Error(err))
		return time.Now().Add(5 * time.Minute)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Now().Add(5 * time.Minute)
	}
	return exp.Time
}
