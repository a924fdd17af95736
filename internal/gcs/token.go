package gcs

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/driftware/tusgate/pkg/types"
)

const (
	// Scope granting read/write object access, matching the backend's
	// devstorage.read_write scope.
	storageScope = "https://www.googleapis.com/auth/devstorage.read_write"

	jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// Tokens are refreshed this long before their reported expiry.
	tokenExpiryMargin = 60 * time.Second
)

// TokenSource provides bearer tokens for backend calls.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed token. Used in tests and with
// externally-managed credentials.
type StaticTokenSource string

// AccessToken returns the fixed token.
func (s StaticTokenSource) AccessToken(ctx context.Context) (string, error) {
	return string(s), nil
}

// ServiceAccountTokenSource exchanges a signed JWT assertion for a short-lived
// access token at the OAuth2 token endpoint. The cached token is shared by all
// in-flight uploads; refresh is idempotent and last-writer-wins.
type ServiceAccountTokenSource struct {
	clientEmail string
	privateKey  *rsa.PrivateKey
	tokenURL    string
	httpClient  *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

// serviceAccountKey mirrors the fields of a service account key file that the
// token source needs.
type serviceAccountKey struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// NewServiceAccountTokenSource builds a token source from an in-memory key.
func NewServiceAccountTokenSource(clientEmail, privateKeyPEM, tokenURL string) (*ServiceAccountTokenSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account private key: %w", err)
	}

	return &ServiceAccountTokenSource{
		clientEmail: clientEmail,
		privateKey:  key,
		tokenURL:    tokenURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// NewServiceAccountTokenSourceFromFile builds a token source from a JSON key
// file on disk.
func NewServiceAccountTokenSourceFromFile(path string) (*ServiceAccountTokenSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	var key serviceAccountKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	if key.TokenURI == "" {
		key.TokenURI = "https://oauth2.googleapis.com/token"
	}

	return NewServiceAccountTokenSource(key.ClientEmail, key.PrivateKey, key.TokenURI)
}

// AccessToken returns a valid bearer token, refreshing it when the cached one
// is absent or within the expiry margin.
func (s *ServiceAccountTokenSource) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Now().Before(s.expires.Add(-tokenExpiryMargin)) {
		return s.token, nil
	}

	token, expires, err := s.exchange(ctx)
	if err != nil {
		return "", err
	}

	s.token = token
	s.expires = expires

	log.Debug().
		Str("client_email", s.clientEmail).
		Time("expires", expires).
		Msg("backend access token refreshed")

	return token, nil
}

func (s *ServiceAccountTokenSource) exchange(ctx context.Context) (string, time.Time, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   s.clientEmail,
		"scope": storageScope,
		"aud":   s.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}

	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.privateKey)
	if err != nil {
		return "", time.Time{}, &types.BackendAuthError{Body: fmt.Sprintf("failed to sign token assertion: %v", err)}
	}

	form := url.Values{
		"grant_type": {jwtBearerGrant},
		"assertion":  {assertion},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, &types.BackendAuthError{Body: fmt.Sprintf("failed to build token request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, &types.BackendAuthError{Body: fmt.Sprintf("token exchange failed: %v", err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, &types.BackendAuthError{Status: resp.StatusCode, Body: string(body)}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.AccessToken == "" {
		return "", time.Time{}, &types.BackendAuthError{Status: resp.StatusCode, Body: "token endpoint returned no access token"}
	}

	return payload.AccessToken, now.Add(time.Duration(payload.ExpiresIn) * time.Second), nil
}
