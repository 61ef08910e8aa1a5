package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Eugeneai777/emotioncoach-sub003/pkg/core"
)

// tokenTTL is how long a fetched ephemeral token stays reusable. The remote
// issues 60-second tokens; reusing within 50 keeps a safety margin for the
// dial itself.
const tokenTTL = 50 * time.Second

// TokenSource fetches and caches the short-lived token the direct transport
// presents during its handshake.
type TokenSource struct {
	url        string
	authBearer string
	httpClient *http.Client

	mu        sync.Mutex
	token     string
	fetchedAt time.Time
}

// NewTokenSource creates a token source for the given endpoint. authBearer
// is the caller's session token; httpClient may be nil.
func NewTokenSource(url, authBearer string, httpClient *http.Client) *TokenSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &TokenSource{url: url, authBearer: authBearer, httpClient: httpClient}
}

// Token returns a cached token when fresh, otherwise fetches a new one.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && time.Since(t.fetchedAt) < tokenTTL {
		return t.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, nil)
	if err != nil {
		return "", core.NewSetupError(core.CodeTokenFetchFailed, "build token request").Wrap(err)
	}
	if t.authBearer != "" {
		req.Header.Set("Authorization", "Bearer "+t.authBearer)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", core.NewSetupError(core.CodeTokenFetchFailed, "token endpoint unreachable").Wrap(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", core.NewSetupError(core.CodeAuthRequired, "token endpoint rejected credentials")
	default:
		return "", core.NewSetupError(core.CodeTokenFetchFailed, fmt.Sprintf("token endpoint returned %d", resp.StatusCode))
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", core.NewSetupError(core.CodeTokenFetchFailed, "decode token response").Wrap(err)
	}
	if body.Token == "" {
		return "", core.NewSetupError(core.CodeTokenFetchFailed, "token response missing token")
	}

	t.token = body.Token
	t.fetchedAt = time.Now()
	return t.token, nil
}

// Invalidate drops the cached token so the next Token call refetches. Called
// after the remote rejects a token mid-handshake.
func (t *TokenSource) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = ""
	t.fetchedAt = time.Time{}
}
