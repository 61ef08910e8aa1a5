package auth

import (
	"context"
	"time"

	"github.com/workos/workos-go/v6/pkg/usermanagement"
)

// accessTokenValidity is how long we trust a freshly issued access token.
// WorkOS access tokens live longer, but refreshing early is harmless and
// keeps the margin simple.
const accessTokenValidity = 5 * time.Minute

// WorkOSRefresher exchanges refresh tokens through WorkOS user management.
type WorkOSRefresher struct {
	clientID string
}

// NewWorkOSRefresher configures the WorkOS SDK and returns a refresher.
func NewWorkOSRefresher(apiKey, clientID string) *WorkOSRefresher {
	usermanagement.SetAPIKey(apiKey)
	return &WorkOSRefresher{clientID: clientID}
}

// Refresh implements Refresher.
func (r *WorkOSRefresher) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	resp, err := usermanagement.AuthenticateWithRefreshToken(ctx, usermanagement.AuthenticateWithRefreshTokenOpts{
		ClientID:     r.clientID,
		RefreshToken: refreshToken,
	})
	if err != nil {
		return nil, err
	}

	return &Session{
		UserID:       resp.User.ID,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Now().Add(accessTokenValidity),
	}, nil
}
