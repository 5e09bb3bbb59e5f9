package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/refhub/refsync-worker/internal/adapter"
	"github.com/refhub/refsync-worker/internal/models"
	"github.com/refhub/refsync-worker/internal/repository"
)

// TokenStore is the slice of the integration repository the refresher needs
type TokenStore interface {
	UpdateTokens(ctx context.Context, id string, expectedUpdatedAt time.Time, accessToken string, refreshToken string, expiresAt *time.Time) (time.Time, error)
}

// TokenRefresher guarantees usable credentials before any remote call. The
// common path is free: a stored access token with more than the safety margin
// of lifetime left is returned without touching the network.
type TokenRefresher struct {
	integrations TokenStore
	margin       time.Duration
	logger       *slog.Logger
}

func NewTokenRefresher(integrations TokenStore, margin time.Duration, logger *slog.Logger) *TokenRefresher {
	return &TokenRefresher{
		integrations: integrations,
		margin:       margin,
		logger:       logger,
	}
}

// EnsureValidToken returns credentials safe to use for the whole run,
// refreshing and persisting them first when the stored token is missing or
// about to expire. Auth failures propagate as *adapter.AuthError; the runner
// owns deactivating the integration.
func (t *TokenRefresher) EnsureValidToken(ctx context.Context, integration *models.Integration, svc adapter.ServiceAdapter) (adapter.Credentials, error) {
	creds := credentialsFrom(integration)

	if integration.TokenValid(time.Now(), t.margin) {
		return creds, nil
	}

	t.logger.Debug("refreshing credentials",
		"integration", integration.ID,
		"service", integration.Service)

	refreshed, err := svc.Refresh(ctx, creds)
	if err != nil {
		return adapter.Credentials{}, fmt.Errorf("token refresh for integration %s: %w", integration.ID, err)
	}

	if tokensChanged(creds, *refreshed) {
		// Single atomic update: access token, refresh token and expiry move together.
		newVersion, err := t.integrations.UpdateTokens(ctx, integration.ID, integration.UpdatedAt, refreshed.AccessToken, refreshed.RefreshToken, refreshed.ExpiresAt)
		if errors.Is(err, repository.ErrStaleIntegration) {
			// Someone re-linked (or otherwise edited) the row while we were
			// refreshing from the old grant. Their tokens win; drop ours and
			// let the next attempt read the fresh row.
			return adapter.Credentials{}, fmt.Errorf("integration %s changed during token refresh: %w",
				integration.ID, &adapter.TransientError{Err: err})
		}
		if err != nil {
			return adapter.Credentials{}, fmt.Errorf("failed to persist refreshed tokens: %w", err)
		}

		accessToken := refreshed.AccessToken
		refreshToken := refreshed.RefreshToken
		integration.AccessToken = &accessToken
		integration.RefreshToken = &refreshToken
		integration.TokenExpiresAt = refreshed.ExpiresAt
		integration.UpdatedAt = newVersion

		t.logger.Info("credentials refreshed",
			"integration", integration.ID,
			"expiresAt", refreshed.ExpiresAt)
	}

	return *refreshed, nil
}

func credentialsFrom(integration *models.Integration) adapter.Credentials {
	creds := adapter.Credentials{
		ExpiresAt: integration.TokenExpiresAt,
	}
	if integration.APIKey != nil {
		creds.APIKey = *integration.APIKey
	}
	if integration.APISecret != nil {
		creds.APISecret = *integration.APISecret
	}
	if integration.AccessToken != nil {
		creds.AccessToken = *integration.AccessToken
	}
	if integration.RefreshToken != nil {
		creds.RefreshToken = *integration.RefreshToken
	}
	return creds
}

func tokensChanged(before, after adapter.Credentials) bool {
	if before.AccessToken != after.AccessToken || before.RefreshToken != after.RefreshToken {
		return true
	}
	switch {
	case before.ExpiresAt == nil && after.ExpiresAt == nil:
		return false
	case before.ExpiresAt == nil || after.ExpiresAt == nil:
		return true
	default:
		return !before.ExpiresAt.Equal(*after.ExpiresAt)
	}
}
