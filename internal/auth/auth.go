// Package auth obtains and persists OAuth2 credentials for the destination
// calendar service.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"

	appLog "ex2gcal/internal/log"
)

// ErrAuthorizationRequired is returned when no usable token is cached and an
// interactive grant is not allowed.
var ErrAuthorizationRequired = errors.New("authorization required: run `ex2gcal auth`")

// LoadOAuthConfig reads an installed-app client secret file as downloaded
// from the Google Cloud console.
func LoadOAuthConfig(credentialsFile string) (*oauth2.Config, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read client credentials: %w", err)
	}
	cfg, err := google.ConfigFromJSON(data, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("parse client credentials %s: %w", credentialsFile, err)
	}
	return cfg, nil
}

// persistingTokenSource writes every newly issued token back to the cache.
type persistingTokenSource struct {
	src    oauth2.TokenSource
	cache  *TokenCache
	logger *appLog.Logger

	mu      sync.Mutex
	current *oauth2.Token
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	t, err := s.src.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.AccessToken != t.AccessToken {
		s.current = t
		if err := s.cache.Save(t); err != nil {
			// The token is still valid for this run.
			s.logger.Error("token cache save failed", err, "path", s.cache.Path())
		} else {
			s.logger.Debug("token cache updated", "path", s.cache.Path(), "expiry", t.Expiry)
		}
	}
	return t, nil
}

// NewTokenSource refreshes tok as needed and persists refreshed tokens.
func NewTokenSource(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token, cache *TokenCache, logger *appLog.Logger) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(tok, &persistingTokenSource{
		src:     cfg.TokenSource(ctx, tok),
		cache:   cache,
		logger:  logger,
		current: tok,
	})
}

// ClientOptions controls how Client obtains a token.
type ClientOptions struct {
	// Interactive allows a browser grant when no token is cached.
	Interactive bool
	// Prompt shows the authorization URL to the user.
	Prompt func(authURL string)
}

// Client returns an HTTP client authorized for the calendar scope.
//
// The cached token is used when present; otherwise an interactive grant is
// run (if allowed) and its token cached. A token is fetched once before
// returning so that a revoked or unrefreshable grant fails here instead of
// mid-run.
func Client(ctx context.Context, cfg *oauth2.Config, cache *TokenCache, opts ClientOptions, logger *appLog.Logger) (*http.Client, error) {
	tok, err := cache.Load()
	switch {
	case errors.Is(err, ErrNoToken):
		if !opts.Interactive {
			return nil, ErrAuthorizationRequired
		}
		logger.Info("no cached token, starting interactive authorization", "path", cache.Path())
		tok, err = Interactive(ctx, cfg, opts.Prompt)
		if err != nil {
			return nil, err
		}
		if err := cache.Save(tok); err != nil {
			return nil, fmt.Errorf("save token: %w", err)
		}
	case err != nil:
		return nil, err
	}

	ts := NewTokenSource(ctx, cfg, tok, cache, logger)
	if _, err := ts.Token(); err != nil {
		return nil, fmt.Errorf("obtain access token: %w", err)
	}
	return oauth2.NewClient(ctx, ts), nil
}
