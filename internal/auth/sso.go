package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"evelogi/internal/config"
)

// StateTTL bounds how long a pending login may take.
const StateTTL = 10 * time.Minute

var ErrInvalidState = errors.New("invalid or expired state parameter")

// SSO is the EVE SSO OAuth2 client plus the pending login states.
type SSO struct {
	oauth *oauth2.Config

	// Now is the clock used for state expiry; tests replace it.
	Now func() time.Time

	mu     sync.Mutex
	states map[string]time.Time
}

// NewSSO builds the OAuth2 config from the SSO section.
func NewSSO(cfg config.SSOConfig) *SSO {
	return &SSO{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.CallbackURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		Now:    time.Now,
		states: make(map[string]time.Time),
	}
}

// Configured reports whether client credentials are present.
func (s *SSO) Configured() bool {
	return s != nil && strings.TrimSpace(s.oauth.ClientID) != "" && strings.TrimSpace(s.oauth.ClientSecret) != ""
}

// NewState registers a one-time state token and returns it.
func (s *SSO) NewState() string {
	state := uuid.NewString()
	now := s.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, exp := range s.states {
		if now.After(exp) {
			delete(s.states, k)
		}
	}
	s.states[state] = now.Add(StateTTL)
	return state
}

// ConsumeState removes the state and reports whether it was pending and unexpired.
func (s *SSO) ConsumeState(state string) bool {
	if state == "" {
		return false
	}
	s.mu.Lock()
	exp, ok := s.states[state]
	delete(s.states, state)
	s.mu.Unlock()
	return ok && !s.Now().After(exp)
}

// BuildAuthURL returns the authorize URL the browser is redirected to.
func (s *SSO) BuildAuthURL(state string) string {
	return s.oauth.AuthCodeURL(state)
}

// Exchange trades an authorization code for a token.
func (s *SSO) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if code == "" {
		return nil, errors.New("missing authorization code")
	}
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("sso exchange: %w", err)
	}
	return tok, nil
}

// Refresh exchanges a refresh token for a new access token. EVE rotates
// refresh tokens, so callers must persist tok.RefreshToken.
func (s *SSO) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, errors.New("no refresh token")
	}
	src := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("sso refresh: %w", err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}
