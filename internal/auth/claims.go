package auth

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CharacterClaims is what an EVE SSO access token says about its character.
type CharacterClaims struct {
	CharacterID int64
	Name        string
	OwnerHash   string
	Scopes      []string
	ExpiresAt   time.Time
}

type eveClaims struct {
	Name   string           `json:"name"`
	Owner  string           `json:"owner"`
	Scopes jwt.ClaimStrings `json:"scp"`
	jwt.RegisteredClaims
}

// ParseCharacterClaims reads the character out of an SSO access token.
// The token comes straight from the token endpoint over TLS, so the
// signature is not checked here.
func ParseCharacterClaims(accessToken string) (CharacterClaims, error) {
	var c eveClaims
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &c); err != nil {
		return CharacterClaims{}, fmt.Errorf("parse access token: %w", err)
	}

	parts := strings.Split(c.Subject, ":")
	if len(parts) != 3 || parts[0] != "CHARACTER" {
		return CharacterClaims{}, fmt.Errorf("unexpected token subject %q", c.Subject)
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return CharacterClaims{}, fmt.Errorf("character id in subject %q: %w", c.Subject, err)
	}
	if c.Name == "" || c.Owner == "" {
		return CharacterClaims{}, fmt.Errorf("token for character %d lacks name or owner", id)
	}

	out := CharacterClaims{
		CharacterID: id,
		Name:        c.Name,
		OwnerHash:   c.Owner,
		Scopes:      []string(c.Scopes),
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out, nil
}
