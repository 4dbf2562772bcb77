package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionCookie is the name of the browser session cookie.
const SessionCookie = "evelogi_session"

const sessionIssuer = "evelogi"

var errNoSecret = errors.New("session secret not configured")

// SessionCodec signs and verifies the HS256 session token carried in the cookie.
type SessionCodec struct {
	Secret []byte
	TTL    time.Duration
}

// Sign issues a session token for the user.
func (c SessionCodec) Sign(userID int64) (token string, expiresAt time.Time, err error) {
	if len(c.Secret) == 0 {
		return "", time.Time{}, errNoSecret
	}
	now := time.Now().UTC()
	expiresAt = now.Add(c.TTL)
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		Issuer:    sessionIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return s, expiresAt, nil
}

// Verify returns the user id of a valid session token.
func (c SessionCodec) Verify(token string) (int64, error) {
	if len(c.Secret) == 0 {
		return 0, fmt.Errorf("%w: %v", ErrUnauthenticated, errNoSecret)
	}
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return c.Secret, nil
	}, jwt.WithIssuer(sessionIssuer))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !parsed.Valid {
		return 0, ErrUnauthenticated
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad subject", ErrUnauthenticated)
	}
	return id, nil
}

// SetCookie writes the session cookie for the user.
func (c SessionCodec) SetCookie(w http.ResponseWriter, userID int64, secure bool) error {
	token, exp, err := c.Sign(userID)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  exp,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// ClearCookie expires the session cookie.
func ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// UserFromRequest returns the user id carried by the request's session cookie.
func (c SessionCodec) UserFromRequest(r *http.Request) (int64, error) {
	ck, err := r.Cookie(SessionCookie)
	if err != nil || ck.Value == "" {
		return 0, ErrUnauthenticated
	}
	return c.Verify(ck.Value)
}
