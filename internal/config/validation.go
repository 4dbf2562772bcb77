package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator instance.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks struct tags on any value and flattens failures into one readable error.
func Validate(v interface{}) error {
	if err := Validator().Struct(v); err != nil {
		return FormatValidationError(err)
	}
	return nil
}

// FormatValidationError converts validator errors into readable messages.
func FormatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	messages := make([]string, 0, len(verrs))
	for _, e := range verrs {
		messages = append(messages, fmt.Sprintf("field '%s' failed validation: %s (value: '%v')",
			e.Namespace(), e.Tag(), e.Value()))
	}
	return errors.New(strings.Join(messages, "; "))
}

// ErrNoSessionSecret is returned when the server has no key to sign session cookies with.
var ErrNoSessionSecret = errors.New("server.session_secret is not set (use EVELOGI_SERVER_SESSION_SECRET, at least 32 bytes)")

// CheckSessionSecret reports whether a session signing key has been configured.
// Commands that never issue sessions do not need one.
func (s ServerConfig) CheckSessionSecret() error {
	if s.SessionSecret == "" {
		return ErrNoSessionSecret
	}
	return nil
}
