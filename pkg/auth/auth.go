package auth

import (
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	// ErrMissingToken indicates that no runner token was provided.
	ErrMissingToken = errors.New("missing runner token")
	// ErrInvalidPrefix indicates the Authorization header did not use the Token scheme.
	ErrInvalidPrefix = errors.New("invalid authorization prefix")
)

// TokenHeader is accepted as an alternative to the Authorization header.
const TokenHeader = "Job-Token"

// ExtractToken returns the runner token from "Authorization: Token <t>" or the
// Job-Token header.
func ExtractToken(r *http.Request) (string, error) {
	if token := strings.TrimSpace(r.Header.Get(TokenHeader)); token != "" {
		return token, nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	if !strings.HasPrefix(header, "Token ") {
		return "", ErrInvalidPrefix
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, "Token "))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
