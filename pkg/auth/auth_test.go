package auth

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractToken(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "http://example.com", nil)
	req.Header.Set("Authorization", "Token runner-token")

	token, err := ExtractToken(req)
	require.NoError(t, err)
	assert.Equal(t, "runner-token", token)

	req.Header.Set(TokenHeader, "job-header")
	token, err = ExtractToken(req)
	require.NoError(t, err)
	assert.Equal(t, "job-header", token)
}

func TestExtractTokenErrors(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "http://example.com", nil)

	_, err := ExtractToken(req)
	assert.ErrorIs(t, err, ErrMissingToken)

	req.Header.Set("Authorization", "Bearer abc")
	_, err = ExtractToken(req)
	assert.ErrorIs(t, err, ErrInvalidPrefix)

	req.Header.Set("Authorization", "Token ")
	_, err = ExtractToken(req)
	assert.ErrorIs(t, err, ErrMissingToken)
}
