package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindMatching(t *testing.T) {
	err := Errorf(KindNotFound, "course not found: %s", "c-1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrUnavailable))

	wrapped := fmt.Errorf("loading course: %w", err)
	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := E(KindUnavailable, "persistent store unavailable", cause)

	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{Errorf(KindUnavailable, "down"), http.StatusServiceUnavailable},
		{Errorf(KindUploadRejected, "too big"), http.StatusBadRequest},
		{Errorf(KindMalformedReference, "bad ref"), http.StatusBadRequest},
		{Errorf(KindValidation, "bad field"), http.StatusBadRequest},
		{Errorf(KindUploadFailed, "remote failed"), http.StatusBadGateway},
		{Errorf(KindDeleteFailed, "remote failed"), http.StatusBadGateway},
		{Errorf(KindNotFound, "missing"), http.StatusNotFound},
		{errors.New("anything else"), http.StatusInternalServerError},
	}

	for _, c := range cases {
		assert.Equal(t, c.status, HTTPStatus(c.err), "Case %v", c.err)
	}
}

// The internal cause must never leak into the rendered message.
func TestPublicMessage(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.5:27017: i/o timeout")
	err := E(KindUnavailable, "persistent store unavailable", cause)

	assert.Equal(t, "persistent store unavailable", PublicMessage(err))
	assert.NotContains(t, PublicMessage(err), "10.0.0.5")

	assert.Equal(t, "internal error", PublicMessage(errors.New("boom")))
}
