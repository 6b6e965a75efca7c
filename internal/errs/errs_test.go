package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errSample = New(KindStateConflict, "sample_conflict", "sample conflict")

func TestError_IsMatchesByCode(t *testing.T) {
	detailed := errSample.WithDetail("expected %d, got %d", 1, 2)
	wrapped := fmt.Errorf("confirm: %w", detailed)

	assert.True(t, errors.Is(wrapped, errSample))
	assert.Equal(t, "sample conflict: expected 1, got 2", detailed.Error())
	assert.Equal(t, KindStateConflict, KindOf(wrapped))
	assert.Equal(t, "sample_conflict", CodeOf(wrapped))
}

func TestError_DifferentCodesDoNotMatch(t *testing.T) {
	other := New(KindStateConflict, "other", "other")
	assert.False(t, errors.Is(errSample, other))
}

func TestKindOf_PlainErrorIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, "internal_error", CodeOf(errors.New("boom")))
}

func TestRetryable_OnlyTransient(t *testing.T) {
	cause := errors.New("nonce too low")
	assert.True(t, Retryable(E(KindChainTransient, "nonce", cause)))
	assert.False(t, Retryable(E(KindChainFatal, "revert", cause)))
	assert.False(t, Retryable(errSample))
	assert.False(t, Retryable(cause))
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := errSample.Wrap(cause)
	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, errSample))
	assert.Equal(t, "sample conflict", DetailOf(err))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindNotFound, http.StatusNotFound},
		{KindStateConflict, http.StatusConflict},
		{KindChainTransient, http.StatusServiceUnavailable},
		{KindChainFatal, http.StatusBadGateway},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(New(tt.kind, "x", "x")), tt.kind)
	}
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}
