package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBackendError_UnwrapsToSentinel(t *testing.T) {
	err := NewBackendError("b1", KindRateLimit, "slow down")
	assert.True(t, errors.Is(err, ErrRateLimit))
	assert.False(t, errors.Is(err, ErrTimeout))

	wrapped := fmt.Errorf("op=router: %w", err)
	var be *BackendError
	assert.True(t, errors.As(wrapped, &be))
	assert.Equal(t, "b1", be.Backend)
}

func TestBackendError_Retryable(t *testing.T) {
	retryable := []ErrorKind{KindRateLimit, KindTimeout, KindTransient, KindCircuitOpen}
	for _, k := range retryable {
		assert.True(t, NewBackendError("b", k, "").Retryable(), string(k))
	}
	terminal := []ErrorKind{KindAuth, KindContextLength, KindFatal, KindInvalidInput}
	for _, k := range terminal {
		assert.False(t, NewBackendError("b", k, "").Retryable(), string(k))
	}
}

func TestAllFailedError(t *testing.T) {
	agg := &AllFailedError{Causes: []*BackendError{
		NewBackendError("a", KindAuth, "bad key"),
		NewBackendError("b", KindRateLimit, "slow down"),
	}}

	assert.Contains(t, agg.Error(), "a=auth")
	assert.Contains(t, agg.Error(), "b=rate_limit")
	assert.True(t, agg.Retryable(), "one retryable cause makes the aggregate retryable")
	assert.True(t, agg.Has(KindAuth))
	assert.False(t, agg.Has(KindTimeout))

	terminal := &AllFailedError{Causes: []*BackendError{
		NewBackendError("a", KindAuth, "bad key"),
	}}
	assert.False(t, terminal.Retryable())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindInvalidInput, KindOf(fmt.Errorf("wrap: %w", ErrInvalidInput)))
	assert.Equal(t, KindTimeout, KindOf(NewBackendError("b", KindTimeout, "")))
	assert.Equal(t, KindAllFailed, KindOf(&AllFailedError{}))
	assert.Equal(t, KindFatal, KindOf(errors.New("mystery")))
}

func TestRetryableClassifier(t *testing.T) {
	assert.True(t, Retryable(fmt.Errorf("op=x: %w", ErrTransient)))
	assert.True(t, Retryable(NewBackendError("b", KindRateLimit, "")))
	assert.False(t, Retryable(fmt.Errorf("op=x: %w", ErrAuth)))
	assert.False(t, Retryable(errors.New("mystery")))
}

func TestCacheEntry_Expired(t *testing.T) {
	e := CacheEntry{}
	assert.True(t, e.Expired(e.ExpiresAt), "boundary counts as expired")
}

func TestCapabilityProfile_Lookups(t *testing.T) {
	p := CapabilityProfile{
		TaskScores:      map[TaskType]float64{TaskCode: 0.9, TaskGeneral: 0.7},
		Languages:       []string{"en", "zh"},
		Specializations: []string{"zh"},
	}
	assert.Equal(t, 0.9, p.TaskScore(TaskCode))
	assert.Equal(t, 0.7, p.TaskScore(TaskMath), "falls back to general")
	assert.Equal(t, 0.5, CapabilityProfile{}.TaskScore(TaskCode), "empty profile default")

	listed, specialized := p.SupportsLanguage("zh")
	assert.True(t, listed)
	assert.True(t, specialized)
	listed, specialized = p.SupportsLanguage("en")
	assert.True(t, listed)
	assert.False(t, specialized)
	listed, _ = p.SupportsLanguage("fr")
	assert.False(t, listed)
}
