package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, Validation, KindOf(E(Validation, "bad input")))
	assert.Equal(t, NotFound, KindOf(Ef(NotFound, "task %d missing", 3)))
	assert.Equal(t, Internal, KindOf(errors.New("plain")))
	assert.Equal(t, Internal, KindOf(nil))
}

func TestKindOf_Wrapped(t *testing.T) {
	inner := E(TransientBackend, "backend unavailable")
	outer := fmt.Errorf("submit: %w", inner)
	assert.Equal(t, TransientBackend, KindOf(outer))
	assert.True(t, IsKind(outer, TransientBackend))
	assert.False(t, IsKind(outer, PermanentBackend))
	assert.False(t, IsKind(nil, Internal))
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(Storage, "download failed", cause)

	assert.Equal(t, "download failed: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, Storage, KindOf(err))
}

func TestErrorWithoutCause(t *testing.T) {
	err := E(Conflict, "already claimed")
	assert.Equal(t, "already claimed", err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "validation", Validation.String())
	assert.Equal(t, "transient_backend", TransientBackend.String())
	assert.Equal(t, "internal", Internal.String())
	assert.Equal(t, "internal", Kind(99).String())
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", Preview("short", 200))
	assert.Equal(t, "abc", Preview("abcdef", 3))
	// Rune-aware truncation must not split multibyte characters.
	assert.Equal(t, "日本", Preview("日本語テキスト", 2))
	assert.Equal(t, "", Preview("", 10))
}
