package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByKind(t *testing.T) {
	err := E(KindNotFound, "scans.get", errors.New("no row"))

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrConflict))

	wrapped := fmt.Errorf("analyze: %w", err)
	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := errors.New("timeout")
	err := E(KindInference, "inference.infer", cause)

	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "inference.infer: inference failed: timeout", err.Error())
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindInternal, KindOf(nil))
}

func TestErrorStrings(t *testing.T) {
	assert.Equal(t, "not found", ErrNotFound.Error())
	assert.Equal(t, "queue.clear: permission denied", E(KindPermission, "queue.clear", nil).Error())
	assert.Equal(t, "conflict: scan is processing", Ef(KindConflict, "", "scan is %s", "processing").Error())
}
