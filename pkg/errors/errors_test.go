package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelsSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("ibkr: %w", ErrNotConnected)
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.False(t, errors.Is(err, ErrNetwork))

	startErr := fmt.Errorf("%w: sandbox", ErrAdapterConnect)
	assert.ErrorIs(t, startErr, ErrAdapterConnect)
	assert.Equal(t, "failed to connect adapter: sandbox", startErr.Error())
}
