package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeJSON(t *testing.T) {
	err := Initialize(true)
	require.NoError(t, err)
	assert.True(t, JSONOutput)
	assert.NotNil(t, Logger)
}

func TestInitializeConsole(t *testing.T) {
	err := Initialize(false)
	require.NoError(t, err)
	assert.False(t, JSONOutput)
	assert.NotNil(t, Logger)
}

func TestUsableBeforeInitialize(t *testing.T) {
	// The package-level no-op logger must not panic pre-Initialize.
	assert.NotPanics(t, func() {
		Infow("message before init", "key", "value")
		Warnf("formatted %s", "warning")
	})
}
