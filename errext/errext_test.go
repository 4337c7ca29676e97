package errext

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/pwclient/errext/exitcodes"
)

func TestWithHint(t *testing.T) {
	t.Parallel()

	assert.NoError(t, WithHint(nil, "ignored"))

	base := errors.New("connection closed")
	err := WithHint(base, "the engine process exited")
	require.ErrorIs(t, err, base)

	var herr HasHint
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "the engine process exited", herr.Hint())

	wrapped := WithHint(fmt.Errorf("goto: %w", err), "check the driver path")
	require.ErrorAs(t, wrapped, &herr)
	assert.Equal(t, "check the driver path (the engine process exited)", herr.Hint())

	assert.Empty(t, HintOf(base))
	assert.Equal(t, "the engine process exited", HintOf(fmt.Errorf("goto: %w", err)))
	assert.Equal(t, "the engine process exited", HintOf(WithHint(err, "the engine process exited")))
}

func TestWithExitCodeIfNone(t *testing.T) {
	t.Parallel()

	assert.NoError(t, WithExitCodeIfNone(nil, exitcodes.Timeout))

	err := WithExitCodeIfNone(errors.New("timed out"), exitcodes.Timeout)
	assert.Equal(t, exitcodes.Timeout, ExitCodeOf(err))

	again := WithExitCodeIfNone(err, exitcodes.Disconnected)
	assert.Equal(t, exitcodes.Timeout, ExitCodeOf(again))

	assert.Equal(t, exitcodes.GenericError, ExitCodeOf(errors.New("plain")))
}

func TestFormat(t *testing.T) {
	t.Parallel()

	text, fields := Format(nil)
	assert.Empty(t, text)
	assert.Nil(t, fields)

	err := WithExitCodeIfNone(WithHint(errors.New("boom"), "retry"), exitcodes.DriverFailed)
	text, fields = Format(err)
	assert.Equal(t, "boom", text)
	assert.Equal(t, "retry", fields["hint"])
	assert.Equal(t, exitcodes.DriverFailed, fields["exit_code"])
}
