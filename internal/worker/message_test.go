package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"type":"SKIP_WAITING"}`))
	require.NoError(t, err)
	assert.Equal(t, SkipWaitingMessage{}, msg)

	for _, raw := range []string{
		`{"type":"RELOAD"}`,
		`{"kind":"SKIP_WAITING"}`,
		`{"type":42}`,
		`not json`,
		``,
	} {
		_, err := DecodeMessage([]byte(raw))
		assert.ErrorIs(t, err, ErrUnknownMessage, raw)
	}
}

func TestEncodeMessage(t *testing.T) {
	raw, err := EncodeMessage(SkipWaitingMessage{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"SKIP_WAITING"}`, string(raw))
}
