package xerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_Wrapped(t *testing.T) {
	base := errors.New("connection refused")
	err := fmt.Errorf("tick AAPL: %w", Upstream(base, "yahoo.fetch"))

	assert.Equal(t, KindUpstream, KindOf(err))
	assert.True(t, Is(err, KindUpstream))
	assert.False(t, Is(err, KindTransport))
	assert.ErrorIs(t, err, base)
}

func TestKindOf_PlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.False(t, Is(nil, KindUnknown))
}

func TestRecoverable(t *testing.T) {
	assert.True(t, KindProtocol.Recoverable())
	assert.True(t, KindTransport.Recoverable())
	assert.True(t, KindUpstream.Recoverable())
	assert.True(t, KindBackend.Recoverable())
	assert.False(t, KindFatal.Recoverable())
	assert.False(t, KindUnknown.Recoverable())
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "Invalid JSON message", Message(Protocol("ws.decode", "Invalid JSON message")))
	assert.Equal(t, "", Message(nil))
	assert.Nil(t, Wrap(nil, KindFatal, "noop"))
}
