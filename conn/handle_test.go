package conn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandleCloseIsIdempotent(t *testing.T) {
	r := NewRegistry()
	h, sink, reg := newTestHandle(9101, r)
	r.Add(h)

	boom := errors.New("boom")
	assert.NoError(t, h.CloseReason(boom))
	assert.True(t, h.Closed())
	assert.Equal(t, boom, h.Reason())
	assert.True(t, sink.closed)
	assert.Equal(t, boom, sink.reason)
	assert.Equal(t, 1, reg.unregs)

	// second close is a no-op: no second Closing(), reason unchanged.
	sink.closed = false
	assert.NoError(t, h.CloseReason(errors.New("ignored")))
	assert.False(t, sink.closed)
	assert.Equal(t, boom, h.Reason())
	assert.Equal(t, 1, reg.unregs)
}

func TestHandleCloseRemovesFromRegistry(t *testing.T) {
	r := NewRegistry()
	h, _, _ := newTestHandle(9102, r)
	r.Add(h)
	assert.Equal(t, 1, r.Len())

	_ = h.Close()
	assert.Equal(t, 0, r.Len())
}

func TestSelectForReadWriteAfterCloseIsRejected(t *testing.T) {
	r := NewRegistry()
	h, _, reg := newTestHandle(9103, r)
	r.Add(h)
	_ = h.Close()

	assert.ErrorIs(t, h.SelectForRead(), ErrHandleClosed)
	assert.ErrorIs(t, h.SelectForWrite(), ErrHandleClosed)
	assert.Equal(t, 0, reg.reads)
	assert.Equal(t, 0, reg.writes)
}

func TestSelectForReadPostsToRegistrar(t *testing.T) {
	r := NewRegistry()
	h, _, reg := newTestHandle(9104, r)
	r.Add(h)

	assert.NoError(t, h.SelectForRead())
	assert.NoError(t, h.SelectForWrite())
	assert.Equal(t, 1, reg.reads)
	assert.Equal(t, 1, reg.writes)
}

func TestDispatchReadReadyNoOpAfterClose(t *testing.T) {
	r := NewRegistry()
	h, sink, _ := newTestHandle(9105, r)
	r.Add(h)
	_ = h.Close()
	sink.closed = false

	h.DispatchReadReady()
	h.DispatchWriteReady()
	// no panic, no additional sink activity beyond the original Closing.
	assert.False(t, sink.closed)
}

func TestNewHandleStartsInNewState(t *testing.T) {
	r := NewRegistry()
	h, _, _ := newTestHandle(9106, r)
	assert.Equal(t, "new", h.State())
	r.Add(h)
	h.DispatchAccepted()
	assert.Equal(t, "open", h.State())
}
