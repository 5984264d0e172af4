package conn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeSink struct {
	closed bool
	reason error
}

func (f *fakeSink) Accepted(h *Handle)   {}
func (f *fakeSink) Connected(h *Handle)  {}
func (f *fakeSink) ReadReady()           {}
func (f *fakeSink) WriteReady()          {}
func (f *fakeSink) Closing(reason error) { f.closed = true; f.reason = reason }

type fakeRegistrar struct {
	reads, writes, unregs int
}

func (f *fakeRegistrar) RegisterRead(index, fd int, h *Handle) error  { f.reads++; return nil }
func (f *fakeRegistrar) RegisterWrite(index, fd int, h *Handle) error { f.writes++; return nil }
func (f *fakeRegistrar) Unregister(index, fd int)                     { f.unregs++ }

type syncSubmitter struct{}

func (syncSubmitter) Submit(task func()) error { task(); return nil }

func newTestHandle(fd int, registry *Registry) (*Handle, *fakeSink, *fakeRegistrar) {
	sink := &fakeSink{}
	reg := &fakeRegistrar{}
	h := NewHandle(fd, 0, sink, reg, syncSubmitter{}, registry, "127.0.0.1:0")
	return h, sink, reg
}

func TestRegistryAddLinksAfterHead(t *testing.T) {
	r := NewRegistry()
	h1, _, _ := newTestHandle(9001, r)
	h2, _, _ := newTestHandle(9002, r)

	r.Add(h1)
	assert.Equal(t, 1, r.Len())

	r.Add(h2)
	assert.Equal(t, 2, r.Len())
	assert.Same(t, h1, h2.prev)
	assert.Nil(t, h1.prev)
}

func TestRegistryRemoveFixesUpLinks(t *testing.T) {
	r := NewRegistry()
	h1, _, _ := newTestHandle(9011, r)
	h2, _, _ := newTestHandle(9012, r)
	h3, _, _ := newTestHandle(9013, r)
	r.Add(h1)
	r.Add(h2)
	r.Add(h3)
	assert.Equal(t, 3, r.Len())

	r.Remove(h2)
	assert.Equal(t, 2, r.Len())
	assert.Nil(t, h2.prev)
	assert.Nil(t, h2.next)

	snapshot := r.Snapshot()
	assert.Len(t, snapshot, 2)
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	h, _, _ := newTestHandle(9021, r)
	r.Add(h)
	r.Remove(h)
	assert.Equal(t, 0, r.Len())
	r.Remove(h)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryCloseAllClosesEveryHandleExactlyOnce(t *testing.T) {
	r := NewRegistry()
	h1, sink1, _ := newTestHandle(9031, r)
	h2, sink2, _ := newTestHandle(9032, r)
	r.Add(h1)
	r.Add(h2)

	err := r.CloseAll()
	assert.NoError(t, err)
	assert.Equal(t, 0, r.Len())
	assert.True(t, sink1.closed)
	assert.True(t, sink2.closed)
	assert.True(t, h1.Closed())
	assert.True(t, h2.Closed())
}
