package notify

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// gatedSink blocks the delivery worker on its first message until
// released, so the queue can be filled deterministically.
type gatedSink struct {
	mu      sync.Mutex
	msgs    []string
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedSink() *gatedSink {
	return &gatedSink{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedSink) Notify(text string) {
	g.once.Do(func() {
		close(g.started)
		<-g.release
	})
	g.mu.Lock()
	g.msgs = append(g.msgs, text)
	g.mu.Unlock()
}

func (g *gatedSink) delivered() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.msgs))
	copy(out, g.msgs)
	return out
}

func TestAsyncDropsWhenQueueFull(t *testing.T) {
	sink := newGatedSink()
	a := NewAsync(sink, 2)

	a.Notify("m0")
	<-sink.started // worker is stuck inside the sink

	a.Notify("m1")
	a.Notify("m2")
	a.Notify("m3") // queue full, dropped

	close(sink.release)
	a.Close()

	require.Equal(t, []string{"m0", "m1", "m2"}, sink.delivered())
}

func TestAsyncCloseDrainsAndIsIdempotent(t *testing.T) {
	sink := newGatedSink()
	close(sink.release) // never block
	a := NewAsync(sink, 8)

	a.Notify("a")
	a.Notify("b")
	a.Close()
	a.Close()

	require.Equal(t, []string{"a", "b"}, sink.delivered())
}
