// Package notify delivers operator notifications. Senders are
// fire-and-forget: the engine never blocks on a slow messenger.
package notify

import (
	"sync"

	"exitguard/logger"
)

// Notifier is the outbound notification sink.
type Notifier interface {
	Notify(text string)
}

// Nop discards all notifications. Used when no messenger is configured.
type Nop struct{}

func (Nop) Notify(string) {}

// Async wraps a Notifier with a buffered queue and a single delivery
// goroutine. When the queue is full the message is dropped and logged;
// risk decisions never wait on Telegram.
type Async struct {
	sink Notifier
	ch   chan string
	wg   sync.WaitGroup

	closeOnce sync.Once
}

// NewAsync starts the delivery worker. buffer <= 0 falls back to 64.
func NewAsync(sink Notifier, buffer int) *Async {
	if buffer <= 0 {
		buffer = 64
	}
	a := &Async{sink: sink, ch: make(chan string, buffer)}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) run() {
	defer a.wg.Done()
	for msg := range a.ch {
		a.sink.Notify(msg)
	}
}

// Notify enqueues a message, dropping it when the queue is full.
func (a *Async) Notify(text string) {
	select {
	case a.ch <- text:
	default:
		logger.Warnf("notify queue full, dropping message: %.80s", text)
	}
}

// Close stops the worker after draining queued messages.
func (a *Async) Close() {
	a.closeOnce.Do(func() {
		close(a.ch)
		a.wg.Wait()
	})
}
