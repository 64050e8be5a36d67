package main

import (
	"sync"
)

const logBufferSize = 10 * 1024

// CircularBuffer keeps the most recent size bytes written to it
type CircularBuffer struct {
	data []byte
	size int
	mu   sync.RWMutex
}

func NewCircularBuffer(size int) *CircularBuffer {
	return &CircularBuffer{
		data: make([]byte, 0, size),
		size: size,
	}
}

// Write implements io.Writer
func (cb *CircularBuffer) Write(p []byte) (int, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch excess := len(cb.data) + len(p) - cb.size; {
	case excess <= 0:
		cb.data = append(cb.data, p...)
	case excess >= len(cb.data):
		// p alone fills the buffer
		cb.data = append(cb.data[:0], p[len(p)-cb.size:]...)
	default:
		cb.data = append(cb.data[excess:], p...)
	}
	return len(p), nil
}

// Read returns a copy of the buffered bytes
func (cb *CircularBuffer) Read() []byte {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return append([]byte(nil), cb.data...)
}

// Broadcaster fans output chunks out to subscribers. Slow subscribers miss
// chunks instead of blocking the event loop.
type Broadcaster struct {
	clients map[chan string]struct{}
	mu      sync.RWMutex
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[chan string]struct{})}
}

func (b *Broadcaster) Subscribe() chan string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan string, 100)
	b.clients[ch] = struct{}{}
	return ch
}

// Unsubscribe closes ch. Unsubscribing twice is harmless.
func (b *Broadcaster) Unsubscribe(ch chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.clients[ch]; !ok {
		return
	}
	delete(b.clients, ch)
	close(ch)
}

func (b *Broadcaster) Broadcast(msg string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}
