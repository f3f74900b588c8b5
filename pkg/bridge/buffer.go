package bridge

import "sync"

// Buffer is a fixed length memory zone shared between the application
// and the bridge. Filters copy received payloads into it, periodic
// bindings read their payload from it on every transmission.
// All accesses are synchronized so it can be updated at any time.
type Buffer struct {
	mu   sync.RWMutex
	data []byte
}

// Create a zeroed buffer of given length
func NewBuffer(length int) *Buffer {
	if length < 0 {
		length = 0
	}
	return &Buffer{data: make([]byte, length)}
}

// Create a buffer initialized with a copy of data
func NewBufferFrom(data []byte) *Buffer {
	b := NewBuffer(len(data))
	copy(b.data, data)
	return b
}

func (b *Buffer) Len() int {
	return len(b.data)
}

// Set copies data into the buffer and returns the number of bytes copied
func (b *Buffer) Set(data []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copy(b.data, data)
}

// Bytes returns a copy of the buffer content
func (b *Buffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Copy at most len(dst) bytes of the buffer into dst
func (b *Buffer) read(dst []byte) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return copy(dst, b.data)
}
