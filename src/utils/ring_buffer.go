package utils

import (
	"market-streamer/src/models"
)

// -----------------------------------------------------------------------------
// RingBuffer is a fixed-size circular buffer of candles, oldest evicted first.
// Not safe for concurrent use; the market store guards it.
// -----------------------------------------------------------------------------

type RingBuffer struct {
	data     []models.MCandle
	capacity int
	index    int // Next write position
	size     int // Current number of elements
}

// -----------------------------------------------------------------------------

// NewRingBuffer creates a new buffer with fixed capacity
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 500 // Default reasonable size
	}

	return &RingBuffer{
		data:     make([]models.MCandle, capacity),
		capacity: capacity,
	}
}

// -----------------------------------------------------------------------------

// Append adds a candle, evicting the oldest when full
func (rb *RingBuffer) Append(candle models.MCandle) {
	rb.data[rb.index] = candle
	rb.index = (rb.index + 1) % rb.capacity

	// Update size (never exceeds capacity)
	if rb.size < rb.capacity {
		rb.size++
	}
}

// -----------------------------------------------------------------------------

// Last returns the newest candle
func (rb *RingBuffer) Last() (models.MCandle, bool) {
	if rb.size == 0 {
		return models.MCandle{}, false
	}
	return rb.data[(rb.index-1+rb.capacity)%rb.capacity], true
}

// -----------------------------------------------------------------------------

// ReplaceLast overwrites the newest candle in place
func (rb *RingBuffer) ReplaceLast(candle models.MCandle) bool {
	if rb.size == 0 {
		return false
	}
	rb.data[(rb.index-1+rb.capacity)%rb.capacity] = candle
	return true
}

// -----------------------------------------------------------------------------

// GetLatest returns the n newest candles, oldest first
func (rb *RingBuffer) GetLatest(n int) []models.MCandle {
	if rb.size == 0 || n <= 0 {
		return []models.MCandle{}
	}

	count := n
	if n > rb.size {
		count = rb.size
	}

	result := make([]models.MCandle, count)

	// Latest data is at index-1
	startIdx := (rb.index - count + rb.capacity) % rb.capacity
	for i := 0; i < count; i++ {
		result[i] = rb.data[(startIdx+i)%rb.capacity]
	}

	return result
}

// -----------------------------------------------------------------------------

// GetAll returns all data in insertion order (oldest to newest)
func (rb *RingBuffer) GetAll() []models.MCandle {
	return rb.GetLatest(rb.size)
}

// -----------------------------------------------------------------------------

// Load replaces the contents with candles, keeping only the newest that fit
func (rb *RingBuffer) Load(candles []models.MCandle) {
	rb.Clear()
	if len(candles) > rb.capacity {
		candles = candles[len(candles)-rb.capacity:]
	}
	for _, c := range candles {
		rb.Append(c)
	}
}

// -----------------------------------------------------------------------------

// Size returns current number of elements
func (rb *RingBuffer) Size() int {
	return rb.size
}

// -----------------------------------------------------------------------------

// Clear resets the buffer
func (rb *RingBuffer) Clear() {
	rb.index = 0
	rb.size = 0
}
