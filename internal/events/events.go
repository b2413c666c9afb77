// Package events defines the event stream the core pushes to a host and
// the host pulls from, for both the download engine and the scraper
// (spec.md §4.8, §9).
package events

import (
	"sync/atomic"
	"time"
)

// Kind identifies the shape of an Event's payload fields.
type Kind string

// Downloader event kinds.
const (
	KindListing         Kind = "listing"
	KindFiltered        Kind = "filtered"
	KindBatchStart      Kind = "batch-start"
	KindStart           Kind = "start"
	KindProgress        Kind = "progress"
	KindComplete        Kind = "complete"
	KindError           Kind = "error"
	KindExtractStart    Kind = "extract:start"
	KindExtractComplete Kind = "extract:complete"
	KindExtractError    Kind = "extract:error"
	KindBatchComplete   Kind = "batch-complete"
)

// Scraper event kinds.
const (
	KindScan             Kind = "scan"
	KindLookup           Kind = "lookup"
	KindDownloadStart    Kind = "download:start"
	KindDownloadComplete Kind = "download:complete"
	KindDownloadError    Kind = "download:error"
)

// Event carries a stable id plus enough fields for a host to render
// progress without reading back into core state.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	System    string    `json:"system,omitempty"`
	Source    string    `json:"source,omitempty"`
	File      string    `json:"file,omitempty"`
	Bytes     int64     `json:"bytes,omitempty"`
	Total     int64     `json:"total,omitempty"`
	Message   string    `json:"message,omitempty"`
	Counts    *Counts   `json:"counts,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Counts summarizes a batch outcome.
type Counts struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Sink receives events as the core produces them. Implementations must
// not block indefinitely; a buffered channel-backed Sink is typical.
type Sink interface {
	Emit(Event)
}

// Stream is a Sink backed by a channel, closed when the producing
// operation finishes or its context is cancelled.
type Stream struct {
	ch chan Event
}

// NewStream creates a Stream with the given buffer size.
func NewStream(buffer int) *Stream {
	return &Stream{ch: make(chan Event, buffer)}
}

// Emit implements Sink. It blocks while the buffer is full and nobody is
// reading; once Close has been called it drops the event instead of
// panicking.
func (s *Stream) Emit(e Event) {
	defer func() { recover() }()
	s.ch <- e
}

// Events returns the receive-only channel a host pulls from.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Close signals no further events will be emitted.
func (s *Stream) Close() {
	close(s.ch)
}

var idCounter int64

// NextID returns a monotonically increasing id unique within this process,
// stable for the lifetime of the event stream.
func NextID() string {
	return formatID(atomic.AddInt64(&idCounter, 1))
}

func formatID(n int64) string {
	const digits = "0123456789"
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = digits[n%10]
		n /= 10
	}
	return string(buf[i:])
}
