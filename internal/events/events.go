// Package events defines the typed messages passed between pipeline stages
// and out to caption monitors.
package events

import "time"

// Kind names an event on the wire and in logs.
type Kind string

const (
	KindRawSegment    Kind = "raw_segment"
	KindLineFinalized Kind = "line_finalized"
	KindDisplay       Kind = "display"
	KindLevel         Kind = "level"
)

// Event is implemented by every message published to monitors.
type Event interface {
	Kind() Kind
}

// RawSegment is one piece of recognized text, in engine emission order.
type RawSegment struct {
	Text string
	// Fallback is set when the text came from re-recognizing the long
	// context buffer rather than the current window.
	Fallback bool
	At       time.Time
}

func (RawSegment) Kind() Kind { return KindRawSegment }

// LineFinalized reports a flush that appended Line to the completed lines.
// Tail holds the last (up to three) completed lines after the append.
type LineFinalized struct {
	Line string
	Tail []string
	At   time.Time
}

func (LineFinalized) Kind() Kind { return KindLineFinalized }

// DisplayUpdated carries the three rows currently shown to viewers.
type DisplayUpdated struct {
	Rows [3]string
	At   time.Time
}

func (DisplayUpdated) Kind() Kind { return KindDisplay }

// LevelSample is the peak input level (0..100) of one capture batch.
type LevelSample struct {
	Level int
	At    time.Time
}

func (LevelSample) Kind() Kind { return KindLevel }
