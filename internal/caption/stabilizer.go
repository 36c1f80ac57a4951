// Package caption turns the recognizer's overlapping partial text into a
// monotonic list of finalized lines and the three-row view shown to viewers.
package caption

import (
	"strings"
)

const (
	// MaxCompleted bounds the finalized-line history.
	MaxCompleted = 10
	// DisplayColumns is the wrap width of the on-screen view.
	DisplayColumns = 56
	// DisplayRows is the number of rows shown.
	DisplayRows = 3
	// TailLines is how many finalized lines feed the device frame.
	TailLines = 3
)

// Outcome reports what one Apply or Flush changed.
type Outcome struct {
	// Accepted is set when the text replaced the current line.
	Accepted bool
	// Arm asks the caller to (re)start the flush timer.
	Arm bool
	// Flushed is set when a flush ran on a non-empty current line; the
	// completed-lines tail should be published.
	Flushed bool
	// Appended is set when the flush added Line to the history.
	Appended bool
	Line     string
	// DisplayChanged is set when the three visible rows were redrawn.
	DisplayChanged bool
}

// Stabilizer owns the caption state. It is not safe for concurrent use;
// Runner serializes every call onto one goroutine.
type Stabilizer struct {
	mask *Masker

	current       string
	completed     []string
	display       [DisplayRows]string
	lastDisplayed string
}

// NewStabilizer returns an empty Stabilizer. mask may be nil to disable
// profanity masking.
func NewStabilizer(mask *Masker) *Stabilizer {
	return &Stabilizer{mask: mask}
}

// Apply consumes one recognized segment.
func (s *Stabilizer) Apply(text string) Outcome {
	text = strings.TrimSpace(text)
	if text == "" {
		return Outcome{}
	}
	if strings.EqualFold(text, s.current) {
		return Outcome{}
	}
	if n := len(s.completed); n > 0 && strings.EqualFold(text, s.completed[n-1]) {
		return Outcome{}
	}

	s.current = s.mask.Clean(text)
	out := Outcome{Accepted: true, DisplayChanged: s.refresh()}

	if EndsSentence(s.current) {
		f := s.Flush()
		out.Flushed = f.Flushed
		out.Appended = f.Appended
		out.Line = f.Line
		out.DisplayChanged = out.DisplayChanged || f.DisplayChanged
		return out
	}
	out.Arm = true
	return out
}

// Flush finalizes the current line. It does nothing when the line is empty.
func (s *Stabilizer) Flush() Outcome {
	line := strings.TrimSpace(s.current)
	if line == "" {
		s.current = ""
		return Outcome{}
	}
	line = s.mask.Clean(line)

	out := Outcome{Flushed: true}
	if n := len(s.completed); n == 0 || !strings.EqualFold(line, s.completed[n-1]) {
		s.completed = append(s.completed, line)
		if over := len(s.completed) - MaxCompleted; over > 0 {
			s.completed = append(s.completed[:0], s.completed[over:]...)
		}
		out.Appended = true
		out.Line = line
	}

	s.current = ""
	s.lastDisplayed = ""
	out.DisplayChanged = s.refresh()
	return out
}

// Reset discards all state.
func (s *Stabilizer) Reset() {
	s.current = ""
	s.completed = nil
	s.display = [DisplayRows]string{}
	s.lastDisplayed = ""
}

// Current returns the in-progress line.
func (s *Stabilizer) Current() string { return s.current }

// Completed returns a copy of the finalized lines, oldest first.
func (s *Stabilizer) Completed() []string {
	return append([]string(nil), s.completed...)
}

// Tail returns a copy of the last n finalized lines.
func (s *Stabilizer) Tail(n int) []string {
	if n > len(s.completed) {
		n = len(s.completed)
	}
	return append([]string(nil), s.completed[len(s.completed)-n:]...)
}

// Display returns the rows currently shown.
func (s *Stabilizer) Display() [DisplayRows]string { return s.display }

// refresh recomputes the visible rows and reports whether they changed.
func (s *Stabilizer) refresh() bool {
	var rows []string
	for _, line := range s.completed {
		rows = append(rows, WrapDisplay(line, DisplayColumns)...)
	}
	rows = append(rows, WrapDisplay(s.current, DisplayColumns)...)

	if len(rows) == 0 {
		changed := s.display != [DisplayRows]string{}
		s.display = [DisplayRows]string{}
		return changed
	}
	if len(rows) > DisplayRows {
		rows = rows[len(rows)-DisplayRows:]
	}
	combined := strings.TrimSpace(strings.Join(rows, " "))
	if strings.EqualFold(combined, s.lastDisplayed) {
		return false
	}
	s.lastDisplayed = combined

	var next [DisplayRows]string
	copy(next[:], rows)
	s.display = next
	return true
}

// EndsSentence reports whether text, ignoring trailing whitespace, ends with
// an ellipsis, a double dash, or one of . ! ? ;
func EndsSentence(text string) bool {
	t := strings.TrimRight(text, " \t\r\n")
	if t == "" {
		return false
	}
	if strings.HasSuffix(t, "...") || strings.HasSuffix(t, "--") {
		return true
	}
	switch t[len(t)-1] {
	case '.', '!', '?', ';':
		return true
	}
	return false
}

// WrapDisplay greedily wraps text at width on spaces. Blank text yields no
// rows; a single word wider than width gets a row of its own.
func WrapDisplay(text string, width int) []string {
	var (
		rows []string
		cur  strings.Builder
		n    int
	)
	for _, word := range strings.Fields(text) {
		wl := len([]rune(word))
		if n > 0 && n+1+wl > width {
			rows = append(rows, cur.String())
			cur.Reset()
			n = 0
		}
		if n > 0 {
			cur.WriteByte(' ')
			n++
		}
		cur.WriteString(word)
		n += wl
	}
	if n > 0 {
		rows = append(rows, cur.String())
	}
	return rows
}
