// Package protocol encodes finalized caption lines into the fixed-width frame
// understood by the caption display device: three rows of 32 ASCII
// characters separated by CRLF.
package protocol

import (
	"strings"
	"unicode"
)

const (
	// Columns is the width of one device row.
	Columns = 32
	// Rows is the number of rows in every frame.
	Rows = 3
	// CRLF terminates rows on the wire.
	CRLF = "\r\n"
)

// Frame is one encoded device update.
type Frame struct {
	// Rows are the three trimmed rows before padding.
	Rows []string
	// Key identifies the frame's content; equal keys mean an identical screen.
	Key string
	// Payload is the padded rows joined by CRLF, without the final CRLF.
	Payload string
}

// Empty reports whether f carries no rows.
func (f Frame) Empty() bool { return len(f.Rows) == 0 }

// Encode converts up to three source lines into a Frame. It is pure: the
// same lines always produce the same Frame. No lines give the zero Frame.
func Encode(lines []string) Frame {
	var rows []string
	for _, line := range lines {
		rows = append(rows, Wrap(Normalize(line), Columns)...)
	}
	if len(rows) == 0 {
		return Frame{}
	}
	if len(rows) > Rows {
		rows = rows[:Rows]
	}
	out := make([]string, Rows)
	for i, r := range rows {
		out[i] = strings.TrimRight(r, " ")
	}

	padded := make([]string, Rows)
	for i, r := range out {
		padded[i] = r + strings.Repeat(" ", Columns-len(r))
	}
	return Frame{
		Rows:    out,
		Key:     strings.Join(out, "|"),
		Payload: strings.Join(padded, CRLF),
	}
}

// Normalize collapses whitespace, upper-cases, and drops every character the
// device cannot show.
func Normalize(s string) string {
	s = strings.ToUpper(strings.Join(strings.Fields(s), " "))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if allowed(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

func allowed(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	switch r {
	case ' ', '.', ',', '\'', '!', '?', ':':
		return true
	}
	return false
}

// Wrap breaks s into rows no wider than width, greedily by word. A string
// that already fits is returned as a single row, so an empty string yields
// one empty row. Words longer than width are split.
func Wrap(s string, width int) []string {
	if len([]rune(s)) <= width {
		return []string{s}
	}
	var (
		rows []string
		cur  []rune
	)
	for _, word := range strings.FieldsFunc(s, unicode.IsSpace) {
		w := []rune(word)
		for len(w) > width {
			if len(cur) > 0 {
				rows = append(rows, string(cur))
				cur = nil
			}
			rows = append(rows, string(w[:width]))
			w = w[width:]
		}
		switch {
		case len(w) == 0:
		case len(cur) == 0:
			cur = w
		case len(cur)+1+len(w) <= width:
			cur = append(append(cur, ' '), w...)
		default:
			rows = append(rows, string(cur))
			cur = w
		}
	}
	if len(cur) > 0 {
		rows = append(rows, string(cur))
	}
	return rows
}
