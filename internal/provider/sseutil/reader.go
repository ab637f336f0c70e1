// Package sseutil provides shared SSE parsing and chunk-building helpers for
// provider adapters.
package sseutil

import (
	"bufio"
	"io"
	"strings"
)

const maxLineSize = 128 * 1024 // per SSE line; large tool-call arguments fit

// NewScanner returns a bufio.Scanner sized for SSE lines. Each Scan() yields
// one line without the trailing newline.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseLine parses a single SSE line into its field name and value.
// It returns ok=false for blank lines, comments, and lines without a colon.
//
//	"event: <type>"   -> field="event", value=type
//	"data: <payload>" -> field="data", value=payload
//	": keepalive"     -> ok=false
func ParseLine(line string) (field, value string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", "", false
	}
	field, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	return field, strings.TrimPrefix(value, " "), true
}
