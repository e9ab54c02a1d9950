package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNoTerminal means the stream ended without a terminal record.
	ErrNoTerminal = errors.New("stream: ended without a terminal record")
	// ErrMalformed means a line was not a valid record.
	ErrMalformed = errors.New("stream: malformed record")
)

// Decoder reads events one line at a time.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next event, skipping blank lines. It returns io.EOF
// once the stream is exhausted.
func (d *Decoder) Next() (Event, error) {
	for {
		line, err := d.r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var ev Event
			if jerr := json.Unmarshal(line, &ev); jerr != nil {
				return Event{}, fmt.Errorf("%w: %w", ErrMalformed, jerr)
			}
			return ev, nil
		}
		if err != nil {
			return Event{}, err
		}
	}
}

// Collect consumes a whole stream. Progress events go to onProgress
// (which may be nil); every other record is buffered and the last one is
// returned as the terminal record. A stream with no such record yields
// ErrNoTerminal.
func Collect(r io.Reader, onProgress func(msg string)) (Event, error) {
	dec := NewDecoder(r)

	var (
		last Event
		seen bool
	)
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Event{}, err
		}

		if ev.Kind == KindProgress {
			if onProgress != nil {
				onProgress(ev.Message)
			}
			continue
		}
		last, seen = ev, true
	}

	if !seen {
		return Event{}, ErrNoTerminal
	}
	return last, nil
}
