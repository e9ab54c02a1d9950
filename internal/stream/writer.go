package stream

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
)

// ErrTerminated is returned when emitting after the terminal record.
var ErrTerminated = errors.New("stream: terminal record already written")

// Writer emits events as newline-terminated JSON, flushing after each
// record so the client sees progress as it happens.
type Writer struct {
	mu    sync.Mutex
	w     io.Writer
	flush func() error
	done  bool
}

// NewWriter wraps w. flush may be nil.
func NewWriter(w io.Writer, flush func() error) *Writer {
	return &Writer{w: w, flush: flush}
}

// NewHTTPWriter wraps an HTTP response body.
func NewHTTPWriter(w http.ResponseWriter) *Writer {
	rc := http.NewResponseController(w)
	return NewWriter(w, func() error {
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	})
}

// Emit writes one record. After a terminal record every call fails with
// ErrTerminated.
func (w *Writer) Emit(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return ErrTerminated
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if ev.Terminal() {
		w.done = true
	}

	data = append(data, '\n')
	if _, err := w.w.Write(data); err != nil {
		return err
	}
	if w.flush != nil {
		return w.flush()
	}
	return nil
}

// Terminated reports whether the terminal record has been written.
func (w *Writer) Terminated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// Close finishes the stream. Later calls to Emit fail with ErrTerminated.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.done = true
	return nil
}
