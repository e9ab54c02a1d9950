// Package stream implements the newline-delimited JSON protocol used to
// report an execution: zero or more progress records followed by exactly
// one terminal record.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tags an Event.
type Kind int

const (
	KindProgress Kind = iota
	KindResult
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindProgress:
		return "progress"
	case KindResult:
		return "result"
	case KindError:
		return "error"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Result is the terminal record of a completed execution.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Output joins stdout and stderr with a newline when both are set.
func (r Result) Output() string {
	switch {
	case r.Stdout == "":
		return r.Stderr
	case r.Stderr == "":
		return r.Stdout
	}
	return r.Stdout + "\n" + r.Stderr
}

// Event is one record of the stream.
type Event struct {
	Kind    Kind
	Message string  // KindProgress and KindError
	Result  *Result // KindResult
}

// Progress returns an advisory progress event.
func Progress(msg string) Event { return Event{Kind: KindProgress, Message: msg} }

// Completed returns the terminal event for a finished execution.
func Completed(r Result) Event { return Event{Kind: KindResult, Result: &r} }

// Failure returns the terminal event for an execution that could not run.
func Failure(msg string) Event { return Event{Kind: KindError, Message: msg} }

// Terminal reports whether no event may follow e.
func (e Event) Terminal() bool { return e.Kind != KindProgress }

type progressRecord struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type errorRecord struct {
	Error string `json:"error"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindProgress:
		return json.Marshal(progressRecord{Status: "progress", Message: e.Message})
	case KindResult:
		if e.Result == nil {
			return nil, errors.New("stream: result event without result")
		}
		return json.Marshal(e.Result)
	case KindError:
		return json.Marshal(errorRecord{Error: e.Message})
	}
	return nil, fmt.Errorf("stream: unknown event kind %d", int(e.Kind))
}

// wireRecord is the union of every record shape.
type wireRecord struct {
	Status   *string `json:"status"`
	Message  string  `json:"message"`
	Stdout   string  `json:"stdout"`
	Stderr   string  `json:"stderr"`
	ExitCode *int    `json:"exit_code"`
	Error    *string `json:"error"`
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var rec wireRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}

	switch {
	case rec.Status != nil && *rec.Status == "progress":
		*e = Progress(rec.Message)
	case rec.Error != nil:
		*e = Failure(*rec.Error)
	default:
		// A record without exit_code never counts as success.
		code := -1
		if rec.ExitCode != nil {
			code = *rec.ExitCode
		}
		*e = Completed(Result{Stdout: rec.Stdout, Stderr: rec.Stderr, ExitCode: code})
	}
	return nil
}
