package client

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/michaelbrown/coderunner/internal/logging"
)

// fakeAPI serves a fixed NDJSON body and records the last request.
type fakeAPI struct {
	status int
	body   string

	mu  sync.Mutex
	got map[string]any
}

func (f *fakeAPI) request() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.got
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	json.Unmarshal(data, &f.got)
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if f.status != 0 {
		w.WriteHeader(f.status)
	}
	io.WriteString(w, f.body)
}

func newClient(t *testing.T, api http.Handler) *Client {
	t.Helper()
	ts := httptest.NewServer(api)
	t.Cleanup(ts.Close)
	return New(Config{APIURL: ts.URL + "/execute", Timeout: 5 * time.Second, Debug: true}, logging.Discard())
}

type recorder struct{ statuses []Status }

func (r *recorder) fn(s Status) { r.statuses = append(r.statuses, s) }

func (r *recorder) descriptions() []string {
	out := make([]string, len(r.statuses))
	for i, s := range r.statuses {
		out[i] = s.Description
	}
	return out
}

func TestRunPythonOK(t *testing.T) {
	api := &fakeAPI{body: strings.Join([]string{
		`{"status":"progress","message":"Setting up sandbox..."}`,
		`{"status":"progress","message":"Executing code..."}`,
		`{"stdout":"Hello world!\n","stderr":"","exit_code":0}`,
	}, "\n") + "\n"}
	c := newClient(t, api)
	rec := &recorder{}

	res := c.RunPython(context.Background(), `print("Hello world!")`, WithProgress(rec.fn))
	if res.Status != StatusOK || res.Output != "Hello world!\n" {
		t.Errorf("result = %+v", res)
	}
	want := []string{MsgConnecting, "Setting up sandbox...", "Executing code...", MsgComplete}
	if got := rec.descriptions(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("progress = %q, want %q", got, want)
	}
	if last := rec.statuses[len(rec.statuses)-1]; !last.Done || last.Failed {
		t.Errorf("last status = %+v", last)
	}

	if api.request()["language"] != "python" || api.request()["code"] != `print("Hello world!")` {
		t.Errorf("request = %v", api.request())
	}
	if v, ok := api.request()["requirements"]; !ok || v != nil {
		t.Errorf("requirements = %v, want null", v)
	}
}

func TestRunBashNonZeroExit(t *testing.T) {
	api := &fakeAPI{body: `{"stdout":"partial\n","stderr":"boom\n","exit_code":2}` + "\n"}
	res := newClient(t, api).RunBash(context.Background(), "false")
	if res.Status != StatusError || res.OK() {
		t.Errorf("status = %q, want ERROR", res.Status)
	}
	if res.Output != "partial\n\nboom\n" {
		t.Errorf("output = %q", res.Output)
	}
	if api.request()["language"] != "bash" {
		t.Errorf("language = %v", api.request()["language"])
	}
}

func TestRunWithRequirements(t *testing.T) {
	api := &fakeAPI{body: `{"stdout":"2.32.3\n","stderr":"","exit_code":0}`}
	res := newClient(t, api).RunPython(context.Background(), "import requests", WithRequirements("requests\n"))
	if !res.OK() {
		t.Errorf("result = %+v", res)
	}
	if api.request()["requirements"] != "requests\n" {
		t.Errorf("requirements = %v", api.request()["requirements"])
	}
}

func TestRunErrorRecord(t *testing.T) {
	api := &fakeAPI{body: `{"status":"progress","message":"Setting up sandbox..."}` + "\n" + `{"error":"sandbox runtime unavailable"}` + "\n"}
	res := newClient(t, api).RunPython(context.Background(), "pass")
	if res.Status != StatusError || res.Output != "sandbox runtime unavailable" {
		t.Errorf("result = %+v", res)
	}
}

func TestRunLastRecordWins(t *testing.T) {
	api := &fakeAPI{body: `{"stdout":"one","exit_code":1}` + "\n" + `{"stdout":"two","stderr":"","exit_code":0}`}
	res := newClient(t, api).RunBash(context.Background(), "x")
	if res.Status != StatusOK || res.Output != "two" {
		t.Errorf("result = %+v", res)
	}
}

func TestRunEmptyStream(t *testing.T) {
	api := &fakeAPI{body: `{"status":"progress","message":"Setting up sandbox..."}` + "\n"}
	rec := &recorder{}
	res := newClient(t, api).RunPython(context.Background(), "pass", WithProgress(rec.fn))
	if res.Status != StatusError || res.Output != MsgNoResponse {
		t.Errorf("result = %+v", res)
	}
	for _, s := range rec.statuses {
		if s.Description == MsgComplete {
			t.Error("completion reported for an empty stream")
		}
	}
}

func TestRunMalformedJSON(t *testing.T) {
	api := &fakeAPI{body: "not json\n"}
	rec := &recorder{}
	res := newClient(t, api).RunPython(context.Background(), "pass", WithProgress(rec.fn))
	if res.Status != StatusError || !strings.HasPrefix(res.Output, "Sandbox API response error: ") {
		t.Errorf("result = %+v", res)
	}
	if last := rec.statuses[len(rec.statuses)-1]; !last.Failed {
		t.Errorf("last status = %+v, want failure", last)
	}
}

func TestRunHTTPError(t *testing.T) {
	api := &fakeAPI{status: http.StatusBadRequest, body: `{"error":"Code or language not provided"}`}
	res := newClient(t, api).RunPython(context.Background(), "")
	if res.Status != StatusError {
		t.Fatalf("status = %q", res.Status)
	}
	want := "Sandbox API connection error: 400 Bad Request: Code or language not provided"
	if res.Output != want {
		t.Errorf("output = %q, want %q", res.Output, want)
	}
}

func TestRunConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := New(Config{APIURL: "http://" + addr + "/execute", Timeout: time.Second}, nil)
	res := c.RunBash(context.Background(), "echo hi", WithProgress(nil))
	if res.Status != StatusError || !strings.HasPrefix(res.Output, "Sandbox API connection error: ") {
		t.Errorf("result = %+v", res)
	}
}

func TestRunNilProgress(t *testing.T) {
	api := &fakeAPI{body: `{"status":"progress","message":"p"}` + "\n" + `{"stdout":"ok","stderr":"","exit_code":0}`}
	res := newClient(t, api).RunBash(context.Background(), "x", WithProgress(nil))
	if !res.OK() {
		t.Errorf("result = %+v", res)
	}
}
