package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/michaelbrown/coderunner/internal/executor"
	"github.com/michaelbrown/coderunner/internal/logging"
	"github.com/michaelbrown/coderunner/internal/sandbox"
	"github.com/michaelbrown/coderunner/internal/sandbox/sandboxtest"
	"github.com/michaelbrown/coderunner/internal/storage"
	"github.com/michaelbrown/coderunner/internal/storage/sqlite"
	"github.com/michaelbrown/coderunner/internal/stream"
)

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skipf("bash not available: %v", err)
	}
}

func newExecutor(t *testing.T, driver sandbox.Driver) (*executor.Executor, string) {
	t.Helper()
	work := t.TempDir()
	return executor.New(executor.Config{
		Policy:        sandbox.DefaultPolicy(),
		WorkDir:       work,
		Timeout:       30 * time.Second,
		MaxConcurrent: 2,
	}, driver, logging.Discard()), work
}

func testStore(t *testing.T) *sqlite.SQLiteStore {
	t.Helper()
	s, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newServer(runner Runner, store storage.Store) *Server {
	return New(runner, store, Options{Runtime: "runsc", Logger: logging.Discard()})
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func lines(body string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		if sc.Text() != "" {
			out = append(out, sc.Text())
		}
	}
	return out
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("work dir has %d leftover entries", len(entries))
	}
}

func TestExecuteStreamsNDJSON(t *testing.T) {
	requireBash(t)
	ex, work := newExecutor(t, &sandboxtest.Driver{})
	srv := newServer(ex, nil)

	rec := post(t, srv, `{"code":"echo hello","language":"bash"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Header().Get("X-Execution-ID") == "" {
		t.Error("missing X-Execution-ID header")
	}

	got := lines(rec.Body.String())
	if len(got) < 2 {
		t.Fatalf("got %d lines: %q", len(got), rec.Body)
	}
	for _, l := range got[:len(got)-1] {
		if !strings.HasPrefix(l, `{"status":"progress"`) {
			t.Errorf("non-progress line before terminal: %s", l)
		}
	}
	if last := got[len(got)-1]; last != `{"stdout":"hello\n","stderr":"","exit_code":0}` {
		t.Errorf("terminal = %s", last)
	}
	assertEmptyDir(t, work)
}

func TestExecuteRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing code", `{"language":"python"}`, "Code or language not provided"},
		{"missing language", `{"code":"print(1)"}`, "Code or language not provided"},
		{"null requirements", `{"code":"","language":"python","requirements":null}`, "Code or language not provided"},
		{"unsupported", `{"code":"puts 1","language":"ruby"}`, "Unsupported language: ruby"},
		{"bash requirements", `{"code":"ls","language":"bash","requirements":"requests"}`, "Requirements are only supported for python"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver := &sandboxtest.Driver{}
			ex, work := newExecutor(t, driver)
			srv := newServer(ex, nil)

			rec := post(t, srv, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("body is not a single JSON object: %v (%q)", err, rec.Body)
			}
			if body["error"] != tt.want {
				t.Errorf("error = %q, want %q", body["error"], tt.want)
			}
			if len(driver.Runs()) != 0 {
				t.Error("runtime was invoked for a rejected request")
			}
			assertEmptyDir(t, work)
		})
	}
}

func TestExecuteInvalidJSON(t *testing.T) {
	ex, _ := newExecutor(t, &sandboxtest.Driver{})
	rec := post(t, newServer(ex, nil), `{"code":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid JSON") {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestExecuteLaunchFailure(t *testing.T) {
	driver := &sandboxtest.Driver{RunErr: sandbox.ErrRuntimeLaunch}
	ex, work := newExecutor(t, driver)
	store := testStore(t)
	srv := newServer(ex, store)

	rec := post(t, srv, `{"code":"print(1)","language":"python"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	ev, err := stream.Collect(rec.Body, nil)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if ev.Kind != stream.KindError || ev.Message != "sandbox runtime unavailable" {
		t.Errorf("terminal = %+v", ev)
	}
	assertEmptyDir(t, work)

	list, err := store.List(context.Background(), storage.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Status != storage.StatusError || list[0].Error != "sandbox runtime unavailable" {
		t.Errorf("history = %+v", list)
	}
}

func TestExecuteRecordsHistory(t *testing.T) {
	requireBash(t)
	ex, _ := newExecutor(t, &sandboxtest.Driver{})
	store := testStore(t)
	srv := newServer(ex, store)

	rec := post(t, srv, `{"code":"echo out; echo err >&2; exit 3","language":"bash"}`)
	id := rec.Header().Get("X-Execution-ID")

	req := httptest.NewRequest(http.MethodGet, "/executions?status=failed", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var list []storage.Execution
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(list) != 1 || list[0].ID != id || list[0].ExitCode != 3 {
		t.Fatalf("list = %+v", list)
	}
	if list[0].Output != "out\n\nerr\n" {
		t.Errorf("output = %q", list[0].Output)
	}

	req = httptest.NewRequest(http.MethodGet, "/executions/"+id[:8], nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", w.Code, w.Body)
	}
	var got storage.Execution
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.ID != id || got.Code != "echo out; echo err >&2; exit 3" {
		t.Errorf("got = %+v", got)
	}
}

func TestGetExecutionNotFound(t *testing.T) {
	srv := newServer(&blockingRunner{}, testStore(t))
	req := httptest.NewRequest(http.MethodGet, "/executions/missing", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHistoryDisabled(t *testing.T) {
	srv := newServer(&blockingRunner{}, nil)
	for _, path := range []string{"/executions", "/executions/abc"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want 503", path, w.Code)
		}
	}
}

func TestHealthz(t *testing.T) {
	srv := newServer(&blockingRunner{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["runtime"] != "runsc" || body["history"] != false {
		t.Errorf("body = %v", body)
	}
}

// blockingRunner holds every execution until release is closed.
type blockingRunner struct {
	started chan struct{}
	release chan struct{}
	ctxErr  chan error
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
		ctxErr:  make(chan error, 8),
	}
}

func (b *blockingRunner) Validate(req executor.Request) error { return nil }

func (b *blockingRunner) Execute(ctx context.Context, req executor.Request, sink executor.Sink) (*executor.Outcome, error) {
	sink.Emit(stream.Progress(executor.MsgExecuting))
	b.started <- struct{}{}
	<-b.release
	b.ctxErr <- ctx.Err()
	sink.Emit(stream.Completed(stream.Result{Stdout: "done\n"}))
	return &executor.Outcome{ID: req.ID, Language: req.Language, Stdout: "done\n"}, nil
}

func TestActiveExecutions(t *testing.T) {
	runner := newBlockingRunner()
	srv := newServer(runner, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := http.Post(ts.URL+"/execute", "application/json", strings.NewReader(`{"code":"x","language":"bash"}`))
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-runner.started

	resp, err := http.Get(ts.URL + "/executions/active")
	if err != nil {
		t.Fatal(err)
	}
	var active []ActiveExecution
	json.NewDecoder(resp.Body).Decode(&active)
	resp.Body.Close()
	if len(active) != 1 || active[0].Language != "bash" || active[0].Transport != "http" {
		t.Errorf("active = %+v", active)
	}
	if active[0].Message != executor.MsgExecuting {
		t.Errorf("message = %q", active[0].Message)
	}

	close(runner.release)
	<-done
	<-runner.ctxErr
	wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Tracker().Wait(wctx); err != nil {
		t.Errorf("tracker still has %d executions", srv.Tracker().Len())
	}
}

func TestExecuteOutlivesClient(t *testing.T) {
	runner := newBlockingRunner()
	srv := newServer(runner, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/execute", strings.NewReader(`{"code":"x","language":"bash"}`))
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-runner.started
	cancel()
	time.Sleep(50 * time.Millisecond)
	close(runner.release)

	if err := <-runner.ctxErr; err != nil {
		t.Errorf("execution context cancelled with the client: %v", err)
	}
}

func TestShutdownWaitsForExecutions(t *testing.T) {
	runner := newBlockingRunner()
	srv := newServer(runner, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	go func() {
		resp, err := http.Post(ts.URL+"/execute", "application/json", strings.NewReader(`{"code":"x","language":"bash"}`))
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-runner.started

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := srv.Shutdown(ctx); err == nil {
		t.Error("Shutdown returned while an execution was running")
	}

	close(runner.release)
	<-runner.ctxErr
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown after drain: %v", err)
	}
}

func TestShutdownHonoursCallerDeadline(t *testing.T) {
	prev := defaultShutdownTimeout
	defaultShutdownTimeout = 100 * time.Millisecond
	t.Cleanup(func() { defaultShutdownTimeout = prev })

	runner := newBlockingRunner()
	srv := newServer(runner, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	go func() {
		resp, err := http.Post(ts.URL+"/execute", "application/json", strings.NewReader(`{"code":"x","language":"bash"}`))
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-runner.started

	// Without a deadline the default bound applies.
	if err := srv.Shutdown(context.Background()); err == nil {
		t.Fatal("Shutdown without a deadline should give up while an execution runs")
	}

	// A longer caller deadline outlasts the default.
	go func() {
		time.Sleep(4 * defaultShutdownTimeout)
		close(runner.release)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 3*defaultShutdownTimeout {
		t.Errorf("Shutdown returned after %s, before the execution finished", elapsed)
	}
	if n := srv.Tracker().Len(); n != 0 {
		t.Errorf("active executions after Shutdown = %d", n)
	}
	<-runner.ctxErr
}
