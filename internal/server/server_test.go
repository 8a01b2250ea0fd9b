package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cwbudde/clhost/internal/cl"
	"github.com/cwbudde/clhost/internal/cl/clfake"
	"github.com/cwbudde/clhost/internal/kernels"
	"github.com/cwbudde/clhost/internal/store"
)

// setupTestServer returns a server on the default fake driver with a store
// in a temporary directory. Jobs are cancelled when the test ends.
func setupTestServer(t *testing.T) (*Server, *store.FSStore) {
	t.Helper()

	st, err := store.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	s := NewServer(":0", clfake.Default(), st)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s, st
}

func postBuild(t *testing.T, h http.Handler, req BuildRequest) *httptest.ResponseRecorder {
	t.Helper()

	body, _ := json.Marshal(req)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/builds", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestServer_CreateBuild(t *testing.T) {
	s, _ := setupTestServer(t)

	w := postBuild(t, s.Handler(), BuildRequest{Source: kernels.Source, Verify: true, Elements: 64})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var job Job
	if err := json.NewDecoder(w.Body).Decode(&job); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if job.ID == "" {
		t.Error("Job ID should not be empty")
	}
	if job.State != StatePending {
		t.Errorf("Expected pending state in the response, got %s", job.State)
	}

	s.worker.Wait()

	done, _ := s.jobManager.GetJob(job.ID)
	if done.State != StateCompleted || done.Status != store.StatusVerified {
		t.Errorf("Expected completed verified job, got %s/%s (%s)", done.State, done.Status, done.Error)
	}
}

func TestServer_CreateBuild_Validation(t *testing.T) {
	s, _ := setupTestServer(t)
	h := s.Handler()

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "{"},
		{"no source", `{"buildOptions":"-Werror"}`},
		{"bad device type", `{"source":"k","deviceType":"fpga"}`},
		{"negative elements", `{"source":"k","elements":-1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/v1/builds", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", w.Code)
			}
		})
	}

	if n := len(s.jobManager.ListJobs()); n != 0 {
		t.Errorf("Rejected requests should not create jobs, got %d", n)
	}
}

func TestServer_ListBuilds(t *testing.T) {
	s, _ := setupTestServer(t)

	s.jobManager.CreateJob(BuildRequest{Source: "a"})
	s.jobManager.CreateJob(BuildRequest{Source: "b"})

	r := httptest.NewRequest(http.MethodGet, "/api/v1/builds", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var jobs []Job
	if err := json.NewDecoder(w.Body).Decode(&jobs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("Expected 2 jobs, got %d", len(jobs))
	}
}

func TestServer_BuildsMethodNotAllowed(t *testing.T) {
	s, _ := setupTestServer(t)

	r := httptest.NewRequest(http.MethodDelete, "/api/v1/builds", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestServer_GetBuildAndLog(t *testing.T) {
	s, _ := setupTestServer(t)
	h := s.Handler()

	w := postBuild(t, h, BuildRequest{Source: "__kernel void add() {}\n#error unbalanced braces\n"})
	var job Job
	json.NewDecoder(w.Body).Decode(&job)
	s.worker.Wait()

	r := httptest.NewRequest(http.MethodGet, "/api/v1/builds/"+job.ID, nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var got Job
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode job: %v", err)
	}
	if got.State != StateFailed {
		t.Errorf("Expected failed state, got %s", got.State)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/v1/builds/"+job.ID+"/log", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Expected text/plain, got %s", ct)
	}
	if !strings.Contains(w.Body.String(), "<source>:2:2: error: unbalanced braces") {
		t.Errorf("Unexpected log body: %q", w.Body.String())
	}
}

func TestServer_GetBuild_NotFound(t *testing.T) {
	s, _ := setupTestServer(t)
	h := s.Handler()

	for _, path := range []string{
		"/api/v1/builds/nonexistent",
		"/api/v1/builds/nonexistent/log",
		"/api/v1/builds/nonexistent/stream",
		"/api/v1/builds/nonexistent/unknown",
	} {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)

		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected status 404, got %d", path, w.Code)
		}
	}
}

func TestServer_Platforms(t *testing.T) {
	s, _ := setupTestServer(t)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/platforms", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var infos []cl.PlatformInfo
	if err := json.NewDecoder(w.Body).Decode(&infos); err != nil {
		t.Fatalf("Failed to decode platforms: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "Fake OpenCL" || len(infos[0].Devices) != 2 {
		t.Errorf("Unexpected platforms: %+v", infos)
	}
}

func TestServer_PlatformsEmpty(t *testing.T) {
	s := NewServer(":0", clfake.New(), nil)
	defer s.Shutdown(context.Background())

	r := httptest.NewRequest(http.MethodGet, "/api/v1/platforms", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("Expected empty list, got %d %q", w.Code, w.Body.String())
	}
}

func TestServer_Reports(t *testing.T) {
	s, _ := setupTestServer(t)
	h := s.Handler()

	w := postBuild(t, h, BuildRequest{Source: kernels.Source, Kernels: []string{"add"}})
	var job Job
	json.NewDecoder(w.Body).Decode(&job)
	s.worker.Wait()

	r := httptest.NewRequest(http.MethodGet, "/api/v1/reports", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)

	var infos []store.ReportInfo
	if err := json.NewDecoder(w.Body).Decode(&infos); err != nil {
		t.Fatalf("Failed to decode reports: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != job.ID {
		t.Fatalf("Expected the job's report, got %+v", infos)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/v1/reports/"+job.ID, nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)

	var report store.Report
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatalf("Failed to decode report: %v", err)
	}
	if report.Status != store.StatusBuilt || len(report.Kernels) != 1 {
		t.Errorf("Unexpected report: %+v", report)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/v1/reports/missing", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for missing report, got %d", w.Code)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	s, _ := setupTestServer(t)

	r := httptest.NewRequest(http.MethodOptions, "/api/v1/builds", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Missing CORS header")
	}
}

func TestServer_JobStream_SSE(t *testing.T) {
	s, _ := setupTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	body, _ := json.Marshal(BuildRequest{Source: kernels.Source, Verify: true, Elements: 16})
	resp, err := http.Post(ts.URL+"/api/v1/builds", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	var job Job
	json.NewDecoder(resp.Body).Decode(&job)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/v1/builds/%s/stream", ts.URL, job.ID), nil)
	stream, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Stream request failed: %v", err)
	}
	defer stream.Body.Close()

	if ct := stream.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream content type, got %s", ct)
	}

	var last JobEvent
	scanner := bufio.NewScanner(stream.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &last); err != nil {
			t.Fatalf("Invalid event %q: %v", line, err)
		}
		if last.State.Terminal() {
			break
		}
	}

	if last.JobID != job.ID {
		t.Errorf("Expected events for %s, got %s", job.ID, last.JobID)
	}
	if last.State != StateCompleted || last.Status != store.StatusVerified {
		t.Errorf("Expected final completed/verified event, got %+v", last)
	}
}

func TestServer_Shutdown(t *testing.T) {
	s := NewServer("127.0.0.1:0", clfake.Default(), nil)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	select {
	case err := <-errCh:
		if err != http.ErrServerClosed {
			t.Errorf("Expected ErrServerClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}

func TestServer_ShutdownWithOpenStream(t *testing.T) {
	drv := clfake.Default()
	drv.Timing = func(kernel string, global, local int) time.Duration {
		time.Sleep(200 * time.Millisecond)
		return time.Millisecond
	}
	s := NewServer("127.0.0.1:0", drv, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ln) }()
	base := "http://" + ln.Addr().String()

	var ids []string
	for i := 0; i < 2; i++ {
		body, _ := json.Marshal(BuildRequest{Source: kernels.Source, Verify: true, Elements: 64})
		resp, err := http.Post(base+"/api/v1/builds", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("POST failed: %v", err)
		}
		var job Job
		json.NewDecoder(resp.Body).Decode(&job)
		resp.Body.Close()
		ids = append(ids, job.ID)
	}

	stream, err := http.Get(fmt.Sprintf("%s/api/v1/builds/%s/stream", base, ids[1]))
	if err != nil {
		t.Fatalf("Failed to open stream: %v", err)
	}
	defer stream.Body.Close()

	reader := bufio.NewReader(stream.Body)
	line, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "data: ") {
		t.Fatalf("Expected initial event, got %q (%v)", line, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	start := time.Now()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Shutdown took %s with an open stream", elapsed)
	}

	for _, id := range ids {
		job, _ := s.jobManager.GetJob(id)
		if job.State != StateCancelled {
			t.Errorf("Job %s: expected cancelled, got %s", id, job.State)
		}
	}

	select {
	case err := <-errCh:
		if err != http.ErrServerClosed {
			t.Errorf("Expected ErrServerClosed, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestEventBroadcaster(t *testing.T) {
	eb := NewEventBroadcaster()

	ch := eb.Subscribe("job1")
	defer eb.Unsubscribe("job1", ch)

	eb.Broadcast(JobEvent{
		JobID:     "job1",
		State:     StateRunning,
		Timestamp: time.Now(),
	})

	select {
	case received := <-ch:
		if received.JobID != "job1" || received.State != StateRunning {
			t.Errorf("Unexpected event: %+v", received)
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for event")
	}

	// late subscribers get the last event first
	late := eb.Subscribe("job1")
	select {
	case received := <-late:
		if received.State != StateRunning {
			t.Errorf("Expected replayed running event, got %+v", received)
		}
	case <-time.After(time.Second):
		t.Error("Late subscriber did not receive last event")
	}

	eb.CleanupJob("job1")
	if _, ok := <-late; ok {
		t.Error("CleanupJob should close subscriber channels")
	}
}
