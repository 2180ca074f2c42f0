package loki

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewWriterDefaults(t *testing.T) {
	w := NewWriter(Config{URL: "http://localhost:3100"})

	if w.batchSize != 100 {
		t.Errorf("default batchSize = %d, want 100", w.batchSize)
	}
	if w.flushInterval != 5*time.Second {
		t.Errorf("default flushInterval = %v, want 5s", w.flushInterval)
	}
	if w.labels["job"] != "filevault" {
		t.Errorf("default job label = %q, want filevault", w.labels["job"])
	}
}

func TestNewWriterCustomConfig(t *testing.T) {
	w := NewWriter(Config{
		URL:           "http://localhost:3100",
		BatchSize:     50,
		FlushInterval: 10 * time.Second,
		Labels: map[string]string{
			"instance": "vault1",
		},
	})

	if w.batchSize != 50 {
		t.Errorf("batchSize = %d, want 50", w.batchSize)
	}
	if w.flushInterval != 10*time.Second {
		t.Errorf("flushInterval = %v, want 10s", w.flushInterval)
	}
	if w.labels["instance"] != "vault1" {
		t.Errorf("instance label = %q, want vault1", w.labels["instance"])
	}
	// The job label is always present.
	if w.labels["job"] != "filevault" {
		t.Errorf("job label = %q, want filevault", w.labels["job"])
	}
}

func TestWriteBuffersEntries(t *testing.T) {
	w := NewWriter(Config{URL: "http://localhost:3100", BatchSize: 10})

	msg := []byte(`{"level":"info","msg":"upload complete"}`)
	for i := 0; i < 5; i++ {
		n, err := w.Write(msg)
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if n != len(msg) {
			t.Errorf("Write returned %d, want %d", n, len(msg))
		}
	}

	w.mu.Lock()
	got := len(w.pending)
	w.mu.Unlock()
	if got != 5 {
		t.Errorf("pending entries = %d, want 5", got)
	}
}

func TestWriteSkipsEmptyLines(t *testing.T) {
	w := NewWriter(Config{URL: "http://localhost:3100", BatchSize: 10})

	_, _ = w.Write([]byte(""))
	_, _ = w.Write([]byte("   "))
	_, _ = w.Write([]byte("\n"))
	_, _ = w.Write([]byte(`{"level":"info","msg":"real message"}`))

	w.mu.Lock()
	got := len(w.pending)
	w.mu.Unlock()
	if got != 1 {
		t.Errorf("pending entries = %d, want 1", got)
	}
}

func TestWriteFlushesWhenBatchFull(t *testing.T) {
	var requests atomic.Int32
	var payloadMu sync.Mutex
	var payload pushPayload

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		body, _ := io.ReadAll(r.Body)
		payloadMu.Lock()
		_ = json.Unmarshal(body, &payload)
		payloadMu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	w := NewWriter(Config{URL: server.URL, BatchSize: 3})
	w.Start()
	defer w.Stop()

	_, _ = w.Write([]byte(`{"msg":"message 1"}`))
	_, _ = w.Write([]byte(`{"msg":"message 2"}`))
	_, _ = w.Write([]byte(`{"msg":"message 3"}`))

	time.Sleep(100 * time.Millisecond)

	if requests.Load() != 1 {
		t.Errorf("flush requests = %d, want 1", requests.Load())
	}

	payloadMu.Lock()
	defer payloadMu.Unlock()
	if len(payload.Streams) != 1 {
		t.Fatalf("streams = %d, want 1", len(payload.Streams))
	}
	if len(payload.Streams[0].Values) != 3 {
		t.Errorf("values = %d, want 3", len(payload.Streams[0].Values))
	}
}

func TestFlushSendsCorrectPayload(t *testing.T) {
	var payload pushPayload
	var contentType string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	w := NewWriter(Config{
		URL:       server.URL,
		BatchSize: 100,
		Labels:    map[string]string{"instance": "vault1"},
	})

	_, _ = w.Write([]byte(`{"level":"info","msg":"test log line"}`))
	w.flush()

	if contentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", contentType)
	}
	if len(payload.Streams) != 1 {
		t.Fatalf("streams = %d, want 1", len(payload.Streams))
	}

	s := payload.Streams[0]
	if s.Stream["instance"] != "vault1" {
		t.Errorf("instance label = %q, want vault1", s.Stream["instance"])
	}
	if s.Stream["job"] != "filevault" {
		t.Errorf("job label = %q, want filevault", s.Stream["job"])
	}
	if len(s.Values) != 1 {
		t.Fatalf("values = %d, want 1", len(s.Values))
	}
	if len(s.Values[0]) != 2 {
		t.Fatalf("value tuple length = %d, want 2", len(s.Values[0]))
	}
	// Nanosecond timestamps run at least 19 digits.
	if len(s.Values[0][0]) < 19 {
		t.Errorf("timestamp %q too short for nanoseconds", s.Values[0][0])
	}
	if s.Values[0][1] != `{"level":"info","msg":"test log line"}` {
		t.Errorf("unexpected log line: %q", s.Values[0][1])
	}
}

func TestFlushEmptyBuffer(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	w := NewWriter(Config{URL: server.URL, BatchSize: 100})
	w.flush()

	if requests.Load() != 0 {
		t.Errorf("requests for empty buffer = %d, want 0", requests.Load())
	}
}

func TestPeriodicFlush(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	w := NewWriter(Config{
		URL:           server.URL,
		BatchSize:     1000, // keep batch flushes out of the way
		FlushInterval: 50 * time.Millisecond,
	})
	w.Start()

	_, _ = w.Write([]byte(`{"msg":"message 1"}`))
	_, _ = w.Write([]byte(`{"msg":"message 2"}`))

	time.Sleep(100 * time.Millisecond)
	if requests.Load() < 1 {
		t.Errorf("periodic flushes = %d, want at least 1", requests.Load())
	}

	w.Stop()
}

func TestStopFinalFlush(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	w := NewWriter(Config{
		URL:           server.URL,
		BatchSize:     1000,
		FlushInterval: time.Hour,
	})
	w.Start()
	_, _ = w.Write([]byte(`{"msg":"final message"}`))
	w.Stop()

	if requests.Load() != 1 {
		t.Errorf("final flushes on Stop = %d, want 1", requests.Load())
	}
}

func TestLokiUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	w := NewWriter(Config{URL: server.URL, BatchSize: 100})

	n, err := w.Write([]byte(`{"msg":"test"}`))
	if err != nil {
		t.Errorf("Write should never fail: %v", err)
	}
	if n == 0 {
		t.Error("Write should report bytes consumed")
	}

	w.flush()
	if w.FlushErrors() != 1 {
		t.Errorf("FlushErrors = %d, want 1", w.FlushErrors())
	}
}

func TestLokiConnectionRefused(t *testing.T) {
	w := NewWriter(Config{
		URL:       "http://localhost:1",
		BatchSize: 100,
		Timeout:   100 * time.Millisecond,
	})

	_, _ = w.Write([]byte(`{"msg":"test"}`))
	w.flush()

	if w.FlushErrors() == 0 {
		t.Error("expected a flush error against a dead endpoint")
	}
}

func TestConcurrentWrites(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	w := NewWriter(Config{
		URL:           server.URL,
		BatchSize:     10,
		FlushInterval: 50 * time.Millisecond,
	})
	w.Start()
	defer w.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = w.Write([]byte(`{"msg":"concurrent message"}`))
		}()
	}
	wg.Wait()

	time.Sleep(200 * time.Millisecond)
	if requests.Load() < 1 {
		t.Errorf("flush requests = %d, want at least 1", requests.Load())
	}
}
