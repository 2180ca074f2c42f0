// Package loki provides a zerolog writer that ships logs to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Loki base URL (e.g. "http://localhost:3100")
	Labels        map[string]string // static labels attached to every entry
	BatchSize     int               // entries per push (default 100)
	FlushInterval time.Duration     // default 5s
	Timeout       time.Duration     // HTTP timeout (default 10s)
}

// Writer buffers log lines and pushes them to Loki in batches. It
// implements io.Writer so it can sit behind zerolog.MultiLevelWriter.
// Write never fails: a dead Loki must not take logging down with it.
type Writer struct {
	url    string
	labels map[string]string
	client *http.Client

	mu        sync.Mutex
	pending   []record
	batchSize int

	flushInterval time.Duration
	flushKick     chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	flushing    atomic.Bool
	flushErrors atomic.Uint64
}

type record struct {
	ts   time.Time
	line string
}

// pushPayload matches the body of Loki's /loki/api/v1/push endpoint.
type pushPayload struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewWriter creates a Loki writer. Call Start to begin shipping and Stop
// to drain on shutdown.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Labels == nil {
		cfg.Labels = make(map[string]string)
	}
	if _, ok := cfg.Labels["job"]; !ok {
		cfg.Labels["job"] = "filevault"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{
		url:           cfg.URL,
		labels:        cfg.Labels,
		client:        &http.Client{Timeout: cfg.Timeout},
		pending:       make([]record, 0, cfg.BatchSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		flushKick:     make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Write buffers one log line. zerolog reuses its buffer, so the line is
// copied before Write returns.
func (w *Writer) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}

	w.mu.Lock()
	w.pending = append(w.pending, record{ts: time.Now(), line: line})
	full := len(w.pending) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushKick <- struct{}{}:
		default: // a flush is already queued
		}
	}
	return len(p), nil
}

// Start launches the background flush loop.
func (w *Writer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-w.ctx.Done():
				return
			case <-ticker.C:
				w.flush()
			case <-w.flushKick:
				w.flush()
			}
		}
	}()
}

// Stop shuts the writer down, pushing anything still buffered.
func (w *Writer) Stop() {
	w.cancel()
	w.wg.Wait()
	w.flush()
}

// FlushErrors returns the number of failed pushes.
func (w *Writer) FlushErrors() uint64 {
	return w.flushErrors.Load()
}

func (w *Writer) flush() {
	if !w.flushing.CompareAndSwap(false, true) {
		return
	}
	defer w.flushing.Store(false)

	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = make([]record, 0, w.batchSize)
	w.mu.Unlock()

	// Loki wants nanosecond timestamps as strings.
	values := make([][]string, len(batch))
	for i, r := range batch {
		values[i] = []string{strconv.FormatInt(r.ts.UnixNano(), 10), r.line}
	}
	body, err := json.Marshal(pushPayload{
		Streams: []stream{{Stream: w.labels, Values: values}},
	})
	if err != nil {
		w.fail("marshal payload: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+"/loki/api/v1/push", bytes.NewReader(body))
	if err != nil {
		w.fail("build request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.fail("push: %v", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		w.fail("push: status %d", resp.StatusCode)
	}
}

// fail counts a flush error. Only the first few are echoed to stderr so a
// long Loki outage does not turn into stderr spam (and writing through the
// logger here would loop).
func (w *Writer) fail(format string, args ...any) {
	if w.flushErrors.Add(1) <= 3 {
		fmt.Fprintf(os.Stderr, "loki: "+format+"\n", args...)
	}
}
