package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/c0deZ3R0/go-replica-kit/checkpoint"
	"github.com/c0deZ3R0/go-replica-kit/document"
	"github.com/c0deZ3R0/go-replica-kit/errors"
	"github.com/c0deZ3R0/go-replica-kit/logging"
)

// LiveEvent is one notification from the live change source. Exactly one of
// Resync, Documents or Err is meaningful: a resync marker tells the driver
// to run a full pull cycle, a batch carries changed documents with their
// checkpoint, and Err reports a stream-level failure the driver may want to
// surface as a signal.
type LiveEvent struct {
	Resync     bool
	Documents  []document.Document
	Checkpoint checkpoint.Checkpoint
	Err        error
}

// liveSource delivers change notifications while the replication is live.
type liveSource interface {
	Events() <-chan LiveEvent
	Close()
}

// pullBatch mirrors the wire shape of pull responses and stream batches.
type pullBatch struct {
	Documents  []document.Document   `json:"documents"`
	Checkpoint checkpoint.Checkpoint `json:"checkpoint"`
}

// streamError mirrors the wire shape of error frames on the stream.
type streamError struct {
	Code    int    `json:"code"`
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

// sseSource consumes the pullStream endpoint over server-sent events. On
// credential failure it emits an unauthorized event, waits for the retry
// interval and reconnects with fresh headers, so a caller that swaps in new
// credentials on the signal recovers without restarting the replication.
type sseSource struct {
	url       string
	headers   func() map[string]string
	client    *http.Client
	retryTime time.Duration
	logger    *logging.Logger
	events    chan LiveEvent
	cancel    context.CancelFunc
	done      chan struct{}
}

func newSSESource(ctx context.Context, url string, headers func() map[string]string, client *http.Client, retryTime time.Duration, logger *logging.Logger) *sseSource {
	ctx, cancel := context.WithCancel(ctx)
	s := &sseSource{
		url:       url,
		headers:   headers,
		client:    client,
		retryTime: retryTime,
		logger:    logger,
		events:    make(chan LiveEvent, 16),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

func (s *sseSource) Events() <-chan LiveEvent { return s.events }

func (s *sseSource) Close() {
	s.cancel()
	<-s.done
}

func (s *sseSource) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	for ctx.Err() == nil {
		terminal := s.connect(ctx)
		if terminal {
			return
		}
		if !sleep(ctx, s.retryTime) {
			return
		}
	}
}

// connect opens the stream once and consumes it until it breaks. It returns
// true when the source must not reconnect.
func (s *sseSource) connect(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		s.emit(ctx, LiveEvent{Err: errors.NewNetwork(errors.OpStream, err)})
		return true
	}
	// Headers are read at connect time so rotated credentials take effect
	// on the next reconnect.
	for k, v := range s.headers() {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		s.emit(ctx, LiveEvent{Err: errors.NewNetwork(errors.OpStream, err)})
		return false
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Connected. Events may have been missed while disconnected, so a
		// fresh stream always begins with a resync.
		if !s.emit(ctx, LiveEvent{Resync: true}) {
			return true
		}
		return s.consume(ctx, resp.Body)
	case http.StatusUnauthorized:
		io.Copy(io.Discard, resp.Body)
		s.emit(ctx, LiveEvent{Err: errors.NewUnauthorized(errors.OpStream,
			fmt.Errorf("stream rejected with status %d", resp.StatusCode))})
		return false
	case http.StatusUpgradeRequired:
		io.Copy(io.Discard, resp.Body)
		s.emit(ctx, LiveEvent{Err: errors.NewOutdated(errors.OpStream,
			fmt.Errorf("endpoint version is outdated"))})
		return true
	default:
		io.Copy(io.Discard, resp.Body)
		s.emit(ctx, LiveEvent{Err: errors.NewNetwork(errors.OpStream,
			fmt.Errorf("stream rejected with status %d", resp.StatusCode))})
		return false
	}
}

func (s *sseSource) consume(ctx context.Context, body io.Reader) bool {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		if payload == `"RESYNC"` {
			if !s.emit(ctx, LiveEvent{Resync: true}) {
				return true
			}
			continue
		}

		var serr streamError
		if err := json.Unmarshal([]byte(payload), &serr); err == nil && serr.Error {
			if serr.Code == http.StatusUnauthorized {
				s.emit(ctx, LiveEvent{Err: errors.NewUnauthorized(errors.OpStream,
					fmt.Errorf("stream credential expired"))})
				return false
			}
			s.emit(ctx, LiveEvent{Err: errors.NewNetwork(errors.OpStream,
				fmt.Errorf("stream error: %s", serr.Message))})
			return false
		}

		var batch pullBatch
		if err := json.Unmarshal([]byte(payload), &batch); err != nil {
			s.logger.Warn("dropping undecodable stream frame", slog.String("error", err.Error()))
			continue
		}
		if !s.emit(ctx, LiveEvent{Documents: batch.Documents, Checkpoint: batch.Checkpoint}) {
			return true
		}
	}
	return ctx.Err() != nil
}

func (s *sseSource) emit(ctx context.Context, ev LiveEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// pollSource is the fallback for environments where a long-lived stream is
// not possible. It emits a resync marker on a fixed interval, which drives
// a full pull cycle each time.
type pollSource struct {
	events chan LiveEvent
	cancel context.CancelFunc
	done   chan struct{}
}

func newPollSource(ctx context.Context, interval time.Duration) *pollSource {
	ctx, cancel := context.WithCancel(ctx)
	p := &pollSource{
		events: make(chan LiveEvent, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run(ctx, interval)
	return p
}

func (p *pollSource) Events() <-chan LiveEvent { return p.events }

func (p *pollSource) Close() {
	p.cancel()
	<-p.done
}

func (p *pollSource) run(ctx context.Context, interval time.Duration) {
	defer close(p.done)
	defer close(p.events)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case p.events <- LiveEvent{Resync: true}:
			default:
			}
		}
	}
}

// sleep waits for d or until the context is cancelled, reporting whether
// the full duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
