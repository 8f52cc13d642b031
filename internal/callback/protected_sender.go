package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

// Sender delivers one payload to the upstream ingest endpoint.

type Sender interface {
	Send(ctx context.Context, url string, p Payload) error
}

type HTTPSender struct {
	client *http.Client
}

func NewHTTPSender(timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSender{client: &http.Client{Timeout: timeout}}
}

func (s *HTTPSender) Send(ctx context.Context, url string, p Payload) error {
	body, err := json.Marshal(p)

	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))

	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)

	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	return nil
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

type ProtectedSenderConfig struct {
	Timeout          time.Duration // hard timeout per send
	FailureThreshold int           // consecutive failures before the breaker trips
	Cooldown         time.Duration // open duration before probing resumes
	HalfOpenMaxCalls int           // concurrent probes allowed while half-open
}

// ProtectedSender puts a circuit breaker in front of a Sender. While the
// upstream keeps failing, delivery attempts short-circuit with
// ErrCircuitOpen instead of each eating a full timeout; once the cooldown
// lapses a limited number of probe calls decide whether to close again.

type ProtectedSender struct {
	inner Sender
	cfg   ProtectedSenderConfig

	mu        sync.Mutex
	state     breakerState
	failures  int       // consecutive, reset on any success
	openUntil time.Time // when the open state expires into half-open
	probes    int       // in-flight half-open calls
}

func NewProtectedSender(inner Sender, cfg ProtectedSenderConfig) *ProtectedSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}

	return &ProtectedSender{inner: inner, cfg: cfg}
}

func (s *ProtectedSender) Send(ctx context.Context, url string, p Payload) error {
	if err := s.acquire(); err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	err := s.inner.Send(sendCtx, url, p)
	cancel()

	s.settle(err)

	return err
}

// acquire decides whether this call may go out, advancing the breaker
// state as a side effect.

func (s *ProtectedSender) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case breakerClosed:
		return nil

	case breakerOpen:
		if time.Now().Before(s.openUntil) {
			return ErrCircuitOpen
		}
		// cooldown over; this call becomes the first probe
		s.state = breakerHalfOpen
		s.probes = 1
		return nil

	default: // half-open
		if s.probes >= s.cfg.HalfOpenMaxCalls {
			return ErrCircuitOpen
		}
		s.probes++
		return nil
	}
}

// settle records the outcome of a permitted call.

func (s *ProtectedSender) settle(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == breakerHalfOpen && s.probes > 0 {
		s.probes--
	}

	if err == nil {
		s.state = breakerClosed
		s.failures = 0
		return
	}

	s.failures++

	// a failed probe reopens at once; in closed state the threshold decides
	if s.state == breakerHalfOpen || s.failures >= s.cfg.FailureThreshold {
		s.state = breakerOpen
		s.openUntil = time.Now().Add(s.cfg.Cooldown)
	}
}
