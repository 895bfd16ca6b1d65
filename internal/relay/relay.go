// Package relay bridges a persistent client connection to a capture worker:
// client keep-alives drive coalesced polls of the worker's status endpoint,
// and the worker's compute resources are torn down on every session exit.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/permacap/kubecaptures/internal/capture"
	"github.com/permacap/kubecaptures/internal/jobspec"
	"github.com/permacap/kubecaptures/internal/metrics"
	"github.com/permacap/kubecaptures/internal/worker"
)

// State names the phases of a relay session.
type State int

const (
	StateAwaitingURL State = iota
	StateRunning
	StateTerminating
)

// Conn is the subset of *websocket.Conn a session drives, as an interface so
// tests can fake the client side.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
}

// Starter submits capture jobs.
type Starter interface {
	StartJob(ctx context.Context, req capture.Request) (capture.StartResult, error)
}

// Stopper tears down a job's worker without deleting its archive.
type Stopper interface {
	StopJob(ctx context.Context, jobid string, index int) error
}

// Poller reads a worker's status endpoint.
type Poller interface {
	Status(ctx context.Context, jobName string) (worker.StatusReport, error)
}

// Config controls session behavior.
type Config struct {
	AllowedPatterns []*regexp.Regexp
	PollInterval    time.Duration
	MaxPollFailures int
	Embeds          bool
	StopTimeout     time.Duration
}

// CompilePatterns compiles the allow-list for session URL validation.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile url pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Session runs the relay state machine over one connection.
type Session struct {
	conn    Conn
	starter Starter
	stopper Stopper
	poller  Poller
	cfg     Config
	logger  *zap.Logger
	state   State
}

// NewSession wires a session; Run drives it to completion.
func NewSession(conn Conn, starter Starter, stopper Stopper, poller Poller, cfg Config, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxPollFailures <= 0 {
		cfg.MaxPollFailures = 5
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 15 * time.Second
	}
	return &Session{
		conn:    conn,
		starter: starter,
		stopper: stopper,
		poller:  poller,
		cfg:     cfg,
		logger:  logger,
		state:   StateAwaitingURL,
	}
}

// State reports the session's current phase.
func (s *Session) State() State {
	return s.state
}

// Run executes the session until the client disconnects, the worker reports
// done, or the poll failure threshold is reached. An invalid URL ends the
// session before any job exists.
func (s *Session) Run(ctx context.Context) {
	_, msg, err := s.conn.ReadMessage()
	if err != nil {
		metrics.RelaySession("disconnected")
		return
	}
	rawURL := string(msg)
	if !s.allowed(rawURL) {
		s.send("error: URL not permitted")
		metrics.RelaySession("rejected")
		return
	}

	res, err := s.starter.StartJob(ctx, capture.Request{
		URLs:   []string{rawURL},
		Embeds: s.cfg.Embeds,
	})
	if err != nil || res.URLs == 0 {
		if err != nil {
			s.logger.Warn("relay job start failed", zap.String("url", rawURL), zap.Error(err))
		}
		s.send("error")
		metrics.RelaySession("start_failed")
		return
	}
	captureID := res.JobIDs[0]
	jobid, index, err := jobspec.SplitID(captureID)
	if err != nil {
		s.send("error")
		metrics.RelaySession("start_failed")
		return
	}

	s.state = StateRunning
	result := "disconnected"
	// The worker stop must run on every exit path once a job exists, even
	// though the archive itself is never deleted here.
	defer func() {
		s.state = StateTerminating
		s.stopWorker(jobid, index)
		metrics.RelaySession(result)
	}()

	s.send("id:" + captureID)

	jobName := jobspec.JobName(jobid, index)
	failures := 0
	for {
		// Block on a client keep-alive; its absence means disconnect.
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
		// Coalesce: one sleep then exactly one poll per keep-alive, so the
		// worker's status endpoint never sees overlapping polls.
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.PollInterval):
		}

		report, err := s.poller.Status(ctx, jobName)
		if err != nil {
			failures++
			metrics.RelayPollFailure()
			s.logger.Warn("worker status poll failed",
				zap.String("job", jobName),
				zap.Int("consecutive_failures", failures),
				zap.Error(err),
			)
			if failures >= s.cfg.MaxPollFailures {
				s.send("error")
				result = "poll_errors"
				return
			}
			continue
		}
		failures = 0

		payload, err := json.Marshal(report)
		if err != nil {
			s.logger.Warn("marshal status report failed", zap.Error(err))
			continue
		}
		s.send("status" + string(payload))
		if report.Done {
			result = "complete"
			return
		}
	}
}

func (s *Session) allowed(rawURL string) bool {
	if _, err := capture.ParseTargetURL(rawURL); err != nil {
		return false
	}
	for _, re := range s.cfg.AllowedPatterns {
		if re.MatchString(rawURL) {
			return true
		}
	}
	return false
}

func (s *Session) send(msg string) {
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		s.logger.Debug("relay write failed", zap.Error(err))
	}
}

// stopWorker runs from its own context: the session context is usually gone
// by the time it fires.
func (s *Session) stopWorker(jobid string, index int) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer cancel()
	if err := s.stopper.StopJob(ctx, jobid, index); err != nil {
		s.logger.Error("relay worker stop failed",
			zap.String("jobid", jobid),
			zap.Int("index", index),
			zap.Error(err),
		)
	}
}
