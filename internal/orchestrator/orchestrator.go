// Package orchestrator runs one active scan per resolved endpoint under
// bounded concurrency and polls each to completion.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/logging"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/scanners"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/schema"
)

// ErrScanTimeout marks a scan that did not reach 100% within the configured
// ceiling. The endpoint keeps its scan id and gets ErrCodeScanTimeout.
var ErrScanTimeout = errors.New("scan timed out")

// State is the lifecycle position of one endpoint during the scan phase.
type State string

const (
	StatePending   State = "pending"
	StateSubmitted State = "submitted"
	StatePolling   State = "polling"
	StateDone      State = "done"
	StateSkipped   State = "skipped"
	StateFailed    State = "failed"
)

// Engine is the part of the scanning engine the orchestrator drives.
type Engine interface {
	Option(ctx context.Context, name string) (int, error)
	SetOption(ctx context.Context, name string, value int) error
	Scan(ctx context.Context, req scanners.ScanRequest) (string, error)
	Status(ctx context.Context, scanID string) (int, error)
	Stop(ctx context.Context, scanID string) error
	MessagesIDs(ctx context.Context, scanID string) ([]string, error)
}

// Recorder observes finished endpoints. The metrics package implements it.
type Recorder interface {
	ScanFinished(cwe, state string, elapsed time.Duration, messages int)
}

// Config tunes a scan phase.
type Config struct {
	InputVectors int
	RPC          int
	ContextID    string
	// UserID submits authenticated scans when set.
	UserID string
	// Concurrency overrides the width; zero uses the engine's thread-per-host.
	Concurrency      int
	PollInterval     time.Duration
	FastPollInterval time.Duration
	// Timeout bounds each scan; zero waits forever.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.InputVectors == 0 {
		c.InputVectors = schema.DefaultInputVectors
	}
	if c.RPC == 0 {
		c.RPC = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.FastPollInterval <= 0 {
		c.FastPollInterval = 200 * time.Millisecond
	}
	return c
}

// Outcome is what a scan phase produced.
type Outcome struct {
	// ScanIDs lists every accepted scan, in completion order.
	ScanIDs []string
	// MessageCounts maps scan id to the number of messages the scan sent.
	MessageCounts map[string]int
	// States holds the terminal state of every endpoint.
	States   map[schema.Key]State
	Width    int
	Started  time.Time
	Duration time.Duration
}

// TotalMessages sums the traffic generated by every scan.
func (o *Outcome) TotalMessages() int {
	total := 0
	for _, n := range o.MessageCounts {
		total += n
	}
	return total
}

// Orchestrator runs scan phases against one engine.
type Orchestrator struct {
	engine   Engine
	cfg      Config
	logger   *zap.Logger
	recorder Recorder
}

// New returns an orchestrator. recorder may be nil.
func New(engine Engine, cfg Config, logger *zap.Logger, recorder Recorder) *Orchestrator {
	return &Orchestrator{
		engine:   engine,
		cfg:      cfg.withDefaults(),
		logger:   logging.OrNop(logger).Named("orchestrator"),
		recorder: recorder,
	}
}

// Run scans every endpoint and returns once all of them reached a terminal
// state. Endpoints are updated in place with their scan id or error code.
// An error aborts the phase; engine options are restored either way.
func (o *Orchestrator) Run(ctx context.Context, endpoints []*schema.Endpoint, policies map[string]schema.ScanPolicy) (*Outcome, error) {
	out := &Outcome{
		MessageCounts: make(map[string]int),
		States:        make(map[schema.Key]State, len(endpoints)),
		Started:       time.Now(),
	}
	for _, ep := range endpoints {
		out.States[ep.Key()] = StatePending
	}

	width, restore, err := o.scopeOptions(ctx)
	if err != nil {
		return nil, err
	}
	defer restore()
	out.Width = width

	o.logger.Info(fmt.Sprintf("Scanning with %d parallel workers (1 thread per scan)", width))
	o.logger.Info(fmt.Sprintf("Input vector mask: %d, RPC: %d", o.cfg.InputVectors, o.cfg.RPC))

	var mu sync.Mutex
	setState := func(ep *schema.Endpoint, s State) {
		mu.Lock()
		out.States[ep.Key()] = s
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(width)
	for _, ep := range endpoints {
		g.Go(func() error {
			started := time.Now()
			id, state, err := o.scanOne(gctx, ep, policies, setState)
			if err != nil {
				return err
			}
			if id == "" {
				o.record(ep, state, started, 0)
				return nil
			}
			if state == StatePolling {
				state = StateDone
			}

			ids, err := o.engine.MessagesIDs(gctx, id)
			if err != nil {
				return fmt.Errorf("messages of scan %s: %w", id, err)
			}
			mu.Lock()
			out.ScanIDs = append(out.ScanIDs, id)
			out.MessageCounts[id] = len(ids)
			out.States[ep.Key()] = state
			mu.Unlock()

			o.logger.Debug(fmt.Sprintf("  [%s] Scan %s sent %d messages", ep.CWE, id, len(ids)))
			o.record(ep, state, started, len(ids))
			return nil
		})
	}
	err = g.Wait()
	out.Duration = time.Since(out.Started)
	if err != nil {
		return nil, err
	}

	o.logger.Info(fmt.Sprintf("All scans completed in %.2fs", out.Duration.Seconds()),
		zap.Int("scans", len(out.ScanIDs)),
		zap.Int("messages", out.TotalMessages()))
	return out, nil
}

// scanOne drives one endpoint until its scan completed, or to a terminal
// skipped/failed state. A completed scan is reported as StatePolling with its id.
// A timed-out scan is reported as StateFailed with its id.
func (o *Orchestrator) scanOne(ctx context.Context, ep *schema.Endpoint, policies map[string]schema.ScanPolicy, setState func(*schema.Endpoint, State)) (string, State, error) {
	if !ep.Scannable() {
		o.logger.Warn(fmt.Sprintf("Skipping %s %s - no matched URL", ep.Method, ep.Path))
		ep.ScanError = schema.ErrCodeNoMatchedURL
		setState(ep, StateSkipped)
		return "", StateSkipped, nil
	}

	o.logger.Info(fmt.Sprintf("%s %s - CWE: %s", ep.Method, ep.Path, ep.CWE))
	policy, ok := policies[ep.CWE]
	if !ok {
		o.logger.Warn(fmt.Sprintf("  [%s] No policy found", ep.CWE))
		ep.ScanError = schema.ErrCodeNoPolicy
		setState(ep, StateSkipped)
		return "", StateSkipped, nil
	}

	raw, err := o.engine.Scan(ctx, scanners.ScanRequest{
		URL:       ep.MatchedURL,
		Method:    ep.Method,
		PostData:  ep.PostData,
		Policy:    policy.Name,
		ContextID: o.cfg.ContextID,
		UserID:    o.cfg.UserID,
	})
	if err != nil && ctx.Err() != nil {
		return "", StateFailed, ctx.Err()
	}
	id := strings.TrimSpace(raw)
	if err != nil || !numeric(id) {
		ep.ScanError = submissionError(id, err)
		setState(ep, StateFailed)
		o.logger.Error(fmt.Sprintf("  [%s] Scan failed: %s", ep.CWE, ep.ScanError), zap.Error(err))
		return "", StateFailed, nil
	}
	ep.ScanID = id
	setState(ep, StateSubmitted)
	o.logger.Debug(fmt.Sprintf("  [%s] Scan %s started", ep.CWE, id))

	setState(ep, StatePolling)
	if err := o.poll(ctx, id); err != nil {
		if errors.Is(err, ErrScanTimeout) {
			ep.ScanError = schema.ErrCodeScanTimeout
			setState(ep, StateFailed)
			o.logger.Error(fmt.Sprintf("  [%s] Scan %s timed out", ep.CWE, id), zap.Error(err))
			return id, StateFailed, nil
		}
		return "", StateFailed, fmt.Errorf("%s: %w", ep.Key(), err)
	}
	o.logger.Debug(fmt.Sprintf("  [%s] Scan %s completed", ep.CWE, id))
	return id, StatePolling, nil
}

// poll waits for scan id to reach 100%, checking every PollInterval and every
// FastPollInterval once progress passed 90%.
func (o *Orchestrator) poll(ctx context.Context, id string) (err error) {
	done := false
	defer func() {
		if done {
			return
		}
		if stopErr := o.engine.Stop(context.WithoutCancel(ctx), id); stopErr != nil {
			o.logger.Debug("stop scan", zap.String("scan_id", id), zap.Error(stopErr))
		}
	}()

	var deadline <-chan time.Time
	if o.cfg.Timeout > 0 {
		t := time.NewTimer(o.cfg.Timeout)
		defer t.Stop()
		deadline = t.C
	}

	delay := o.cfg.PollInterval
	for {
		status, err := o.engine.Status(ctx, id)
		if err != nil {
			return fmt.Errorf("poll scan %s: %w", id, err)
		}
		if status >= 100 {
			done = true
			return nil
		}
		if status > 90 {
			delay = o.cfg.FastPollInterval
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-deadline:
			timer.Stop()
			return fmt.Errorf("%w: scan %s still at %d%% after %s", ErrScanTimeout, id, status, o.cfg.Timeout)
		case <-timer.C:
		}
	}
}

func (o *Orchestrator) record(ep *schema.Endpoint, state State, started time.Time, messages int) {
	if o.recorder == nil {
		return
	}
	o.recorder.ScanFinished(ep.CWE, string(state), time.Since(started), messages)
}

func submissionError(id string, err error) string {
	var apiErr *scanners.APIError
	if errors.As(err, &apiErr) && apiErr.Code != "" {
		return apiErr.Code
	}
	if err == nil && id != "" {
		return id
	}
	return schema.ErrCodeScanFailed
}

func numeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
