// Package pipeline wires one confirmation run: candidate selection, engine
// setup, traffic matching, scanning, classification and the run outputs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/annotate"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/apidesc"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/config"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/container"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/logging"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/matcher"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/metrics"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/orchestrator"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/policy"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/results"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/sarif"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/scanners"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/schema"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/pkg/utils"
)

var (
	// ErrNoEndpoints means candidate selection produced nothing to confirm.
	ErrNoEndpoints = errors.New("no endpoints to scan")
	// ErrNoScannableEndpoints means no candidate route appeared in the recorded traffic.
	ErrNoScannableEndpoints = errors.New("no scannable endpoints created from ZAP messages - cannot scan")
)

// Runtime provisions the engine for the duration of a run.
type Runtime interface {
	Start(ctx context.Context, probe container.Prober) error
	Stop(ctx context.Context)
}

// Deps are the collaborators of a run. Engine is required.
type Deps struct {
	Engine scanners.Engine
	// Runtime is nil when the engine is managed elsewhere.
	Runtime Runtime
	Logger  *zap.Logger
	Notes   *annotate.Annotator
	Metrics *metrics.Run
	// RunID defaults to a random UUID.
	RunID string
}

// Result is what a completed run produced.
type Result struct {
	Summary        *results.Summary
	Classification *results.Classification
	SummaryPath    string
	FilteredPath   string
	Undocumented   []schema.Route
}

// Pipeline runs confirmation for one configuration.
type Pipeline struct {
	cfg     *config.Config
	engine  scanners.Engine
	runtime Runtime
	logger  *zap.Logger
	notes   *annotate.Annotator
	metrics *metrics.Run
	runID   string
}

func New(cfg *config.Config, deps Deps) *Pipeline {
	runID := deps.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Pipeline{
		cfg:     cfg,
		engine:  deps.Engine,
		runtime: deps.Runtime,
		logger:  logging.OrNop(deps.Logger).With(zap.String("run_id", runID)),
		notes:   deps.Notes,
		metrics: deps.Metrics,
		runID:   runID,
	}
}

// RunID identifies this run in logs, the summary and metrics.
func (p *Pipeline) RunID() string { return p.runID }

// Run executes the whole confirmation. The engine runtime, when managed, is
// torn down on every exit path.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	startedAt := time.Now()

	rules, err := config.LoadClassRules(p.cfg.CWEConfig)
	if err != nil {
		return nil, err
	}
	candidate, endpoints, err := SelectEndpoints(p.cfg, rules, p.logger)
	if err != nil {
		return nil, err
	}
	p.logger.Info(fmt.Sprintf("Processing %d endpoints", len(endpoints)))
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	if p.runtime != nil {
		if err := p.runtime.Start(ctx, p.engine); err != nil {
			p.runtime.Stop(ctx)
			return nil, err
		}
		defer p.runtime.Stop(ctx)
	}

	version, err := p.engine.Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to engine: %w", err)
	}
	p.logger.Info("Connected to ZAP", zap.String("version", version))

	contextID, err := p.setupContext(ctx)
	if err != nil {
		return nil, err
	}

	offset, err := p.engine.NumberOfMessages(ctx, p.cfg.TargetURL)
	if err != nil {
		return nil, fmt.Errorf("count recorded messages: %w", err)
	}
	p.logger.Debug(fmt.Sprintf("Existing messages before OpenAPI import: %d", offset))

	if err := p.importDescription(ctx, contextID); err != nil {
		return nil, err
	}
	undocumented := p.checkCoverage(ctx, endpoints)

	p.logger.Info(fmt.Sprintf("Creating policies for %d CWE categories", len(rules)))
	policies, err := policy.NewBuilder(p.engine, p.logger, p.notes).Build(ctx, rules)
	if err != nil {
		return nil, err
	}

	matched, err := matcher.New(p.logger).Resolve(ctx, p.engine, p.cfg.TargetURL, endpoints, offset)
	if err != nil {
		return nil, err
	}
	if len(matched.Scannable) == 0 {
		return nil, ErrNoScannableEndpoints
	}

	all := append(append([]*schema.Endpoint{}, matched.Scannable...), matched.Unmatched...)
	p.logger.Info(fmt.Sprintf("Starting scan of %d endpoints", len(matched.Scannable)))
	orch := orchestrator.New(p.engine, orchestrator.Config{
		InputVectors:     p.cfg.InputVector,
		RPC:              p.cfg.RPC,
		ContextID:        contextID,
		UserID:           p.cfg.Scan.UserID,
		Concurrency:      p.cfg.Scan.Concurrency,
		PollInterval:     p.cfg.Scan.PollInterval,
		FastPollInterval: p.cfg.Scan.FastPollInterval,
		Timeout:          p.cfg.Scan.Timeout,
	}, p.logger, p.metrics)
	outcome, err := orch.Run(ctx, all, policies)
	if err != nil {
		return nil, err
	}

	alerts, err := results.FetchAlerts(ctx, p.engine, all, p.logger)
	if err != nil {
		return nil, err
	}
	classification := results.Classify(all, alerts)
	summary := results.NewSummary(p.runID, p.cfg.TargetURL, classification, results.Timing{
		StartedAt:    startedAt,
		FinishedAt:   time.Now(),
		ScanDuration: outcome.Duration,
	}, outcome.TotalMessages())

	if err := summary.Save(p.cfg.OutputFile); err != nil {
		return nil, fmt.Errorf("save summary: %w", err)
	}
	p.logger.Info("Results saved to " + p.cfg.OutputFile)
	if err := p.notes.SetOutput("results_file", p.cfg.OutputFile); err != nil {
		p.logger.Warn("Failed to write step output", zap.Error(err))
	}
	p.announce(summary)

	filtered, err := sarif.FilterConfirmed(candidate, classification.ConfirmedKeys())
	if err != nil {
		return nil, fmt.Errorf("filter report: %w", err)
	}
	if err := utils.WriteFile(p.cfg.FilteredSARIF, filtered); err != nil {
		return nil, err
	}
	p.logger.Info("Filtered SARIF saved to " + p.cfg.FilteredSARIF)
	if err := p.notes.SetOutput("filtered_sarif", p.cfg.FilteredSARIF); err != nil {
		p.logger.Warn("Failed to write step output", zap.Error(err))
	}

	p.metrics.Identify(p.runID, p.cfg.TargetURL)
	p.metrics.Classified(len(classification.Confirmed), len(classification.Unconfirmed), len(classification.NotScanned), outcome.Duration)
	if err := p.metrics.WriteTextfile(p.cfg.MetricsFile); err != nil {
		p.logger.Warn("Failed to write metrics", zap.Error(err))
	}

	p.notes.Notice("Scan complete")
	return &Result{
		Summary:        summary,
		Classification: classification,
		SummaryPath:    p.cfg.OutputFile,
		FilteredPath:   p.cfg.FilteredSARIF,
		Undocumented:   undocumented,
	}, nil
}

// SelectEndpoints loads the candidate report and returns it with the
// endpoints to confirm: the differential selection when a baseline is
// configured, every candidate endpoint otherwise.
func SelectEndpoints(cfg *config.Config, rules config.ClassRules, logger *zap.Logger) (*sarif.Report, []*schema.Endpoint, error) {
	logger = logging.OrNop(logger)
	parser := sarif.NewParser(rules, cfg.InputVector)

	candidate, err := sarif.Load(cfg.NewSARIF)
	if err != nil {
		return nil, nil, err
	}
	if cfg.OldSARIF == "" {
		logger.Info("Parsing SARIF: " + cfg.NewSARIF)
		endpoints := parser.Endpoints(candidate)
		logger.Info(fmt.Sprintf("Found %d endpoints from SARIF", len(endpoints)))
		return candidate, endpoints, nil
	}

	logger.Info("Differential scanning mode enabled")
	baseline, err := sarif.Load(cfg.OldSARIF)
	if err != nil {
		return nil, nil, err
	}
	sel := parser.Diff(baseline, candidate)
	logger.Info(fmt.Sprintf("Old SARIF: %d vulnerabilities, New SARIF: %d vulnerabilities", sel.BaselineCount, sel.CandidateCount))
	logger.Info(fmt.Sprintf("Found %d new vulnerabilities", len(sel.NewHashes)))
	logger.Info(fmt.Sprintf("Found %d new endpoints after differential analysis", len(sel.Endpoints)))
	return candidate, sel.Endpoints, nil
}

// setupContext recreates the engine context the imported description is scoped to.
func (p *Pipeline) setupContext(ctx context.Context) (string, error) {
	name := p.cfg.Engine.ContextName
	existing, err := p.engine.ContextList(ctx)
	if err != nil {
		return "", fmt.Errorf("list contexts: %w", err)
	}
	for _, c := range existing {
		if c == name {
			if err := p.engine.RemoveContext(ctx, name); err != nil {
				return "", fmt.Errorf("remove context %s: %w", name, err)
			}
			break
		}
	}
	id, err := p.engine.NewContext(ctx, name)
	if err != nil {
		return "", fmt.Errorf("create context %s: %w", name, err)
	}
	if id == "" {
		if id, err = p.engine.ContextID(ctx, name); err != nil {
			return "", fmt.Errorf("look up context %s: %w", name, err)
		}
	}
	p.logger.Debug("context ready", zap.String("context", name), zap.String("context_id", id))
	return id, nil
}

func (p *Pipeline) importDescription(ctx context.Context, contextID string) error {
	source := p.cfg.OpenAPISpec
	p.logger.Info("Importing OpenAPI spec to ZAP")

	if apidesc.IsRemote(source) {
		if err := p.engine.ImportURL(ctx, source, p.cfg.TargetURL, contextID); err != nil {
			return fmt.Errorf("import API description %s: %w", source, err)
		}
	} else {
		file, err := filepath.Abs(source)
		if err != nil {
			return fmt.Errorf("resolve API description path: %w", err)
		}
		if p.runtime != nil {
			if file, err = container.ContainerPath(p.cfg.Engine.Workspace, file); err != nil {
				return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
			}
		}
		if err := p.engine.ImportFile(ctx, file, p.cfg.TargetURL, contextID); err != nil {
			return fmt.Errorf("import API description %s: %w", file, err)
		}
	}

	urls, err := p.engine.URLs(ctx, p.cfg.TargetURL)
	if err != nil {
		p.logger.Warn("Failed to list discovered URLs", zap.Error(err))
		return nil
	}
	p.logger.Debug(fmt.Sprintf("ZAP discovered %d URLs", len(urls)))
	return nil
}

// checkCoverage warns about candidate routes the API description does not
// document. Those are unlikely to appear in the imported traffic.
func (p *Pipeline) checkCoverage(ctx context.Context, endpoints []*schema.Endpoint) []schema.Route {
	desc, err := apidesc.Load(ctx, p.cfg.OpenAPISpec)
	if err != nil {
		p.logger.Warn("Skipping API description coverage check", zap.Error(err))
		return nil
	}
	if err := desc.Validate(ctx); err != nil {
		p.logger.Debug("API description does not validate", zap.Error(err))
	}
	p.logger.Debug(fmt.Sprintf("API description %q documents %d operation(s)", desc.Title(), desc.Operations()))

	missing := desc.Undocumented(endpoints)
	if len(missing) > 0 {
		p.logger.Warn(fmt.Sprintf("%d candidate route(s) not documented in %s", len(missing), p.cfg.OpenAPISpec))
		for _, r := range missing {
			p.logger.Debug(fmt.Sprintf("  - %s %s", r.Method, r.Path))
		}
	}
	return missing
}

// announce logs the headline figures and emits one warning per confirmed
// endpoint followed by the verdict notice.
func (p *Pipeline) announce(s *results.Summary) {
	p.logger.Info(fmt.Sprintf("ZAP scan: %.2fs", s.Stats.ScanDurationSeconds))
	p.logger.Info(fmt.Sprintf("Total endpoints: %d", s.Stats.TotalEndpoints))
	p.logger.Info(fmt.Sprintf("Confirmed: %d", s.Stats.Confirmed))
	p.logger.Info(fmt.Sprintf("Unconfirmed: %d", s.Stats.Unconfirmed))
	p.logger.Info(fmt.Sprintf("Not scanned: %d", s.Stats.NotScanned))
	p.logger.Info(fmt.Sprintf("Messages sent: %d", s.Stats.TotalMessagesSent))

	for _, c := range s.Confirmed {
		ep := c.Endpoint
		p.notes.Warning("%s %s - %s - %s (%d alert(s))", ep.Method, ep.Path, ep.CWE, ep.RuleName, c.AlertCount())
	}
	if n := s.Stats.Confirmed; n > 0 {
		p.notes.Notice("Security scan found %d confirmed vulnerabilities. Check the full report for details.", n)
	} else {
		p.notes.Notice("Security scan completed with no confirmed vulnerabilities.")
	}
}
