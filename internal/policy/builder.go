// Package policy builds one isolated engine scan policy per vulnerability class.
package policy

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/annotate"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/config"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/logging"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/scanners"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/schema"
)

// Prefix is prepended to the class name to form the policy name.
const Prefix = "policy-"

// Engine is the part of the scanning engine the builder drives.
type Engine interface {
	Scanners(ctx context.Context) ([]scanners.Rule, error)
	ScanPolicyNames(ctx context.Context) ([]string, error)
	AddScanPolicy(ctx context.Context, policy string) error
	RemoveScanPolicy(ctx context.Context, policy string) error
	DisableAllScanners(ctx context.Context, policy string) error
	EnableScanners(ctx context.Context, policy string, ids []int) error
	SetScannerAttackStrength(ctx context.Context, policy string, id int, strength string) error
}

// Name returns the policy name used for class.
func Name(class string) string { return Prefix + class }

// Builder replaces the per-class policies at the start of a run.
type Builder struct {
	engine Engine
	logger *zap.Logger
	notes  *annotate.Annotator
}

func NewBuilder(engine Engine, logger *zap.Logger, notes *annotate.Annotator) *Builder {
	return &Builder{engine: engine, logger: logging.OrNop(logger).Named("policy"), notes: notes}
}

// inventory returns the configured rule ids the engine does not provide, sorted,
// and the set of ids it does.
func (b *Builder) inventory(ctx context.Context, rules config.ClassRules) ([]int, map[int]bool, error) {
	installed, err := b.engine.Scanners(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list engine scan rules: %w", err)
	}
	available := make(map[int]bool, len(installed))
	for _, r := range installed {
		available[r.ID] = true
	}
	var missing []int
	for _, id := range rules.RuleIDs() {
		if !available[id] {
			missing = append(missing, id)
		}
	}
	return missing, available, nil
}

// Build creates a policy named Name(class) for every configured class. Each
// policy has every rule disabled except the class's available rules, which run
// at maximum strength. Classes left without any available rule get no policy.
func (b *Builder) Build(ctx context.Context, rules config.ClassRules) (map[string]schema.ScanPolicy, error) {
	missing, available, err := b.inventory(ctx, rules)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		b.notes.Warning("Missing %d scanner(s): %v", len(missing), missing)
		b.notes.Warning("Missing rules will be ignored")
		b.logger.Warn("configured scan rules not installed in engine", zap.Ints("missing", missing))
	}

	existing, err := b.engine.ScanPolicyNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("list scan policies: %w", err)
	}

	policies := make(map[string]schema.ScanPolicy, len(rules))
	for _, class := range rules.Classes() {
		var ids []int
		for _, id := range rules[class] {
			if available[id] && !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			b.logger.Warn("no installed rule for class, skipping policy", zap.String("cwe", class))
			continue
		}

		p := schema.ScanPolicy{Name: Name(class), CWE: class, RuleIDs: ids, Strength: scanners.StrengthInsane}
		if err := b.replace(ctx, p, slices.Contains(existing, p.Name)); err != nil {
			return nil, err
		}
		policies[class] = p
		b.logger.Debug("created policy", zap.String("policy", p.Name), zap.Ints("rules", ids))
	}
	b.logger.Info("scan policies ready", zap.Int("policies", len(policies)), zap.Int("classes", len(rules)))
	return policies, nil
}

func (b *Builder) replace(ctx context.Context, p schema.ScanPolicy, exists bool) error {
	if exists {
		if err := b.engine.RemoveScanPolicy(ctx, p.Name); err != nil {
			return fmt.Errorf("remove policy %s: %w", p.Name, err)
		}
	}
	if err := b.engine.AddScanPolicy(ctx, p.Name); err != nil {
		return fmt.Errorf("add policy %s: %w", p.Name, err)
	}
	if err := b.engine.DisableAllScanners(ctx, p.Name); err != nil {
		return fmt.Errorf("disable rules in %s: %w", p.Name, err)
	}
	for _, id := range p.RuleIDs {
		if err := b.engine.EnableScanners(ctx, p.Name, []int{id}); err != nil {
			return fmt.Errorf("enable rule %d in %s: %w", id, p.Name, err)
		}
		if err := b.engine.SetScannerAttackStrength(ctx, p.Name, id, p.Strength); err != nil {
			return fmt.Errorf("set strength of rule %d in %s: %w", id, p.Name, err)
		}
	}
	return nil
}
