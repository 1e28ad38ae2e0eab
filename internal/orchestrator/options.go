package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/scanners"
)

type optionValue struct {
	name     string
	original int
	value    int
}

// scopeOptions applies the scan-phase engine options and returns a function
// that puts back the values found before. The restore runs on a context that
// outlives cancellation of ctx. On error nothing is left changed.
func (o *Orchestrator) scopeOptions(ctx context.Context) (width int, restore func(), err error) {
	threads, err := o.engine.Option(ctx, scanners.OptionThreadPerHost)
	if err != nil {
		return 0, nil, fmt.Errorf("read thread-per-host: %w", err)
	}
	injectable, err := o.engine.Option(ctx, scanners.OptionTargetParamsInjectable)
	if err != nil {
		return 0, nil, fmt.Errorf("read target params injectable: %w", err)
	}
	rpc, err := o.engine.Option(ctx, scanners.OptionTargetParamsEnabledRPC)
	if err != nil {
		return 0, nil, fmt.Errorf("read target params RPC: %w", err)
	}

	wanted := []optionValue{
		{name: scanners.OptionThreadPerHost, original: threads, value: 1},
		{name: scanners.OptionTargetParamsInjectable, original: injectable, value: o.cfg.InputVectors},
		{name: scanners.OptionTargetParamsEnabledRPC, original: rpc, value: o.cfg.RPC},
	}

	var applied []optionValue
	restore = func() {
		rctx := context.WithoutCancel(ctx)
		for i := len(applied) - 1; i >= 0; i-- {
			opt := applied[i]
			if err := o.engine.SetOption(rctx, opt.name, opt.original); err != nil {
				o.logger.Error("failed to restore engine option", zap.String("option", opt.name), zap.Int("value", opt.original), zap.Error(err))
				continue
			}
			o.logger.Debug("restored engine option", zap.String("option", opt.name), zap.Int("value", opt.original))
		}
	}

	for _, opt := range wanted {
		if err := o.engine.SetOption(ctx, opt.name, opt.value); err != nil {
			restore()
			return 0, nil, fmt.Errorf("set %s=%d: %w", opt.name, opt.value, err)
		}
		applied = append(applied, opt)
	}

	width = o.cfg.Concurrency
	if width <= 0 {
		width = threads
	}
	return max(width, 1), restore, nil
}
