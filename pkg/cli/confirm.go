package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/annotate"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/config"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/container"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/metrics"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/pipeline"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/scanners"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/schema"
)

var confirmFlags = map[string]string{
	"new-sarif":          config.KeyNewSARIF,
	"old-sarif":          config.KeyOldSARIF,
	"openapi":            config.KeyOpenAPISpec,
	"target":             config.KeyTargetURL,
	"input-vector":       config.KeyInputVector,
	"rpc":                config.KeyRPC,
	"cwe-config":         config.KeyCWEConfig,
	"filtered-sarif":     config.KeyFilteredSARIF,
	"zap-image":          config.KeyZAPImage,
	"zap-container":      config.KeyZAPContainer,
	"zap-port":           config.KeyZAPPort,
	"zap-api-key":        config.KeyZAPAPIKey,
	"zap-url":            config.KeyZAPURL,
	"workspace":          config.KeyWorkspace,
	"install-addons":     config.KeyInstallAddons,
	"startup-delay":      config.KeyStartupDelay,
	"startup-timeout":    config.KeyStartupTimeout,
	"context-name":       config.KeyContextName,
	"user-id":            config.KeyUserID,
	"concurrency":        config.KeyConcurrency,
	"scan-timeout":       config.KeyScanTimeout,
	"poll-interval":      config.KeyPollInterval,
	"fast-poll-interval": config.KeyFastPollInterval,
	"api-rate":           config.KeyAPIRate,
	"metrics-file":       config.KeyMetricsFile,
}

func newConfirmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm",
		Short: "Confirm SARIF findings against a running target with ZAP",
		Example: "yoro confirm --new-sarif new.sarif --old-sarif base.sarif --openapi api/openapi.yaml \\\n" +
			"  --target http://localhost:8000/api --cwe-config cwe.yaml",
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return bindFlags(cmd, confirmFlags)
		},
		RunE: runConfirm,
	}

	f := cmd.Flags()
	addSelectionFlags(cmd)
	f.String("openapi", "", "API description (file under the workspace, or http(s) URL)")
	f.String("target", "", "Base URL of the running target")
	f.Int("rpc", 5, "Enabled RPC mask for the scan phase")
	f.String("filtered-sarif", "", "Filtered SARIF path (default: confirmed.sarif next to --output)")
	f.String("zap-image", "zaproxy/zap-stable", "ZAP docker image")
	f.String("zap-container", "zap-ci", "ZAP container name")
	f.Int("zap-port", 8080, "ZAP API port")
	f.String("zap-api-key", "", "ZAP API key (empty disables the key)")
	f.String("zap-url", "", "Use an already running ZAP at this URL instead of starting a container")
	f.String("workspace", "", "Host directory mounted into the container (default: GITHUB_WORKSPACE or cwd)")
	f.Bool("install-addons", true, "Update and install the beta scan rule add-ons before starting")
	f.Duration("startup-delay", 60*time.Second, "Fixed wait after starting the container")
	f.Duration("startup-timeout", 30*time.Second, "How long to probe ZAP for readiness")
	f.String("context-name", "confirm", "ZAP context the API description is imported into")
	f.String("user-id", "", "ZAP user id for authenticated scans")
	f.Int("concurrency", 0, "Parallel scans (0: ZAP thread-per-host)")
	f.Duration("scan-timeout", 0, "Per-scan ceiling (0: unbounded)")
	f.Duration("poll-interval", time.Second, "Status poll interval")
	f.Duration("fast-poll-interval", 200*time.Millisecond, "Status poll interval once a scan passes 90%")
	f.Float64("api-rate", 0, "Maximum ZAP API calls per second (0: unlimited)")
	f.String("metrics-file", "", "Write Prometheus metrics to this textfile")
	return cmd
}

// addSelectionFlags registers the flags shared with the diff command.
func addSelectionFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("new-sarif", "", "Candidate SARIF report")
	f.String("old-sarif", "", "Baseline SARIF report (enables differential mode)")
	f.String("cwe-config", "", "YAML mapping of CWE to ZAP scan rule ids")
	f.Int("input-vector", schema.DefaultInputVectors, "Injectable input vector mask (1..31)")
}

func runConfirm(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	opts := []scanners.Option{scanners.WithLogger(logger)}
	if cfg.Engine.APIKey != "" {
		opts = append(opts, scanners.WithAPIKey(cfg.Engine.APIKey))
	}
	if cfg.Engine.APIRate > 0 {
		opts = append(opts, scanners.WithRate(cfg.Engine.APIRate))
	}
	engine, err := scanners.NewZAP(cfg.Engine.URL, opts...)
	if err != nil {
		return err
	}

	deps := pipeline.Deps{
		Engine: engine,
		Logger: logger,
		Notes:  annotate.FromEnv(),
	}
	if cfg.Engine.Managed {
		deps.Runtime = container.NewDocker(container.Options{
			Image:          cfg.Engine.Image,
			Name:           cfg.Engine.Container,
			Port:           cfg.Engine.Port,
			APIKey:         cfg.Engine.APIKey,
			Workspace:      cfg.Engine.Workspace,
			InstallAddons:  cfg.Engine.InstallAddons,
			StartupDelay:   cfg.Engine.StartupDelay,
			StartupTimeout: cfg.Engine.StartupTimeout,
		}, nil, logger)
	}
	if cfg.MetricsFile != "" {
		deps.Metrics = metrics.New()
	}

	ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := pipeline.New(cfg, deps)
	fmt.Printf("🚀 Confirming findings against %s (run %s)\n", cfg.TargetURL, p.RunID())
	fmt.Printf("🔌 ZAP API: %s\n", engine.BaseURL())
	res, err := p.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), renderSummary(res))
	fmt.Printf("✅ Results saved to %s\n", res.SummaryPath)
	fmt.Printf("   Filtered SARIF: %s\n", res.FilteredPath)
	return nil
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
