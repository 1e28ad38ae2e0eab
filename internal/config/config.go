package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/schema"
)

// Keys used with viper. Flags, environment variables and defaults all land on these.
const (
	KeyNewSARIF         = "new_sarif"
	KeyOldSARIF         = "old_sarif"
	KeyOpenAPISpec      = "openapi_spec"
	KeyTargetURL        = "target_url"
	KeyInputVector      = "input_vector"
	KeyRPC              = "rpc"
	KeyCWEConfig        = "cwe_config"
	KeyOutputFile       = "output"
	KeyFilteredSARIF    = "filtered_sarif"
	KeyZAPImage         = "zap_image"
	KeyZAPContainer     = "zap_container"
	KeyZAPPort          = "zap_port"
	KeyZAPAPIKey        = "zap_api_key"
	KeyZAPURL           = "zap_url"
	KeyWorkspace        = "workspace"
	KeyInstallAddons    = "install_addons"
	KeyStartupDelay     = "startup_delay"
	KeyStartupTimeout   = "startup_timeout"
	KeyContextName      = "context_name"
	KeyUserID           = "user_id"
	KeyConcurrency      = "concurrency"
	KeyScanTimeout      = "scan_timeout"
	KeyPollInterval     = "poll_interval"
	KeyFastPollInterval = "fast_poll_interval"
	KeyAPIRate          = "api_rate"
	KeyMetricsFile      = "metrics_file"
)

// legacyEnv lists the environment names the CI action has always used.
var legacyEnv = map[string]string{
	KeyNewSARIF:    "NEW_SARIF",
	KeyOldSARIF:    "OLD_SARIF",
	KeyOpenAPISpec: "OPENAPI_SPEC",
	KeyTargetURL:   "TARGET_URL",
	KeyInputVector: "INPUT_VECTOR",
	KeyRPC:         "RPC",
	KeyCWEConfig:   "CWE_CONFIG",
	KeyOutputFile:  "OUTPUT_FILE",
	KeyWorkspace:   "GITHUB_WORKSPACE",
}

// Config holds everything one confirmation run needs.
type Config struct {
	NewSARIF      string
	OldSARIF      string
	OpenAPISpec   string
	TargetURL     string
	InputVector   int
	RPC           int
	CWEConfig     string
	OutputFile    string
	FilteredSARIF string
	MetricsFile   string

	Engine EngineConfig
	Scan   ScanConfig
}

// EngineConfig describes how to reach (and optionally provision) the scanning engine.
type EngineConfig struct {
	Image          string
	Container      string
	Port           int
	APIKey         string
	URL            string
	Managed        bool
	Workspace      string
	InstallAddons  bool
	StartupDelay   time.Duration
	StartupTimeout time.Duration
	ContextName    string
	APIRate        float64
}

// ScanConfig tunes the scan phase.
type ScanConfig struct {
	UserID           string
	Concurrency      int
	Timeout          time.Duration
	PollInterval     time.Duration
	FastPollInterval time.Duration
}

// SetDefaults registers default values and environment bindings on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyInputVector, schema.DefaultInputVectors)
	v.SetDefault(KeyRPC, 5)
	v.SetDefault(KeyOutputFile, "reports/scan-results.json")
	v.SetDefault(KeyZAPImage, "zaproxy/zap-stable")
	v.SetDefault(KeyZAPContainer, "zap-ci")
	v.SetDefault(KeyZAPPort, 8080)
	v.SetDefault(KeyInstallAddons, true)
	v.SetDefault(KeyStartupDelay, 60*time.Second)
	v.SetDefault(KeyStartupTimeout, 30*time.Second)
	v.SetDefault(KeyContextName, "confirm")
	v.SetDefault(KeyPollInterval, time.Second)
	v.SetDefault(KeyFastPollInterval, 200*time.Millisecond)

	for key, env := range legacyEnv {
		_ = v.BindEnv(key, "YORO_"+strings.ToUpper(key), env)
	}
}

// Load builds a validated Config from v.
func Load(v *viper.Viper) (*Config, error) {
	for _, key := range []string{KeyNewSARIF, KeyOpenAPISpec, KeyTargetURL, KeyCWEConfig} {
		if strings.TrimSpace(v.GetString(key)) == "" {
			return nil, fmt.Errorf("%w: %s (env %s)", ErrMissingRequired, key, legacyEnv[key])
		}
	}

	target := strings.TrimSpace(v.GetString(KeyTargetURL))
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: target_url %q is not an absolute URL", ErrInvalidConfig, target)
	}

	vector, err := intValue(v, KeyInputVector)
	if err != nil {
		return nil, err
	}
	if vector < 1 || vector > schema.DefaultInputVectors {
		return nil, fmt.Errorf("%w: input_vector %d outside 1..%d", ErrInvalidConfig, vector, schema.DefaultInputVectors)
	}
	rpc, err := intValue(v, KeyRPC)
	if err != nil {
		return nil, err
	}
	port, err := intValue(v, KeyZAPPort)
	if err != nil {
		return nil, err
	}
	concurrency, err := intValue(v, KeyConcurrency)
	if err != nil {
		return nil, err
	}
	if concurrency < 0 {
		return nil, fmt.Errorf("%w: concurrency must not be negative", ErrInvalidConfig)
	}

	workspace := v.GetString(KeyWorkspace)
	if workspace == "" {
		if workspace, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("resolve workspace: %w", err)
		}
	}

	output := v.GetString(KeyOutputFile)
	filtered := v.GetString(KeyFilteredSARIF)
	if filtered == "" {
		filtered = filepath.Join(filepath.Dir(output), "confirmed.sarif")
	}

	engineURL := v.GetString(KeyZAPURL)
	managed := engineURL == ""
	if managed {
		engineURL = fmt.Sprintf("http://localhost:%d", port)
	}

	return &Config{
		NewSARIF:      v.GetString(KeyNewSARIF),
		OldSARIF:      v.GetString(KeyOldSARIF),
		OpenAPISpec:   v.GetString(KeyOpenAPISpec),
		TargetURL:     target,
		InputVector:   vector,
		RPC:           rpc,
		CWEConfig:     v.GetString(KeyCWEConfig),
		OutputFile:    output,
		FilteredSARIF: filtered,
		MetricsFile:   v.GetString(KeyMetricsFile),
		Engine: EngineConfig{
			Image:          v.GetString(KeyZAPImage),
			Container:      v.GetString(KeyZAPContainer),
			Port:           port,
			APIKey:         v.GetString(KeyZAPAPIKey),
			URL:            engineURL,
			Managed:        managed,
			Workspace:      workspace,
			InstallAddons:  v.GetBool(KeyInstallAddons),
			StartupDelay:   v.GetDuration(KeyStartupDelay),
			StartupTimeout: v.GetDuration(KeyStartupTimeout),
			ContextName:    v.GetString(KeyContextName),
			APIRate:        v.GetFloat64(KeyAPIRate),
		},
		Scan: ScanConfig{
			UserID:           v.GetString(KeyUserID),
			Concurrency:      concurrency,
			Timeout:          v.GetDuration(KeyScanTimeout),
			PollInterval:     v.GetDuration(KeyPollInterval),
			FastPollInterval: v.GetDuration(KeyFastPollInterval),
		},
	}, nil
}

// intValue reads an integer and rejects values viper would silently coerce to 0.
func intValue(v *viper.Viper, key string) (int, error) {
	raw := v.Get(key)
	if s, ok := raw.(string); ok {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, key, s)
		}
		return n, nil
	}
	return v.GetInt(key), nil
}
