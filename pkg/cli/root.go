package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/annotate"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/config"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/logging"
)

var (
	Version = "0.1.0"
	rootCmd *cobra.Command
	logger  = zap.NewNop()
)

func init() {
	rootCmd = &cobra.Command{
		Use:   "yoro",
		Short: "Confirm static-analysis findings with targeted dynamic scans",
		Long: "Yorozuya confirmation agent: select new findings from a SARIF report, replay them " +
			"against a running target with ZAP, and keep only the vulnerabilities the scan confirms.",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setupLogging,
	}
	cobra.OnInitialize(loadDotEnv)

	// Global flags
	rootCmd.PersistentFlags().StringP("output", "o", "reports/scan-results.json", "Summary JSON path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("log-format", logging.FormatConsole, "Log format: console or json")
	_ = viper.BindPFlag(config.KeyOutputFile, rootCmd.PersistentFlags().Lookup("output"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))

	// Environment variable support (YORO_TARGET_URL, etc.) plus the CI action's names
	viper.SetEnvPrefix("YORO")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	config.SetDefaults(viper.GetViper())

	// Subcommands
	rootCmd.AddCommand(newConfirmCmd())
	rootCmd.AddCommand(newDiffCmd())
	rootCmd.AddCommand(newReportCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "⚠️  ignoring .env: %v\n", err)
	}
}

func setupLogging(*cobra.Command, []string) error {
	l, err := logging.New(viper.GetBool("verbose"), viper.GetString("log_format"))
	if err != nil {
		return err
	}
	logger = l
	return nil
}

// bindFlags binds cmd's flags to viper keys when cmd runs, so commands that
// share a key do not steal each other's flag.
func bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for flag, key := range keys {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("bind --%s: %w", flag, err)
		}
	}
	return nil
}

func Execute() {
	err := rootCmd.Execute()
	_ = logger.Sync()
	if err != nil {
		annotate.FromEnv().Error("%v", err)
		os.Exit(1)
	}
}
