package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/config"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/pipeline"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/schema"
)

var diffFlags = map[string]string{
	"new-sarif":    config.KeyNewSARIF,
	"old-sarif":    config.KeyOldSARIF,
	"cwe-config":   config.KeyCWEConfig,
	"input-vector": config.KeyInputVector,
}

func newDiffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "diff",
		Short:   "Print the endpoints a confirm run would scan, as JSON",
		Example: "yoro diff --new-sarif new.sarif --old-sarif base.sarif --cwe-config cwe.yaml",
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return bindFlags(cmd, diffFlags)
		},
		RunE: runDiff,
	}
	addSelectionFlags(cmd)
	return cmd
}

func runDiff(cmd *cobra.Command, _ []string) error {
	for _, key := range []string{config.KeyNewSARIF, config.KeyCWEConfig} {
		if strings.TrimSpace(viper.GetString(key)) == "" {
			return fmt.Errorf("%w: %s", config.ErrMissingRequired, key)
		}
	}
	rules, err := config.LoadClassRules(viper.GetString(config.KeyCWEConfig))
	if err != nil {
		return err
	}

	cfg := &config.Config{
		NewSARIF:    viper.GetString(config.KeyNewSARIF),
		OldSARIF:    viper.GetString(config.KeyOldSARIF),
		InputVector: viper.GetInt(config.KeyInputVector),
	}
	_, endpoints, err := pipeline.SelectEndpoints(cfg, rules, logger)
	if err != nil {
		return err
	}
	if endpoints == nil {
		endpoints = []*schema.Endpoint{}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(endpoints)
}
