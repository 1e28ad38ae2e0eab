package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/config"
	reportpkg "github.com/yorozuya-cybersecurity/yorosec-confirm/internal/report"
)

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "report",
		Short:   "Generate HTML/PDF report from a confirm summary",
		Example: "yoro report --from reports/scan-results.json --format html,pdf",
		RunE:    runReport,
	}

	cmd.Flags().String("from", "", "Summary JSON written by confirm (default: --output)")
	cmd.Flags().String("format", "html,pdf", "Output formats: html,pdf,json (json just points to the summary)")

	_ = viper.BindPFlag("report.from", cmd.Flags().Lookup("from"))
	_ = viper.BindPFlag("report.format", cmd.Flags().Lookup("format"))
	return cmd
}

func runReport(cmd *cobra.Command, _ []string) error {
	from := viper.GetString("report.from")
	if from == "" {
		from = viper.GetString(config.KeyOutputFile)
	}
	if from == "" {
		return errors.New("please provide --from pointing to the summary JSON")
	}

	formats := strings.Split(viper.GetString("report.format"), ",")
	for i := range formats {
		formats[i] = strings.TrimSpace(strings.ToLower(formats[i]))
	}

	// Load the summary and render HTML next to it
	summary, err := reportpkg.LoadSummary(from)
	if err != nil {
		return err
	}
	htmlPath, err := reportpkg.GenerateHTML(summary, filepath.Dir(from))
	if err != nil {
		return err
	}
	fmt.Printf("📝 HTML report: %s\n", htmlPath)

	// Optional PDF (Chromedp-based)
	if contains(formats, "pdf") {
		pdfPath, err := reportpkg.GeneratePDF(contextOf(cmd), htmlPath)
		if err != nil {
			fmt.Printf("⚠️  PDF generation failed: %v\n", err)
		} else {
			fmt.Printf("📄 PDF report:  %s\n", pdfPath)
		}
	}

	// Optional JSON passthrough
	if contains(formats, "json") {
		fmt.Printf("📦 JSON already exists at: %s\n", from)
	}

	return nil
}

func contains(arr []string, v string) bool {
	for _, x := range arr {
		if x == v {
			return true
		}
	}
	return false
}
