package report

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/results"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/schema"
)

//go:embed templates/report.html.tmpl
var reportHTMLTemplate string

// ---------- Public API ----------

// LoadSummary reads a run summary written by the confirm command.
func LoadSummary(path string) (*results.Summary, error) {
	s, err := results.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load summary: %w", err)
	}
	return s, nil
}

// GenerateHTML renders s to outDir/report.html and returns the file path.
func GenerateHTML(s *results.Summary, outDir string) (string, error) {
	vm := buildViewModel(s, time.Now().UTC())

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", fmt.Errorf("create out dir: %w", err)
	}

	tmpl, err := template.New("report").Parse(reportHTMLTemplate)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vm); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}

	htmlPath := filepath.Join(outDir, "report.html")
	if err := os.WriteFile(htmlPath, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("write report.html: %w", err)
	}

	return htmlPath, nil
}

var ErrBrowserUnavailable = errors.New("headless browser unavailable")

// GeneratePDF prints htmlPath to a PDF next to it with headless Chrome.
func GeneratePDF(ctx context.Context, htmlPath string) (string, error) {
	abs, err := filepath.Abs(htmlPath)
	if err != nil {
		return "", err
	}
	pdfPath := strings.TrimSuffix(abs, ".html") + ".pdf"

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx,
		append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Flag("allow-file-access-from-files", true))...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	var pdf []byte
	err = chromedp.Run(browserCtx,
		chromedp.Navigate("file://"+filepath.ToSlash(abs)),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdf, _, err = page.PrintToPDF().WithPrintBackground(true).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBrowserUnavailable, err)
	}
	if err := os.WriteFile(pdfPath, pdf, 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", filepath.Base(pdfPath), err)
	}
	return pdfPath, nil
}

// ---------- View Model & helpers ----------

type viewModel struct {
	RunID          string
	Target         string
	ScanTime       string
	Duration       string
	MessagesSent   int
	TotalEndpoints int
	TotalConfirmed int
	Counts         map[string]int
	Score          int
	Grade          string
	Confirmed      []confirmedRow
	Unconfirmed    []endpointRow
	NotScanned     []endpointRow
	Generator      string
	GeneratedAt    string
	LegendSeverity []string
	Year           int
}

type confirmedRow struct {
	Severity string
	Method   string
	Path     string
	CWE      string
	Rule     string
	Alerts   int
	Alert    string
	Evidence string
}

type endpointRow struct {
	Method string
	Path   string
	CWE    string
	Rule   string
	Status string
}

var (
	sevOrder  = []string{"high", "medium", "low", "informational"}
	sevWeight = map[string]int{"high": 3, "medium": 2, "low": 1, "informational": 0}
)

func buildViewModel(s *results.Summary, now time.Time) viewModel {
	counts := map[string]int{}
	var confirmed []confirmedRow

	for _, c := range s.Confirmed {
		sev, top := mostSevere(c.Alerts)
		counts[sev]++

		row := confirmedRow{
			Severity: strings.ToUpper(sev),
			Method:   c.Endpoint.Method,
			Path:     c.Endpoint.Path,
			CWE:      c.Endpoint.CWE,
			Rule:     emptyFallback(c.Endpoint.RuleName, c.Endpoint.RuleID),
			Alerts:   c.AlertCount(),
		}
		if top >= 0 {
			a := c.Alerts[top]
			row.Alert = emptyFallback(a.Name, "-")
			row.Evidence = trimTo(emptyFallback(a.Param, a.URL), 200)
		}
		confirmed = append(confirmed, row)
	}

	// Sort findings: severity -> path -> method
	sort.SliceStable(confirmed, func(i, j int) bool {
		ai := indexOf(sevOrder, strings.ToLower(confirmed[i].Severity))
		bi := indexOf(sevOrder, strings.ToLower(confirmed[j].Severity))
		if ai != bi {
			return ai < bi
		}
		if confirmed[i].Path != confirmed[j].Path {
			return confirmed[i].Path < confirmed[j].Path
		}
		return confirmed[i].Method < confirmed[j].Method
	})

	total := 0
	weighted := 0
	for sev, c := range counts {
		total += c
		weighted += sevWeight[sev] * c
	}
	score := 100
	if total > 0 {
		// More high-risk confirmations lower the score
		penalty := min(100, (weighted*100)/(total*3))
		score = 100 - penalty
	}

	return viewModel{
		RunID:          s.RunID,
		Target:         s.Target,
		ScanTime:       s.StartedAt.UTC().Format(time.RFC3339),
		Duration:       (time.Duration(s.Stats.ScanDurationSeconds * float64(time.Second))).Round(time.Second).String(),
		MessagesSent:   s.Stats.TotalMessagesSent,
		TotalEndpoints: s.Stats.TotalEndpoints,
		TotalConfirmed: total,
		Counts:         normalizeCounts(counts, sevOrder),
		Score:          score,
		Grade:          scoreToGrade(score),
		Confirmed:      confirmed,
		Unconfirmed:    endpointRows(s.Unconfirmed),
		NotScanned:     endpointRows(s.NotScanned),
		Generator:      "yorosec-confirm",
		GeneratedAt:    now.Format(time.RFC3339),
		LegendSeverity: []string{"HIGH", "MEDIUM", "LOW", "INFORMATIONAL"},
		Year:           now.Year(),
	}
}

func endpointRows(entries []results.EndpointEntry) []endpointRow {
	rows := make([]endpointRow, 0, len(entries))
	for _, e := range entries {
		status := "scan " + e.ScanID
		if e.ScanError != "" {
			status = e.ScanError
		}
		rows = append(rows, endpointRow{
			Method: e.Method,
			Path:   e.Path,
			CWE:    e.CWE,
			Rule:   emptyFallback(e.RuleName, e.RuleID),
			Status: status,
		})
	}
	return rows
}

// mostSevere returns the highest engine risk among alerts, lowercased, and
// the index of the first alert carrying it. The index is -1 without alerts.
func mostSevere(alerts []schema.Alert) (string, int) {
	best, idx := "informational", -1
	for i, a := range alerts {
		r := strings.ToLower(strings.TrimSpace(a.Risk))
		if indexOf(sevOrder, r) == len(sevOrder) {
			r = "informational"
		}
		if idx < 0 || indexOf(sevOrder, r) < indexOf(sevOrder, best) {
			best, idx = r, i
		}
	}
	return best, idx
}

func indexOf(arr []string, s string) int {
	for i, v := range arr {
		if v == s {
			return i
		}
	}
	return len(arr)
}

func scoreToGrade(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

func normalizeCounts(in map[string]int, order []string) map[string]int {
	out := make(map[string]int)
	for _, k := range order {
		out[strings.ToUpper(k)] = in[k]
	}
	return out
}

func trimTo(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func emptyFallback(s, fb string) string {
	if strings.TrimSpace(s) == "" {
		return fb
	}
	return s
}
