package results

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/schema"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/pkg/utils"
)

// Summary is the JSON document written at the end of a run.
type Summary struct {
	RunID       string           `json:"run_id"`
	Target      string           `json:"target"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
	Stats       Stats            `json:"summary"`
	Confirmed   []ConfirmedEntry `json:"confirmed_vulnerabilities"`
	Unconfirmed []EndpointEntry  `json:"unconfirmed_vulnerabilities"`
	NotScanned  []EndpointEntry  `json:"not_scanned"`
}

// Stats holds the headline counts.
type Stats struct {
	TotalEndpoints      int     `json:"total_endpoints"`
	Confirmed           int     `json:"confirmed"`
	Unconfirmed         int     `json:"unconfirmed"`
	NotScanned          int     `json:"not_scanned"`
	ScanDurationSeconds float64 `json:"scan_duration_seconds"`
	TotalMessagesSent   int     `json:"total_messages_sent"`
}

// EndpointEntry is the metadata of one endpoint as written to the summary.
type EndpointEntry struct {
	Method       string `json:"method"`
	Path         string `json:"path"`
	CWE          string `json:"cwe"`
	RuleID       string `json:"rule_id"`
	RuleName     string `json:"rule_name"`
	Description  string `json:"description"`
	RiskLevel    string `json:"risk_level"`
	InputVectors int    `json:"input_vectors"`
	MatchedURL   string `json:"matched_url,omitempty"`
	ScanID       string `json:"scan_id"`
	ScanError    string `json:"scan_error"`
}

// ConfirmedEntry pairs a confirmed endpoint with the evidence that confirmed it.
type ConfirmedEntry struct {
	Endpoint EndpointEntry  `json:"endpoint"`
	Alerts   []schema.Alert `json:"alerts"`
}

// AlertCount is the number of alerts behind the entry.
func (c ConfirmedEntry) AlertCount() int { return len(c.Alerts) }

func entry(ep *schema.Endpoint) EndpointEntry {
	return EndpointEntry{
		Method:       ep.Method,
		Path:         ep.Path,
		CWE:          ep.CWE,
		RuleID:       ep.RuleID,
		RuleName:     ep.RuleName,
		Description:  ep.Description,
		RiskLevel:    ep.RiskLevel,
		InputVectors: ep.InputVectors,
		MatchedURL:   ep.MatchedURL,
		ScanID:       ep.ScanID,
		ScanError:    ep.ScanError,
	}
}

// NewSummary renders c into the summary document.
func NewSummary(runID, target string, c *Classification, timing Timing, messagesSent int) *Summary {
	s := &Summary{
		RunID:      runID,
		Target:     target,
		StartedAt:  timing.StartedAt.UTC(),
		FinishedAt: timing.FinishedAt.UTC(),
		Stats: Stats{
			TotalEndpoints:      c.Total(),
			Confirmed:           len(c.Confirmed),
			Unconfirmed:         len(c.Unconfirmed),
			NotScanned:          len(c.NotScanned),
			ScanDurationSeconds: timing.ScanDuration.Seconds(),
			TotalMessagesSent:   messagesSent,
		},
		Confirmed:   make([]ConfirmedEntry, 0, len(c.Confirmed)),
		Unconfirmed: make([]EndpointEntry, 0, len(c.Unconfirmed)),
		NotScanned:  make([]EndpointEntry, 0, len(c.NotScanned)),
	}
	for _, ep := range c.Confirmed {
		alerts := c.Alerts[ep.Key()]
		if alerts == nil {
			alerts = []schema.Alert{}
		}
		s.Confirmed = append(s.Confirmed, ConfirmedEntry{Endpoint: entry(ep), Alerts: alerts})
	}
	for _, ep := range c.Unconfirmed {
		s.Unconfirmed = append(s.Unconfirmed, entry(ep))
	}
	for _, ep := range c.NotScanned {
		s.NotScanned = append(s.NotScanned, entry(ep))
	}
	return s
}

// Save writes the summary as indented JSON, creating parent directories.
func (s *Summary) Save(path string) error {
	return utils.WriteJSON(path, s)
}

// Load reads a summary written by Save.
func Load(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read summary: %w", err)
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse summary %s: %w", path, err)
	}
	return &s, nil
}
