// Package results classifies scanned endpoints and renders the run summary.
package results

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/logging"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/schema"
)

// AlertSource fetches the alerts a scan raised.
type AlertSource interface {
	AlertIDs(ctx context.Context, scanID string) ([]string, error)
	Alert(ctx context.Context, id string) (schema.Alert, error)
}

// Classification partitions endpoints by scan evidence.
type Classification struct {
	Confirmed   []*schema.Endpoint
	Unconfirmed []*schema.Endpoint
	NotScanned  []*schema.Endpoint
	Alerts      map[schema.Key][]schema.Alert
}

// Total is the number of classified endpoints.
func (c *Classification) Total() int {
	return len(c.Confirmed) + len(c.Unconfirmed) + len(c.NotScanned)
}

// ConfirmedKeys returns the identity of every confirmed endpoint.
func (c *Classification) ConfirmedKeys() []schema.Key {
	keys := make([]schema.Key, 0, len(c.Confirmed))
	for _, ep := range c.Confirmed {
		keys = append(keys, ep.Key())
	}
	return keys
}

// FetchAlerts collects the alerts of every scanned endpoint, keyed by identity.
func FetchAlerts(ctx context.Context, src AlertSource, endpoints []*schema.Endpoint, logger *zap.Logger) (map[schema.Key][]schema.Alert, error) {
	logger = logging.OrNop(logger).Named("results")
	alerts := make(map[schema.Key][]schema.Alert, len(endpoints))
	total := 0
	for _, ep := range endpoints {
		key := ep.Key()
		if _, ok := alerts[key]; !ok {
			alerts[key] = nil
		}
		if !ep.Scanned() {
			continue
		}
		ids, err := src.AlertIDs(ctx, ep.ScanID)
		if err != nil {
			return nil, fmt.Errorf("alerts of scan %s: %w", ep.ScanID, err)
		}
		for _, id := range ids {
			a, err := src.Alert(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("alert %s: %w", id, err)
			}
			alerts[key] = append(alerts[key], a)
		}
		total += len(ids)
	}
	logger.Info(fmt.Sprintf("Retrieved %d total alerts for %d endpoints", total, len(endpoints)))
	return alerts, nil
}

// Classify partitions endpoints: confirmed ones were scanned and raised at
// least one alert, unconfirmed ones were scanned and raised none, and the rest
// were never scanned.
func Classify(endpoints []*schema.Endpoint, alerts map[schema.Key][]schema.Alert) *Classification {
	c := &Classification{Alerts: make(map[schema.Key][]schema.Alert)}
	for _, ep := range endpoints {
		switch {
		case !ep.Scanned():
			c.NotScanned = append(c.NotScanned, ep)
		case len(alerts[ep.Key()]) > 0:
			c.Confirmed = append(c.Confirmed, ep)
			c.Alerts[ep.Key()] = alerts[ep.Key()]
		default:
			c.Unconfirmed = append(c.Unconfirmed, ep)
		}
	}
	return c
}

// Timing carries the wall-clock data stamped on a summary.
type Timing struct {
	StartedAt    time.Time
	FinishedAt   time.Time
	ScanDuration time.Duration
}
