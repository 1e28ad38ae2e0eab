package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanFinished(t *testing.T) {
	t.Parallel()

	r := New()
	r.ScanFinished("CWE-89", "done", 3*time.Second, 40)
	r.ScanFinished("CWE-89", "done", 5*time.Second, 2)
	r.ScanFinished("CWE-79", "skipped", 0, 0)

	assert.InDelta(t, 2, testutil.ToFloat64(r.scans.WithLabelValues("CWE-89", "done")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.scans.WithLabelValues("CWE-79", "skipped")), 0)
	assert.InDelta(t, 42, testutil.ToFloat64(r.scanMessages.WithLabelValues("CWE-89")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(r.scanDuration), "skipped endpoints are not timed")
}

func TestWriteTextfile(t *testing.T) {
	t.Parallel()

	r := New()
	r.Identify("run-1", "http://app.local")
	r.Classified(2, 3, 1, 90*time.Second)

	path := filepath.Join(t.TempDir(), "out", "confirm.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `yoro_confirm_endpoints{classification="confirmed"} 2`)
	assert.Contains(t, text, `yoro_confirm_endpoints{classification="not_scanned"} 1`)
	assert.Contains(t, text, `yoro_confirm_run_duration_seconds 90`)
	assert.Contains(t, text, `yoro_confirm_run_info{run_id="run-1",target="http://app.local"} 1`)

	err = testutil.GatherAndCompare(r.Registry(), strings.NewReader(`
# HELP yoro_confirm_endpoints Candidate endpoints by classification
# TYPE yoro_confirm_endpoints gauge
yoro_confirm_endpoints{classification="confirmed"} 2
yoro_confirm_endpoints{classification="not_scanned"} 1
yoro_confirm_endpoints{classification="unconfirmed"} 3
`), "yoro_confirm_endpoints")
	require.NoError(t, err)
}

func TestNilRun(t *testing.T) {
	t.Parallel()

	var r *Run
	r.ScanFinished("CWE-89", "done", time.Second, 1)
	r.Identify("x", "y")
	r.Classified(1, 1, 1, time.Second)
	assert.Nil(t, r.Registry())
	assert.NoError(t, r.WriteTextfile(filepath.Join(t.TempDir(), "m.prom")))
}
