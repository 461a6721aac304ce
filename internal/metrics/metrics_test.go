// ABOUTME: Tests for the master metrics collector
// ABOUTME: Checks counters, scrape-time gauges, nil safety and the HTTP handler

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	c := New()

	c.FrameSent(KindRequest, 2)
	c.FrameSent(KindNotify, 0)
	c.ResponseReceived(OutcomeOK)
	c.RequestsReplayed(3)
	c.AuthFailed("monitor")
	c.Registration("monitor", "register")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Requests.WithLabelValues(KindRequest)))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.Requests.WithLabelValues(KindNotify)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Responses.WithLabelValues(OutcomeOK)))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.Replayed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.AuthFailures.WithLabelValues("monitor")))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.FrameSent(KindRequest, 1)
	c.ResponseReceived(OutcomeError)
	c.RequestsReplayed(1)
	c.AuthFailed("client")
	c.Registration("client", "register")
	assert.NoError(t, c.TrackGauge("x", "y", func() float64 { return 0 }))
}

func TestTrackGaugeAndHandler(t *testing.T) {
	c := New()
	require.NoError(t, c.TrackGauge("pending_requests", "Outstanding requests", func() float64 { return 7 }))
	require.NoError(t, c.TrackGauge("pending_requests", "Outstanding requests", func() float64 { return 9 }))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "pinion_master_pending_requests 7"), body)
}
