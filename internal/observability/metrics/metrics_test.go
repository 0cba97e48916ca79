package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/sentinel-console/internal/alerts"
	"github.com/tphakala/sentinel-console/internal/blackout"
	"github.com/tphakala/sentinel-console/internal/errors"
	"github.com/tphakala/sentinel-console/internal/normalizer"
	"github.com/tphakala/sentinel-console/internal/notification"
	"github.com/tphakala/sentinel-console/internal/reconcile"
	"github.com/tphakala/sentinel-console/internal/store"
	"github.com/tphakala/sentinel-console/internal/transport"
)

var (
	_ transport.Recorder    = (*TransportMetrics)(nil)
	_ normalizer.Recorder   = (*SyncMetrics)(nil)
	_ store.Recorder        = (*SyncMetrics)(nil)
	_ reconcile.Recorder    = (*SyncMetrics)(nil)
	_ blackout.Recorder     = (*CommandMetrics)(nil)
	_ alerts.Recorder       = (*CommandMetrics)(nil)
	_ notification.Recorder = (*NotificationMetrics)(nil)
)

func TestTransportMetrics(t *testing.T) {
	t.Parallel()

	m, err := NewTransportMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.RecordConnection("websocket", true)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ConnectionStatus.WithLabelValues("websocket")), 0)
	assert.Positive(t, testutil.ToFloat64(m.LastConnectTime.WithLabelValues("websocket")))
	m.RecordConnection("websocket", false)
	assert.InDelta(t, 0, testutil.ToFloat64(m.ConnectionStatus.WithLabelValues("websocket")), 0)

	m.RecordReconnectAttempt("mqtt")
	m.RecordReconnectAttempt("mqtt")
	m.RecordFrame("mqtt")
	m.RecordDroppedFrame("mqtt", transport.DropNotObject)
	assert.InDelta(t, 2, testutil.ToFloat64(m.ReconnectAttempts.WithLabelValues("mqtt")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.FramesReceived.WithLabelValues("mqtt")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.FramesDropped.WithLabelValues("mqtt", transport.DropNotObject)), 0)
}

func TestSyncMetrics(t *testing.T) {
	t.Parallel()

	m, err := NewSyncMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.RecordMalformed("unknown_type")
	m.RecordCorrection("confidence_clamped")
	m.RecordAnomaly(string(store.AnomalyCovertToOffline))
	m.RecordReconcile(reconcile.ResultOK, 120*time.Millisecond)
	m.RecordReconcile(reconcile.ResultSkipped, 0)

	assert.InDelta(t, 1, testutil.ToFloat64(m.MalformedEvents.WithLabelValues("unknown_type")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Corrections.WithLabelValues("confidence_clamped")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.AnomalousTransitions.WithLabelValues("covert->offline")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ReconcileRuns.WithLabelValues(reconcile.ResultSkipped)), 0)
	var h dto.Metric
	require.NoError(t, m.ReconcileDuration.Write(&h))
	assert.Equal(t, uint64(1), h.GetHistogram().GetSampleCount(), "skipped runs carry no duration")
	assert.Positive(t, testutil.ToFloat64(m.LastReconcileTime))
}

func TestCommandAndNotificationMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	cmd, err := NewCommandMetrics(reg)
	require.NoError(t, err)
	notif, err := NewNotificationMetrics(reg)
	require.NoError(t, err)

	cmd.RecordCommand("activate", blackout.ResultOK)
	cmd.RecordCommand("activate", blackout.ResultAlreadyPending)
	cmd.RecordAlertNotification(alerts.ResultThrottled)
	notif.RecordNotification("log", notification.ResultSent)
	notif.RecordNotification("queue", notification.ResultDropped)

	assert.InDelta(t, 1, testutil.ToFloat64(cmd.Commands.WithLabelValues("activate", "already_pending")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(cmd.AlertNotifications.WithLabelValues("throttled")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(notif.ProviderDeliveriesTotal.WithLabelValues("queue", "dropped")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(notif.ProviderLastSuccessTime), "only successful providers get a timestamp")

	// Registering the same collectors twice on one registry fails.
	_, err = NewCommandMetrics(reg)
	require.Error(t, err)
}

func TestHTTPMetrics(t *testing.T) {
	t.Parallel()

	m, err := NewHTTPMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "http://backend/api/nodes/node-001/heartbeat", http.NoBody)
	m.ObserveRESTRequest(req, &http.Response{StatusCode: http.StatusOK}, nil, 40*time.Millisecond)
	m.ObserveRESTRequest(req, nil, errors.NewStd("connection refused"), time.Second)

	assert.InDelta(t, 1, testutil.ToFloat64(m.restRequestsTotal.WithLabelValues("POST", "/api/nodes/:id/heartbeat", "200")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.restRequestsTotal.WithLabelValues("POST", "/api/nodes/:id/heartbeat", StatusError)), 0)

	m.APIRequestStarted()
	assert.InDelta(t, 1, m.ActiveAPIRequests(), 0)
	m.RecordAPIRequest(http.MethodGet, "/api/v1/nodes/:id", http.StatusNotFound, time.Millisecond)
	m.APIRequestFinished()
	assert.InDelta(t, 0, m.ActiveAPIRequests(), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.apiRequestsTotal.WithLabelValues("GET", "/api/v1/nodes/:id", "404")), 0)
}

func TestRouteLabel(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"/api/nodes":                    "/api/nodes",
		"/api/nodes/register":           "/api/nodes/register",
		"/api/nodes/node-001":           "/api/nodes/:id",
		"/api/nodes/node-001/heartbeat": "/api/nodes/:id/heartbeat",
		"/api/detections":               "/api/detections",
		"/api/blackout/activate":        "/api/blackout/activate",
		"":                              "/",
	}
	for in, want := range tests {
		assert.Equal(t, want, RouteLabel(in), in)
	}
}
