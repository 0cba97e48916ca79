package backend

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/sentinel-console/internal/errors"
	"github.com/tphakala/sentinel-console/internal/httpclient"
	"github.com/tphakala/sentinel-console/internal/logger"
	"github.com/tphakala/sentinel-console/internal/model"
)

const testBase = "http://backend.test"

func newMockClient(t *testing.T) (*Client, *httpmock.MockTransport) {
	t.Helper()
	transport := httpmock.NewMockTransport()
	hc := httpclient.New(&httpclient.Config{Transport: transport, DefaultTimeout: 2 * time.Second})
	c, err := New(hc, testBase+"/", logger.NewDiscard())
	require.NoError(t, err)
	return c, transport
}

func TestNewRejectsBadURL(t *testing.T) {
	t.Parallel()

	_, err := New(httpclient.New(nil), "ftp://backend", logger.NewDiscard())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestListNodes(t *testing.T) {
	t.Parallel()

	c, transport := newMockClient(t)
	transport.RegisterResponder(http.MethodGet, testBase+"/api/nodes",
		httpmock.NewStringResponder(http.StatusOK, `[
			{"id": 1, "node_id": "node-001", "status": "online", "last_heartbeat": "2026-03-01T12:00:00"},
			{"id": 2, "node_id": "node-002", "status": "resuming"},
			{"id": 3, "status": "online"}
		]`))

	nodes, err := c.ListNodes(t.Context())
	require.NoError(t, err)
	require.Len(t, nodes, 2, "row without node_id is skipped")
	assert.Equal(t, "node-001", nodes[0].NodeID)
	assert.Equal(t, int64(1), nodes[0].Key)
	require.NotNil(t, nodes[0].LastHeartbeat)
	assert.Equal(t, model.StatusOnline, nodes[1].Status)
}

func TestListDetectionsQueryAndFilters(t *testing.T) {
	t.Parallel()

	c, transport := newMockClient(t)
	transport.RegisterResponder(http.MethodGet, testBase+"/api/detections",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "1000", req.URL.Query().Get("limit"))
			assert.Equal(t, "5", req.URL.Query().Get("offset"))
			return httpmock.NewStringResponse(http.StatusOK, `[
				{"id": 9, "node_id": 1, "timestamp": "2026-03-01T12:05:00", "latitude": 1, "longitude": 2,
				 "detections": [{"class": "person", "confidence": 0.95}], "detection_count": 1},
				{"id": 8, "node_id": 1, "timestamp": "2026-03-01T12:04:00", "latitude": 1, "longitude": 2,
				 "detections": [{"class": "dog", "confidence": 0.3}], "detection_count": 1},
				{"id": 7, "node_id": 1, "timestamp": "2026-03-01T11:00:00", "latitude": 1, "longitude": 2,
				 "detections": [{"class": "person", "confidence": 0.99}], "detection_count": 1},
				{"id": 6, "node_id": 1, "latitude": 1, "longitude": 2}
			]`), nil
		})

	dets, err := c.ListDetections(t.Context(), DetectionQuery{
		Limit:         5000,
		Offset:        5,
		Since:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		MinConfidence: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, int64(9), dets[0].ID)
	assert.Empty(t, dets[0].NodeID, "integer node keys are resolved by the caller")
	assert.Equal(t, int64(1), dets[0].NodeKey)
}

func TestCommandCarriesRequestIDHeader(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	hc := httpclient.New(&httpclient.Config{Transport: transport, DefaultTimeout: 2 * time.Second})
	hc.SetBeforeRequestHook(PropagateRequestID)
	c, err := New(hc, testBase, logger.NewDiscard())
	require.NoError(t, err)

	var seen []string
	transport.RegisterResponder(http.MethodPost, testBase+"/api/blackout/deactivate",
		func(req *http.Request) (*http.Response, error) {
			seen = append(seen, req.Header.Get(RequestIDHeader))
			return httpmock.NewStringResponse(http.StatusOK, `{"status":"not_active","node_id":"node-001"}`), nil
		})
	transport.RegisterResponder(http.MethodGet, testBase+"/api/nodes",
		func(req *http.Request) (*http.Response, error) {
			seen = append(seen, req.Header.Get(RequestIDHeader))
			return httpmock.NewStringResponse(http.StatusOK, `[]`), nil
		})

	_, err = c.DeactivateBlackout(t.Context(), BlackoutCommand{NodeID: "node-001", RequestID: "req-42"})
	require.NoError(t, err)
	_, err = c.ListNodes(t.Context())
	require.NoError(t, err)

	assert.Equal(t, []string{"req-42", ""}, seen, "only commands carry a request id")
}

func TestActivateBlackoutLegacyAck(t *testing.T) {
	t.Parallel()

	c, transport := newMockClient(t)
	transport.RegisterResponder(http.MethodPost, testBase+"/api/blackout/activate",
		func(req *http.Request) (*http.Response, error) {
			var cmd BlackoutCommand
			require.NoError(t, json.NewDecoder(req.Body).Decode(&cmd))
			assert.Equal(t, "node-001", cmd.NodeID)
			assert.Equal(t, "patrol", cmd.Reason)
			return httpmock.NewStringResponse(http.StatusOK,
				`{"status":"blackout_activated","node_id":"node-001","timestamp":"2026-03-01T12:00:00+00:00"}`), nil
		})

	ack, err := c.ActivateBlackout(t.Context(), BlackoutCommand{NodeID: "node-001", Reason: "patrol", Actor: "op"})
	require.NoError(t, err)
	assert.Equal(t, AckActivated, ack.Status)
	assert.Equal(t, "node-001", ack.NodeID)
	assert.Nil(t, ack.Event)
	assert.Equal(t, 12, ack.Timestamp.Hour())
}

func TestActivateBlackoutEventAck(t *testing.T) {
	t.Parallel()

	c, transport := newMockClient(t)
	transport.RegisterResponder(http.MethodPost, testBase+"/api/blackout/activate",
		httpmock.NewStringResponder(http.StatusOK,
			`{"id": 12, "node_id": 1, "activated_at": "2026-03-01T12:00:00Z", "reason": "patrol", "detections_queued": 0}`))

	ack, err := c.ActivateBlackout(t.Context(), BlackoutCommand{NodeID: "node-001"})
	require.NoError(t, err)
	assert.Equal(t, AckActivated, ack.Status)
	require.NotNil(t, ack.Event)
	assert.Equal(t, int64(12), ack.Event.ID)
	assert.Equal(t, "node-001", ack.Event.NodeID)
	assert.True(t, ack.Event.IsOpen())
}

func TestDeactivateBlackoutNotActive(t *testing.T) {
	t.Parallel()

	c, transport := newMockClient(t)
	transport.RegisterResponder(http.MethodPost, testBase+"/api/blackout/deactivate",
		httpmock.NewStringResponder(http.StatusOK, `{"status":"not_active","node_id":"node-001"}`))

	ack, err := c.DeactivateBlackout(t.Context(), BlackoutCommand{NodeID: "node-001"})
	require.NoError(t, err)
	assert.Equal(t, AckNotActive, ack.Status)
}

func TestCommandUnexpectedStatus(t *testing.T) {
	t.Parallel()

	c, transport := newMockClient(t)
	transport.RegisterResponder(http.MethodPost, testBase+"/api/blackout/deactivate",
		httpmock.NewStringResponder(http.StatusOK, `{"status":"maybe"}`))

	_, err := c.DeactivateBlackout(t.Context(), BlackoutCommand{NodeID: "node-001"})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestAPIErrors(t *testing.T) {
	t.Parallel()

	c, transport := newMockClient(t)
	transport.RegisterResponder(http.MethodPost, testBase+"/api/blackout/activate",
		httpmock.NewStringResponder(http.StatusNotFound, `{"detail":"Node not found"}`))
	transport.RegisterResponder(http.MethodGet, testBase+"/api/nodes",
		httpmock.NewStringResponder(http.StatusUnprocessableEntity, `{"detail":[{"loc":["query","limit"]}]}`))

	_, err := c.ActivateBlackout(t.Context(), BlackoutCommand{NodeID: "ghost"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "Node not found", apiErr.Detail)
	assert.True(t, apiErr.NotFound())
	assert.True(t, errors.IsNotFound(err))

	_, err = c.ListNodes(t.Context())
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Detail, "limit")
	assert.False(t, apiErr.Temporary())
	assert.True(t, errors.IsCategory(err, errors.CategoryHTTP))
}

func TestTransportError(t *testing.T) {
	t.Parallel()

	c, transport := newMockClient(t)
	transport.RegisterResponder(http.MethodGet, testBase+"/health",
		httpmock.NewErrorResponder(errors.NewStd("connection refused")))

	_, err := c.Health(t.Context())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryNetwork))
}

func TestHeartbeatAndHealth(t *testing.T) {
	t.Parallel()

	c, transport := newMockClient(t)
	transport.RegisterResponder(http.MethodPost, testBase+"/api/nodes/node-001/heartbeat",
		httpmock.NewStringResponder(http.StatusOK, `{"status":"success","timestamp":"2026-03-01T12:00:00.123456+00:00"}`))
	transport.RegisterResponder(http.MethodGet, testBase+"/health",
		httpmock.NewStringResponder(http.StatusOK, `{"status":"healthy","timestamp":"2026-03-01T12:00:00+00:00"}`))

	ts, err := c.Heartbeat(t.Context(), "node-001")
	require.NoError(t, err)
	assert.Equal(t, 123456000, ts.Nanosecond())

	h, err := c.Health(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
	assert.False(t, h.Timestamp.IsZero())
}

func TestRegisterNode(t *testing.T) {
	t.Parallel()

	c, transport := newMockClient(t)
	transport.RegisterResponder(http.MethodPost, testBase+"/api/nodes/register",
		httpmock.NewStringResponder(http.StatusOK,
			`{"id": 4, "node_id": "node-004", "status": "online", "last_heartbeat": "2026-03-01T12:00:00"}`))

	n, err := c.RegisterNode(t.Context(), NodeRegistration{NodeID: "node-004"})
	require.NoError(t, err)
	assert.Equal(t, "node-004", n.NodeID)
	assert.Equal(t, model.StatusOnline, n.Status)
	assert.Equal(t, 1, transport.GetTotalCallCount())
}
