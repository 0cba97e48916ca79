// Package backend is the REST client for the Sentinel backend: snapshot pulls
// for reconciliation and the blackout command path. It works independently of
// the push channel.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tphakala/sentinel-console/internal/errors"
	"github.com/tphakala/sentinel-console/internal/httpclient"
	"github.com/tphakala/sentinel-console/internal/logger"
	"github.com/tphakala/sentinel-console/internal/model"
	"github.com/tphakala/sentinel-console/internal/normalizer"
)

const (
	pathNodes          = "/api/nodes"
	pathRegister       = "/api/nodes/register"
	pathDetections     = "/api/detections"
	pathActivate       = "/api/blackout/activate"
	pathDeactivate     = "/api/blackout/deactivate"
	pathHealth         = "/health"
	maxDetectionLimit  = 1000
	maxErrorBodyBytes  = 4 << 10
	maxResponseBytes   = 16 << 20
	defaultDetectLimit = 100
)

// Client calls the backend REST API.
type Client struct {
	http    *httpclient.Client
	baseURL *url.URL
	log     logger.Logger
}

// New creates a client for the REST base URL (scheme and host, optional path prefix).
func New(hc *httpclient.Client, baseURL string, log logger.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.New(err).
			Component("backend").
			Category(errors.CategoryConfiguration).
			Context("rest_url", baseURL).
			Build()
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Newf("rest url must be http or https, got %q", baseURL).
			Component("backend").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return &Client{http: hc, baseURL: u, log: log.Module("backend")}, nil
}

// BaseURL returns the configured REST base URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// ListNodes fetches the node snapshot. Rows that fail normalization are
// skipped and logged.
func (c *Client) ListNodes(ctx context.Context) ([]model.Node, error) {
	var rows []json.RawMessage
	if err := c.getJSON(ctx, pathNodes, nil, &rows); err != nil {
		return nil, err
	}

	nodes := make([]model.Node, 0, len(rows))
	for i, row := range rows {
		n, _, err := normalizer.DecodeNode(row)
		if err != nil {
			c.log.Warn("skipping malformed node row", logger.Int("row", i), logger.Error(err))
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// GetNode fetches one node's status.
func (c *Client) GetNode(ctx context.Context, nodeID string) (model.Node, error) {
	var row json.RawMessage
	if err := c.getJSON(ctx, pathNodes+"/"+url.PathEscape(nodeID)+"/status", nil, &row); err != nil {
		return model.Node{}, err
	}
	n, _, err := normalizer.DecodeNode(row)
	if err != nil {
		return model.Node{}, c.wrap(err, http.MethodGet, pathNodes, errors.CategoryValidation)
	}
	return n, nil
}

// ListDetections fetches a detection snapshot, newest first.
func (c *Client) ListDetections(ctx context.Context, q DetectionQuery) ([]model.Detection, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultDetectLimit
	}
	limit = min(limit, maxDetectionLimit)

	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}

	var rows []json.RawMessage
	if err := c.getJSON(ctx, pathDetections, params, &rows); err != nil {
		return nil, err
	}

	dets := make([]model.Detection, 0, len(rows))
	for i, row := range rows {
		d, _, err := normalizer.DecodeDetection(row)
		if err != nil {
			c.log.Warn("skipping malformed detection row", logger.Int("row", i), logger.Error(err))
			continue
		}
		if !q.Since.IsZero() && d.Timestamp.Before(q.Since) {
			continue
		}
		if q.MinConfidence > 0 && d.MaxConfidence() < q.MinConfidence {
			continue
		}
		dets = append(dets, d)
	}
	return dets, nil
}

// RegisterNode registers a node, returning the existing record if it is
// already known.
func (c *Client) RegisterNode(ctx context.Context, reg NodeRegistration) (model.Node, error) {
	var row json.RawMessage
	if err := c.postJSON(ctx, pathRegister, reg, &row); err != nil {
		return model.Node{}, err
	}
	n, _, err := normalizer.DecodeNode(row)
	if err != nil {
		return model.Node{}, c.wrap(err, http.MethodPost, pathRegister, errors.CategoryValidation)
	}
	return n, nil
}

// Heartbeat refreshes a node's heartbeat and returns the backend timestamp.
func (c *Client) Heartbeat(ctx context.Context, nodeID string) (time.Time, error) {
	var body struct {
		Timestamp string `json:"timestamp"`
	}
	path := pathNodes + "/" + url.PathEscape(nodeID) + "/heartbeat"
	if err := c.postJSON(ctx, path, nil, &body); err != nil {
		return time.Time{}, err
	}
	ts, err := parseTimestamp(body.Timestamp)
	if err != nil {
		return time.Time{}, c.wrap(err, http.MethodPost, path, errors.CategoryValidation)
	}
	return ts, nil
}

// RequestIDHeader carries the command's request id to the backend.
const RequestIDHeader = "X-Request-ID"

// PropagateRequestID copies the trace id from the request context into the
// request id header. Install it with httpclient's SetBeforeRequestHook.
func PropagateRequestID(req *http.Request) {
	if req.Header.Get(RequestIDHeader) != "" {
		return
	}
	if id := logger.TraceIDFromContext(req.Context()); id != "" {
		req.Header.Set(RequestIDHeader, id)
	}
}

// ActivateBlackout asks the backend to put a node in covert mode.
func (c *Client) ActivateBlackout(ctx context.Context, cmd BlackoutCommand) (Ack, error) {
	return c.command(ctx, pathActivate, cmd)
}

// DeactivateBlackout asks the backend to end a node's covert mode.
func (c *Client) DeactivateBlackout(ctx context.Context, cmd BlackoutCommand) (Ack, error) {
	return c.command(ctx, pathDeactivate, cmd)
}

// Health calls the backend liveness endpoint.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var body struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := c.getJSON(ctx, pathHealth, nil, &body); err != nil {
		return Health{}, err
	}
	h := Health{Status: body.Status}
	if ts, err := parseTimestamp(body.Timestamp); err == nil {
		h.Timestamp = ts
	}
	return h, nil
}

type wireAck struct {
	Status                AckStatus         `json:"status"`
	NodeID                normalizer.FlexID `json:"node_id"`
	Timestamp             string            `json:"timestamp"`
	DetectionsTransmitted *int              `json:"detections_transmitted"`
	ActivatedAt           *string           `json:"activated_at"`
}

func (c *Client) command(ctx context.Context, path string, cmd BlackoutCommand) (Ack, error) {
	if cmd.RequestID != "" {
		ctx = logger.WithTraceID(ctx, cmd.RequestID)
	}

	var raw json.RawMessage
	if err := c.postJSON(ctx, path, cmd, &raw); err != nil {
		return Ack{}, err
	}

	var w wireAck
	if err := json.Unmarshal(raw, &w); err != nil {
		return Ack{}, c.wrap(fmt.Errorf("decode ack: %w", err), http.MethodPost, path, errors.CategoryValidation)
	}

	ack := Ack{Status: w.Status, NodeID: string(w.NodeID), DetectionsTransmitted: w.DetectionsTransmitted}
	if ack.NodeID == "" {
		ack.NodeID = cmd.NodeID
	}
	if ts, err := parseTimestamp(w.Timestamp); err == nil {
		ack.Timestamp = ts
	}

	if w.ActivatedAt != nil {
		ev, _, err := normalizer.DecodeBlackoutEvent(raw)
		if err != nil {
			return Ack{}, c.wrap(err, http.MethodPost, path, errors.CategoryValidation)
		}
		// Event responses carry the internal node key; keep the console's id.
		ev.NodeID = cmd.NodeID
		ack.Event = &ev
		if ack.Status == "" {
			ack.Status = AckActivated
			if !ev.IsOpen() {
				ack.Status = AckDeactivated
			}
		}
		if ack.Timestamp.IsZero() {
			ack.Timestamp = ev.ActivatedAt
			if ev.DeactivatedAt != nil {
				ack.Timestamp = *ev.DeactivatedAt
			}
		}
	}

	switch ack.Status {
	case AckActivated, AckAlreadyActive, AckDeactivated, AckNotActive:
	default:
		return Ack{}, c.wrap(fmt.Errorf("unexpected ack status %q", ack.Status), http.MethodPost, path, errors.CategoryValidation)
	}

	c.log.WithContext(ctx).Debug("blackout command acknowledged",
		logger.String("path", path),
		logger.String("node_id", ack.NodeID),
		logger.String("status", string(ack.Status)))
	return ack, nil
}

func (c *Client) endpoint(path string, params url.Values) string {
	u := c.baseURL.JoinPath(path)
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}
	return u.String()
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	resp, err := c.http.Get(ctx, c.endpoint(path, params))
	if err != nil {
		return c.transportError(ctx, err, http.MethodGet, path)
	}
	return c.decode(resp, http.MethodGet, path, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	resp, err := c.http.PostJSON(ctx, c.endpoint(path, nil), body)
	if err != nil {
		return c.transportError(ctx, err, http.MethodPost, path)
	}
	return c.decode(resp, http.MethodPost, path, out)
}

func (c *Client) decode(resp *http.Response, method, path string, out any) error {
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.log.Debug("failed to close response body", logger.Error(err))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Method: method, Path: path, StatusCode: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil {
			apiErr.Detail = eb.text()
		}
		category := errors.CategoryHTTP
		if apiErr.NotFound() {
			category = errors.CategoryNotFound
		}
		return errors.New(apiErr).
			Component("backend").
			Category(category).
			Context("method", method).
			Context("path", path).
			Context("status_code", resp.StatusCode).
			Build()
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return c.wrap(fmt.Errorf("decode response: %w", err), method, path, errors.CategoryValidation)
	}
	return nil
}

func (c *Client) transportError(ctx context.Context, err error, method, path string) error {
	category := errors.CategoryNetwork
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		category = errors.CategoryTimeout
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		category = errors.CategoryCancellation
	}
	return errors.New(err).
		Component("backend").
		Category(category).
		NetworkContext(c.baseURL.String(), 0).
		Context("method", method).
		Context("path", path).
		Build()
}

func (c *Client) wrap(err error, method, path string, category errors.ErrorCategory) error {
	return errors.New(err).
		Component("backend").
		Category(category).
		Context("method", method).
		Context("path", path).
		Build()
}

// parseTimestamp reads the backend's isoformat() timestamps, with or without offset.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}
