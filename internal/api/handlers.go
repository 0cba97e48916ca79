package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/sentinel-console/internal/blackout"
	"github.com/tphakala/sentinel-console/internal/engine"
	"github.com/tphakala/sentinel-console/internal/model"
)

// defaultActor is recorded on commands that do not name an operator.
const defaultActor = "console"

// NodeView is a node with its coordinator phase and open blackout.
type NodeView struct {
	model.Node
	Phase        blackout.Phase       `json:"phase"`
	OpenBlackout *model.BlackoutEvent `json:"open_blackout,omitempty"`
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	engine.Stats
	Pending       map[string]blackout.Phase `json:"pending"`
	UptimeSeconds float64                   `json:"uptime_seconds"`
}

// BlackoutRequest is the body of the blackout command endpoints.
type BlackoutRequest struct {
	NodeID string `json:"node_id"`
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// BlackoutResponse reports the event recorded for a command.
type BlackoutResponse struct {
	Event model.BlackoutEvent `json:"event"`
	Phase blackout.Phase      `json:"phase"`
}

// healthCheck handles the liveness endpoint.
func (s *Server) healthCheck(c echo.Context) error {
	uptime := time.Since(s.startTime)
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        s.build.GetVersion(),
		"build_date":     s.build.GetBuildDate(),
		"uptime":         uptime.Round(time.Second).String(),
		"uptime_seconds": uptime.Seconds(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) getStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Stats:         s.engine.Stats(),
		Pending:       s.engine.Pending(),
		UptimeSeconds: time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) nodeView(n model.Node) NodeView {
	v := NodeView{Node: n, Phase: s.engine.Phase(n.NodeID)}
	if ev, ok := s.engine.Snapshot().OpenBlackout(n.NodeID); ok {
		v.OpenBlackout = &ev
	}
	return v
}

func (s *Server) listNodes(c echo.Context) error {
	snap := s.engine.Snapshot()
	nodes := snap.Nodes()
	views := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, s.nodeView(n))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"nodes":   views,
		"count":   len(views),
		"version": snap.Version,
	})
}

func (s *Server) getNode(c echo.Context) error {
	id := c.Param("id")
	n, ok := s.engine.Snapshot().Node(id)
	if !ok {
		return s.handleError(c, nil, "node not found: "+id, http.StatusNotFound)
	}
	return c.JSON(http.StatusOK, s.nodeView(n))
}

// listDetections returns detections newest first, optionally for one node.
func (s *Server) listDetections(c echo.Context) error {
	limit := defaultDetectionLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return s.handleError(c, err, "limit must be a positive integer", http.StatusBadRequest)
		}
		limit = min(n, maxDetectionLimit)
	}

	snap := s.engine.Snapshot()
	var detections []model.Detection
	if nodeID := c.QueryParam("node_id"); nodeID != "" {
		detections = snap.DetectionsForNode(nodeID)
	} else {
		detections = snap.Detections()
	}
	total := len(detections)
	if len(detections) > limit {
		detections = detections[:limit]
	}
	if detections == nil {
		detections = []model.Detection{}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"detections": detections,
		"count":      len(detections),
		"total":      total,
		"version":    snap.DetectionsVersion,
	})
}

func (s *Server) listAlerts(c echo.Context) error {
	view := s.engine.Alerts()
	return c.JSON(http.StatusOK, map[string]any{
		"alerts":     view.Alerts,
		"count":      len(view.Alerts),
		"threshold":  view.Threshold,
		"generation": view.Generation,
	})
}

func (s *Server) listBlackouts(c echo.Context) error {
	snap := s.engine.Snapshot()
	events := snap.Blackouts(c.QueryParam("node_id"))
	if events == nil {
		events = []model.BlackoutEvent{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"blackouts": events,
		"count":     len(events),
		"open":      snap.OpenBlackoutCount(),
	})
}

func (s *Server) activateBlackout(c echo.Context) error {
	req, rerr := s.bindBlackoutRequest(c)
	if rerr != nil {
		return s.handleError(c, rerr.err, rerr.message, rerr.code)
	}
	ev, err := s.engine.Activate(c.Request().Context(), req.NodeID, req.Reason, req.Actor)
	if err != nil {
		return s.handleError(c, err, "blackout activation failed", commandStatus(err))
	}
	return c.JSON(http.StatusOK, BlackoutResponse{Event: ev, Phase: s.engine.Phase(req.NodeID)})
}

func (s *Server) deactivateBlackout(c echo.Context) error {
	req, rerr := s.bindBlackoutRequest(c)
	if rerr != nil {
		return s.handleError(c, rerr.err, rerr.message, rerr.code)
	}
	ev, err := s.engine.Deactivate(c.Request().Context(), req.NodeID, req.Actor)
	if err != nil {
		return s.handleError(c, err, "blackout deactivation failed", commandStatus(err))
	}
	return c.JSON(http.StatusOK, BlackoutResponse{Event: ev, Phase: s.engine.Phase(req.NodeID)})
}

// requestError describes a rejected request before it reaches the engine.
type requestError struct {
	err     error
	message string
	code    int
}

// bindBlackoutRequest decodes and checks a command body.
func (s *Server) bindBlackoutRequest(c echo.Context) (BlackoutRequest, *requestError) {
	var req BlackoutRequest
	if err := c.Bind(&req); err != nil {
		return req, &requestError{err, "invalid request body", http.StatusBadRequest}
	}
	if req.NodeID == "" {
		return req, &requestError{nil, "node_id is required", http.StatusBadRequest}
	}
	if _, ok := s.engine.Snapshot().Node(req.NodeID); !ok {
		return req, &requestError{nil, "node not found: " + req.NodeID, http.StatusNotFound}
	}
	if req.Actor == "" {
		req.Actor = defaultActor
	}
	return req, nil
}
