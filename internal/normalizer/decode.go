package normalizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tphakala/sentinel-console/internal/model"
)

// FlexID accepts a JSON string or number as an id string.
type FlexID string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = FlexID(n.String())
	return nil
}

// nodeRef is a detection's node reference: the string node_id on push
// frames, the backend's integer node key on REST detection rows.
type nodeRef struct {
	id  FlexID
	key int64
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *nodeRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] == '"' || bytes.Equal(b, []byte("null")) {
		return r.id.UnmarshalJSON(b)
	}
	key, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("node_id must be a string or integer key: %w", err)
	}
	r.key = key
	return nil
}

func (r nodeRef) empty() bool { return r.id == "" && r.key == 0 }

type wireLocation struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	AltitudeM *float64 `json:"altitude_m"`
	AccuracyM *float64 `json:"accuracy_m"`
}

type wireNode struct {
	Key           *int64        `json:"id"`
	NodeID        FlexID        `json:"node_id"`
	Status        string        `json:"status"`
	LastHeartbeat *string       `json:"last_heartbeat"`
	Location      *wireLocation `json:"location"`
	Latitude      *float64      `json:"latitude"`
	Longitude     *float64      `json:"longitude"`
}

type wireObject struct {
	BBox       *model.BoundingBox `json:"bbox"`
	Class      *string            `json:"class"`
	ClassID    *int               `json:"class_id"`
	Confidence *float64           `json:"confidence"`
}

type wireDetection struct {
	ID              *int64        `json:"id"`
	NodeID          nodeRef       `json:"node_id"`
	Timestamp       *string       `json:"timestamp"`
	Latitude        *float64      `json:"latitude"`
	Longitude       *float64      `json:"longitude"`
	AltitudeM       *float64      `json:"altitude_m"`
	AccuracyM       *float64      `json:"accuracy_m"`
	Location        *wireLocation `json:"location"`
	Detections      []wireObject  `json:"detections"`
	DetectionCount  *int          `json:"detection_count"`
	InferenceTimeMs *float64      `json:"inference_time_ms"`
	Model           *string       `json:"model"`
}

type wireBlackout struct {
	ID                    *int64  `json:"id"`
	NodeID                FlexID  `json:"node_id"`
	ActivatedAt           *string `json:"activated_at"`
	DeactivatedAt         *string `json:"deactivated_at"`
	ActivatedBy           *string `json:"activated_by"`
	Reason                *string `json:"reason"`
	DetectionsQueued      *int    `json:"detections_queued"`
	DetectionsTransmitted *int    `json:"detections_transmitted"`
	Timestamp             *string `json:"timestamp"`
}

// statusAliases maps backend-internal statuses onto the console's set.
var statusAliases = map[string]model.NodeStatus{
	"resuming": model.StatusOnline,
}

// DecodeNode normalizes one node object (push data or REST row).
func DecodeNode(data []byte) (model.Node, Report, error) {
	var (
		w      wireNode
		report Report
	)
	if err := strictObject(data, &w); err != nil {
		return model.Node{}, report, err
	}

	if w.NodeID == "" {
		return model.Node{}, report, missingField("node_id")
	}
	if w.Status == "" {
		return model.Node{}, report, missingField("status")
	}

	raw := strings.ToLower(strings.TrimSpace(w.Status))
	status := model.NodeStatus(raw)
	if alias, ok := statusAliases[raw]; ok {
		status = alias
		report.add("status:" + raw + "->" + string(alias))
	}
	if !status.Valid() {
		return model.Node{}, report, malformed("unknown status %q", w.Status)
	}

	node := model.Node{NodeID: string(w.NodeID), Status: status}
	if w.Key != nil {
		node.Key = *w.Key
	}

	if w.LastHeartbeat != nil && *w.LastHeartbeat != "" {
		ts, err := parseTime(*w.LastHeartbeat)
		if err != nil {
			return model.Node{}, report, malformed("last_heartbeat: %v", err)
		}
		node.LastHeartbeat = &ts
	}

	lat, lng := w.Latitude, w.Longitude
	if w.Location != nil {
		lat, lng = w.Location.Latitude, w.Location.Longitude
	}
	if lat != nil && lng != nil {
		node.Location = &model.Location{
			Latitude:  clamp(*lat, -90, 90, "latitude", &report),
			Longitude: clamp(*lng, -180, 180, "longitude", &report),
		}
	}

	return node, report, nil
}

// DecodeDetection normalizes one detection object. Confidence and coordinates
// are clamped, and detection_count is forced to the number of sub-detections.
func DecodeDetection(data []byte) (model.Detection, Report, error) {
	var (
		w      wireDetection
		report Report
	)
	if err := strictObject(data, &w); err != nil {
		return model.Detection{}, report, err
	}

	if w.NodeID.empty() {
		return model.Detection{}, report, missingField("node_id")
	}
	if w.Timestamp == nil || *w.Timestamp == "" {
		return model.Detection{}, report, missingField("timestamp")
	}
	ts, err := parseTime(*w.Timestamp)
	if err != nil {
		return model.Detection{}, report, malformed("timestamp: %v", err)
	}

	lat, lng, alt, acc := w.Latitude, w.Longitude, w.AltitudeM, w.AccuracyM
	if w.Location != nil {
		lat, lng = w.Location.Latitude, w.Location.Longitude
		if w.Location.AltitudeM != nil {
			alt = w.Location.AltitudeM
		}
		if w.Location.AccuracyM != nil {
			acc = w.Location.AccuracyM
		}
	}
	if lat == nil {
		return model.Detection{}, report, missingField("latitude")
	}
	if lng == nil {
		return model.Detection{}, report, missingField("longitude")
	}

	d := model.Detection{
		NodeID:          string(w.NodeID.id),
		NodeKey:         w.NodeID.key,
		Timestamp:       ts,
		Latitude:        clamp(*lat, -90, 90, "latitude", &report),
		Longitude:       clamp(*lng, -180, 180, "longitude", &report),
		AltitudeM:       alt,
		AccuracyM:       acc,
		InferenceTimeMs: w.InferenceTimeMs,
		Detections:      make([]model.ObjectDetection, 0, len(w.Detections)),
	}
	if w.ID != nil {
		d.ID = *w.ID
	}
	if w.Model != nil {
		d.Model = *w.Model
	}

	for i, obj := range w.Detections {
		if obj.Class == nil || *obj.Class == "" {
			return model.Detection{}, report, missingField(fmt.Sprintf("detections[%d].class", i))
		}
		if obj.Confidence == nil {
			return model.Detection{}, report, missingField(fmt.Sprintf("detections[%d].confidence", i))
		}
		od := model.ObjectDetection{
			Class:      *obj.Class,
			Confidence: clamp(*obj.Confidence, 0, 1, "confidence", &report),
		}
		if obj.BBox != nil {
			od.BBox = *obj.BBox
		}
		if obj.ClassID != nil {
			od.ClassID = *obj.ClassID
		}
		d.Detections = append(d.Detections, od)
	}

	d.DetectionCount = len(d.Detections)
	if w.DetectionCount != nil && *w.DetectionCount != d.DetectionCount {
		report.add(fmt.Sprintf("detection_count:%d->%d", *w.DetectionCount, d.DetectionCount))
	}

	return d, report, nil
}

// DecodeBlackoutEvent normalizes a full blackout record.
func DecodeBlackoutEvent(data []byte) (model.BlackoutEvent, Report, error) {
	var (
		w      wireBlackout
		report Report
	)
	if err := strictObject(data, &w); err != nil {
		return model.BlackoutEvent{}, report, err
	}

	if w.NodeID == "" {
		return model.BlackoutEvent{}, report, missingField("node_id")
	}
	if w.ActivatedAt == nil || *w.ActivatedAt == "" {
		return model.BlackoutEvent{}, report, missingField("activated_at")
	}

	activated, err := parseTime(*w.ActivatedAt)
	if err != nil {
		return model.BlackoutEvent{}, report, malformed("activated_at: %v", err)
	}

	e := model.BlackoutEvent{NodeID: string(w.NodeID), ActivatedAt: activated}
	if w.ID != nil {
		e.ID = *w.ID
	}
	if w.DeactivatedAt != nil && *w.DeactivatedAt != "" {
		deactivated, err := parseTime(*w.DeactivatedAt)
		if err != nil {
			return model.BlackoutEvent{}, report, malformed("deactivated_at: %v", err)
		}
		e.DeactivatedAt = &deactivated
	}
	if w.ActivatedBy != nil {
		e.ActivatedBy = *w.ActivatedBy
	}
	if w.Reason != nil {
		e.Reason = *w.Reason
	}
	if w.DetectionsQueued != nil {
		queued := *w.DetectionsQueued
		if queued < 0 {
			report.add("detections_queued:negative->0")
			queued = 0
		}
		e.DetectionsQueued = queued
	}

	return e, report, nil
}

// decodeLegacyBlackout projects the backend's flat blackout_activated and
// blackout_deactivated broadcasts.
func decodeLegacyBlackout(data []byte, action BlackoutAction) (BlackoutEventMsg, error) {
	var w wireBlackout
	if err := strictObject(data, &w); err != nil {
		return BlackoutEventMsg{}, err
	}
	if w.NodeID == "" {
		return BlackoutEventMsg{}, missingField("node_id")
	}
	if w.Timestamp == nil || *w.Timestamp == "" {
		return BlackoutEventMsg{}, missingField("timestamp")
	}
	ts, err := parseTime(*w.Timestamp)
	if err != nil {
		return BlackoutEventMsg{}, malformed("timestamp: %v", err)
	}

	msg := BlackoutEventMsg{
		Action: action,
		Event:  model.BlackoutEvent{NodeID: string(w.NodeID)},
	}
	switch action {
	case BlackoutActivated:
		msg.Event.ActivatedAt = ts
		if w.Reason != nil {
			msg.Event.Reason = *w.Reason
		}
	case BlackoutDeactivated:
		msg.Event.DeactivatedAt = &ts
		if w.DetectionsTransmitted != nil {
			n := max(*w.DetectionsTransmitted, 0)
			msg.DetectionsTransmitted = &n
		}
	}
	return msg, nil
}

// strictObject requires data to be a JSON object and decodes it into v.
func strictObject(data []byte, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return malformed("payload is not a JSON object")
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return malformed("decode: %v", err)
	}
	return nil
}

func clamp(v, lo, hi float64, field string, report *Report) float64 {
	switch {
	case math.IsNaN(v):
		report.add(field + ":nan")
		return lo
	case v < lo:
		report.add(field + ":clamped")
		return lo
	case v > hi:
		report.add(field + ":clamped")
		return hi
	default:
		return v
	}
}

// timeLayouts covers RFC3339 and the naive ISO-8601 strings the backend's
// isoformat() produces for timezone-less columns.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// parseTime parses a wire timestamp. Naive timestamps are taken as UTC and
// numeric strings as unix seconds.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(secs) && !math.IsInf(secs, 0) {
		whole, frac := math.Modf(secs)
		return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
