package model

import (
	"cmp"
	"time"
)

// BoundingBox is a detection box in image pixel coordinates.
type BoundingBox struct {
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
}

// ObjectDetection is one classified sighting inside a Detection.
type ObjectDetection struct {
	BBox       BoundingBox `json:"bbox"`
	Class      string      `json:"class"`
	ClassID    int         `json:"class_id"`
	Confidence float64     `json:"confidence"`
}

// Detection is one ingest event from a node. It is immutable once stored and
// DetectionCount always equals len(Detections).
type Detection struct {
	ID              int64             `json:"id"`
	NodeID          string            `json:"node_id"`
	Timestamp       time.Time         `json:"timestamp"`
	Latitude        float64           `json:"latitude"`
	Longitude       float64           `json:"longitude"`
	AltitudeM       *float64          `json:"altitude_m,omitempty"`
	AccuracyM       *float64          `json:"accuracy_m,omitempty"`
	Detections      []ObjectDetection `json:"detections"`
	DetectionCount  int               `json:"detection_count"`
	InferenceTimeMs *float64          `json:"inference_time_ms,omitempty"`
	Model           string            `json:"model,omitempty"`

	// NodeKey is the backend's integer node key, set on REST rows that
	// reference the node by key. NodeID is empty until the key is resolved.
	NodeKey int64 `json:"-"`
}

// MaxConfidence returns the highest sub-detection confidence, or 0 when empty.
func (d *Detection) MaxConfidence() float64 {
	top, ok := d.TopObject()
	if !ok {
		return 0
	}
	return top.Confidence
}

// TopObject returns the sub-detection with the highest confidence. Ties keep
// the earliest one.
func (d *Detection) TopObject() (ObjectDetection, bool) {
	if len(d.Detections) == 0 {
		return ObjectDetection{}, false
	}
	best := d.Detections[0]
	for _, od := range d.Detections[1:] {
		if od.Confidence > best.Confidence {
			best = od
		}
	}
	return best, true
}

// CompareNewestFirst orders detections by timestamp descending with id
// descending as tie-break. Use with slices.SortFunc.
func CompareNewestFirst(a, b Detection) int {
	if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(b.ID, a.ID)
}
