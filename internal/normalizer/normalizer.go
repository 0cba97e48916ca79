// Package normalizer turns raw push frames into typed events.
//
// Frames are envelopes of the form {"type": ..., "data": {...}}. The type is
// matched against the three known variants and data is decoded into the
// matching wire shape; anything else is rejected with ErrMalformedEvent.
package normalizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tphakala/sentinel-console/internal/errors"
	"github.com/tphakala/sentinel-console/internal/logger"
)

// Sentinel errors returned (wrapped) by Parse.
var (
	// ErrMalformedEvent marks a frame that was dropped.
	ErrMalformedEvent = errors.NewStd("malformed event")
	// ErrControlFrame marks backend housekeeping frames (connection_established, pong).
	ErrControlFrame = errors.NewStd("control frame")
	// ErrSnapshotHint marks announcements that carry no full entity and
	// should be healed by a snapshot pull (new_detection).
	ErrSnapshotHint = errors.NewStd("snapshot hint")
)

// Legacy and housekeeping frame types emitted by the backend.
const (
	typeBlackoutActivated   = "blackout_activated"
	typeBlackoutDeactivated = "blackout_deactivated"
	typeNewDetection        = "new_detection"
	typeConnEstablished     = "connection_established"
	typePong                = "pong"
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Parse decodes one frame. It never panics on bad input; malformed frames
// return an error wrapping ErrMalformedEvent.
func Parse(raw []byte) (Event, Report, error) {
	var env envelope
	if err := strictObject(raw, &env); err != nil {
		return nil, Report{}, err
	}

	data := []byte(env.Data)
	hasData := len(bytes.TrimSpace(data)) > 0 && !bytes.Equal(bytes.TrimSpace(data), []byte("null"))

	switch env.Type {
	case string(KindNodeStatus):
		if !hasData {
			return nil, Report{}, missingField("data")
		}
		node, report, err := DecodeNode(data)
		if err != nil {
			return nil, report, err
		}
		ev := NodeStatusEvent{Node: node}
		if report.Corrected() {
			ev.Reported = statusFromReport(report)
		}
		return ev, report, nil

	case string(KindDetection):
		if !hasData {
			return nil, Report{}, missingField("data")
		}
		d, report, err := DecodeDetection(data)
		if err != nil {
			return nil, report, err
		}
		if d.NodeID == "" {
			// integer node keys are only resolvable against a REST node list
			return nil, report, malformed("node_id must be a string on push frames")
		}
		return DetectionEvent{Detection: d}, report, nil

	case string(KindBlackout):
		if !hasData {
			return nil, Report{}, missingField("data")
		}
		e, report, err := DecodeBlackoutEvent(data)
		if err != nil {
			return nil, report, err
		}
		return BlackoutEventMsg{Event: e, Action: BlackoutUpsert}, report, nil

	case typeBlackoutActivated, typeBlackoutDeactivated:
		action := BlackoutActivated
		if env.Type == typeBlackoutDeactivated {
			action = BlackoutDeactivated
		}
		payload := raw
		if hasData {
			payload = data
		}
		msg, err := decodeLegacyBlackout(payload, action)
		if err != nil {
			return nil, Report{}, err
		}
		return msg, Report{}, nil

	case typeNewDetection:
		return nil, Report{}, fmt.Errorf("%w: %s", ErrSnapshotHint, env.Type)

	case typeConnEstablished, typePong:
		return nil, Report{}, fmt.Errorf("%w: %s", ErrControlFrame, env.Type)

	case "":
		return nil, Report{}, missingField("type")

	default:
		return nil, Report{}, malformed("unknown type %q", env.Type)
	}
}

// statusFromReport recovers the raw alias from a status correction entry.
func statusFromReport(r Report) string {
	for _, c := range r.Corrections {
		if rest, ok := strings.CutPrefix(c, "status:"); ok {
			from, _, _ := strings.Cut(rest, "->")
			return from
		}
	}
	return ""
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, fmt.Sprintf(format, args...))
}

func missingField(name string) error {
	return malformed("missing required field %q", name)
}

// Recorder receives normalization outcomes, typically the metrics collector.
type Recorder interface {
	RecordMalformed(reason string)
	RecordCorrection(kind string)
}

// Stats are cumulative normalizer counters.
type Stats struct {
	Parsed        uint64 `json:"parsed"`
	Malformed     uint64 `json:"malformed"`
	Corrected     uint64 `json:"corrected"`
	ControlFrames uint64 `json:"control_frames"`
	SnapshotHints uint64 `json:"snapshot_hints"`
}

// Normalizer wraps Parse with counting and rate-limited warnings.
type Normalizer struct {
	log         logger.Logger
	recorder    Recorder
	warnLimiter *rate.Limiter
	suppressed  atomic.Uint64

	parsed    atomic.Uint64
	malformed atomic.Uint64
	corrected atomic.Uint64
	control   atomic.Uint64
	hints     atomic.Uint64
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithRecorder forwards outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(n *Normalizer) { n.recorder = r }
}

// WithWarnRate overrides how often malformed frames are logged.
func WithWarnRate(every time.Duration, burst int) Option {
	return func(n *Normalizer) { n.warnLimiter = rate.NewLimiter(rate.Every(every), burst) }
}

// New creates a Normalizer.
func New(log logger.Logger, opts ...Option) *Normalizer {
	n := &Normalizer{
		log:         log.Module("normalizer"),
		warnLimiter: rate.NewLimiter(rate.Every(10*time.Second), 5),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize parses one frame, counting and logging the outcome. Control
// frames and snapshot hints are returned as errors but not counted as malformed.
func (n *Normalizer) Normalize(raw []byte) (Event, error) {
	ev, report, err := Parse(raw)

	switch {
	case err == nil:
		n.parsed.Add(1)
	case errors.Is(err, ErrControlFrame):
		n.control.Add(1)
		n.log.Trace("control frame ignored", logger.String("detail", err.Error()))
		return nil, err
	case errors.Is(err, ErrSnapshotHint):
		n.hints.Add(1)
		n.log.Debug("snapshot hint received", logger.String("detail", err.Error()))
		return nil, err
	default:
		n.malformed.Add(1)
		if n.recorder != nil {
			n.recorder.RecordMalformed(reasonOf(err))
		}
		n.warnMalformed(err, raw)
		return nil, errors.New(err).
			Component("normalizer").
			Category(errors.CategoryMalformedEvent).
			Context("frame_bytes", len(raw)).
			Build()
	}

	if report.Corrected() {
		n.corrected.Add(1)
		for _, c := range report.Corrections {
			if n.recorder != nil {
				n.recorder.RecordCorrection(correctionKind(c))
			}
		}
		n.log.Debug("event corrected",
			logger.String("kind", string(ev.Kind())),
			logger.Any("corrections", report.Corrections))
	}

	return ev, nil
}

func (n *Normalizer) warnMalformed(err error, raw []byte) {
	if !n.warnLimiter.Allow() {
		n.suppressed.Add(1)
		return
	}
	fields := []logger.Field{
		logger.Error(err),
		logger.Int("frame_bytes", len(raw)),
	}
	if s := n.suppressed.Swap(0); s > 0 {
		fields = append(fields, logger.Uint64("suppressed", s))
	}
	n.log.Warn("dropping malformed event", fields...)
}

// Stats returns a copy of the counters.
func (n *Normalizer) Stats() Stats {
	return Stats{
		Parsed:        n.parsed.Load(),
		Malformed:     n.malformed.Load(),
		Corrected:     n.corrected.Load(),
		ControlFrames: n.control.Load(),
		SnapshotHints: n.hints.Load(),
	}
}

// reasonOf yields a low-cardinality label for metrics.
func reasonOf(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "missing required field"):
		return "missing_field"
	case strings.Contains(msg, "unknown type"):
		return "unknown_type"
	case strings.Contains(msg, "unknown status"):
		return "unknown_status"
	case strings.Contains(msg, "not a JSON object"):
		return "not_object"
	default:
		return "invalid"
	}
}

func correctionKind(c string) string {
	kind, _, _ := strings.Cut(c, ":")
	return kind
}
