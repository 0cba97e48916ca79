package store

import "github.com/tphakala/sentinel-console/internal/model"

// Anomaly names a coerced status transition. Empty means the transition was
// taken as reported.
type Anomaly string

const (
	AnomalyNone            Anomaly = ""
	AnomalyAbsentToCovert  Anomaly = "absent->covert"
	AnomalyOfflineToCovert Anomaly = "offline->covert"
	AnomalyCovertToOffline Anomaly = "covert->offline"
)

// allowed lists the transitions taken without coercion. Self transitions are
// always allowed and not listed.
var allowed = map[model.NodeStatus][]model.NodeStatus{
	model.StatusOnline:  {model.StatusCovert, model.StatusOffline},
	model.StatusOffline: {model.StatusOnline},
	model.StatusCovert:  {model.StatusOnline},
}

// Resolve returns the status a node ends up in when `to` is reported while the
// node is in `from` (exists=false for a node never seen before).
//
//	absent  -> online|offline   as reported
//	absent  -> covert           covert, via an implied online (anomaly)
//	offline -> covert           covert, via an implied online (anomaly)
//	covert  -> offline          stays covert (anomaly)
func Resolve(from model.NodeStatus, exists bool, to model.NodeStatus) (model.NodeStatus, Anomaly) {
	if !exists {
		if to == model.StatusCovert {
			return model.StatusCovert, AnomalyAbsentToCovert
		}
		return to, AnomalyNone
	}
	if from == to {
		return to, AnomalyNone
	}
	for _, next := range allowed[from] {
		if next == to {
			return to, AnomalyNone
		}
	}

	switch {
	case from == model.StatusOffline && to == model.StatusCovert:
		return model.StatusCovert, AnomalyOfflineToCovert
	case from == model.StatusCovert && to == model.StatusOffline:
		return model.StatusCovert, AnomalyCovertToOffline
	}
	// Unreachable with the three known statuses.
	return from, Anomaly(string(from) + "->" + string(to))
}
