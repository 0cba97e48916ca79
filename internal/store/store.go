// Package store holds the canonical in-memory state of nodes, detections and
// blackout events.
//
// Writes go through the named Apply* operations and are serialized; every
// successful write publishes a new immutable Snapshot through an atomic
// pointer, so readers never see a partially applied change. Within the
// console the engine's writer goroutine is the only caller of the write API.
package store

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/sentinel-console/internal/errors"
	"github.com/tphakala/sentinel-console/internal/logger"
	"github.com/tphakala/sentinel-console/internal/model"
)

// Recorder receives store outcomes, typically the metrics collector.
type Recorder interface {
	RecordAnomaly(anomaly string)
}

// Config holds retention bounds and test hooks.
type Config struct {
	// MaxDetections bounds the retained detections. Zero means unbounded.
	MaxDetections int
	// MaxAge drops detections older than now-MaxAge. Zero disables it.
	MaxAge time.Duration
	// Now is the clock used for age eviction and blackout closing times.
	Now func() time.Time
	// Recorder is optional.
	Recorder Recorder
}

// Store is the state container. The zero value is not usable; call New.
type Store struct {
	mu       sync.Mutex
	log      logger.Logger
	cfg      Config
	localID  int64 // last locally assigned id, counts down from 0
	snap     atomic.Pointer[Snapshot]
	anomaly  atomic.Uint64
	assigned atomic.Uint64
}

// New creates an empty store.
func New(log logger.Logger, cfg Config) *Store {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Store{
		log: log.Module("store"),
		cfg: cfg,
	}
	s.snap.Store(emptySnapshot())
	return s
}

// Snapshot returns the current immutable view.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Stats are cumulative store counters.
type Stats struct {
	Anomalies uint64 `json:"anomalies"`
	LocalIDs  uint64 `json:"local_ids"`
}

// Stats returns the store counters.
func (s *Store) Stats() Stats {
	return Stats{Anomalies: s.anomaly.Load(), LocalIDs: s.assigned.Load()}
}

// NodeResult describes how a node update was applied.
type NodeResult struct {
	Previous model.NodeStatus
	Status   model.NodeStatus
	Created  bool
	Changed  bool
	Anomaly  Anomaly
	// ClosedBlackout is set when a covert->online step closed the open event.
	ClosedBlackout *model.BlackoutEvent
}

// ApplyNodeStatus upserts a node by node_id, enforcing the transition table.
// Heartbeat and location are updated when present.
func (s *Store) ApplyNodeStatus(update model.Node) NodeResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.begin()
	res := t.applyNode(update, false)
	s.commit(t)
	return res
}

// DetectionResult describes how a detection was applied.
type DetectionResult struct {
	// ID is the stored id, locally assigned (negative) when the backend sent none.
	ID int64
	// Added is false for duplicates and for detections already outside retention.
	Added bool
	// Evicted counts detections dropped by retention during this write.
	Evicted int
}

// Changed reports whether the detection set differs after the write.
func (r DetectionResult) Changed() bool {
	return r.Added || r.Evicted > 0
}

// ApplyDetection inserts d, newest first, unless a detection with the same id
// is already held. Detections for unknown nodes are stored without creating
// the node.
func (s *Store) ApplyDetection(d model.Detection) DetectionResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == 0 {
		d.ID = s.nextLocalID()
	}

	t := s.begin()
	before := t.next.detections
	res := DetectionResult{ID: d.ID}
	if !t.hasDetection(d.ID) && !s.tooOld(d.Timestamp) {
		dets := t.mutDetections()
		idx, _ := slices.BinarySearchFunc(dets, d, model.CompareNewestFirst)
		t.next.detections = slices.Insert(dets, idx, d)
		t.changed, t.detsChanged = true, true

		res.Evicted = s.prune(t)
		res.Added = t.hasDetection(d.ID)
		if !res.Added {
			res.Evicted--
		}
	} else {
		res.Evicted = s.prune(t)
	}
	if !res.Changed() {
		t.next.detections = before
		t.detsCloned, t.changed, t.detsChanged = false, false, false
	}

	s.commit(t)
	return res
}

// BlackoutResult describes how a blackout event was applied.
type BlackoutResult struct {
	Event       model.BlackoutEvent
	Opened      bool
	Closed      bool
	ClosedPrior bool
	Changed     bool
}

// ApplyBlackoutEvent upserts a blackout event keyed by id, or by the node's
// open interval when the id is unknown. At most one event per node stays open:
// opening a newer interval closes the previous one at the new activation time.
// A closed event without activation time closes the node's open event.
//
// Opening sets the node covert and closing sets it online, following the
// transition table. Nodes are not created here.
func (s *Store) ApplyBlackoutEvent(e model.BlackoutEvent) BlackoutResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.begin()
	res := s.applyBlackout(t, e)
	s.commit(t)
	return res
}

// IncrementQueued adds one to the open event's detections_queued.
func (s *Store) IncrementQueued(nodeID string) (model.BlackoutEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.begin()
	idx, ok := t.next.open[nodeID]
	if !ok {
		return model.BlackoutEvent{}, false
	}
	bl := t.mutBlackouts()
	bl[idx].DetectionsQueued++
	t.changed = true
	s.commit(t)
	return bl[idx], true
}

// MergeResult summarizes a snapshot merge.
type MergeResult struct {
	NodesChanged    int
	NodesCreated    int
	DetectionsAdded int
	Evicted         int
}

// DetectionsChanged reports whether the merge changed the detection set.
func (r MergeResult) DetectionsChanged() bool {
	return r.DetectionsAdded > 0 || r.Evicted > 0
}

// MergeSnapshot folds an authoritative snapshot into the store in one write.
// Nodes are last-write-wins by last_heartbeat; detections are a set union by
// id, re-sorted newest first and truncated to retention. Merging the same
// snapshot again changes nothing.
func (s *Store) MergeSnapshot(nodes []model.Node, detections []model.Detection) MergeResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.begin()
	var res MergeResult

	for i := range nodes {
		n := nodes[i]
		if n.NodeID == "" || !n.Status.Valid() {
			continue
		}
		if cur, ok := t.next.nodes[n.NodeID]; ok && !n.HeartbeatAfter(&cur) {
			continue
		}
		nr := t.applyNode(n, true)
		if nr.Changed {
			res.NodesChanged++
		}
		if nr.Created {
			res.NodesCreated++
		}
	}

	nodesChanged := t.changed
	before := t.next.detections

	known := make(map[int64]struct{}, len(t.next.detections)+len(detections))
	for i := range t.next.detections {
		known[t.next.detections[i].ID] = struct{}{}
	}
	var incoming []model.Detection
	for i := range detections {
		d := detections[i]
		if d.ID == 0 {
			continue
		}
		if _, dup := known[d.ID]; dup || s.tooOld(d.Timestamp) {
			continue
		}
		known[d.ID] = struct{}{}
		incoming = append(incoming, d)
	}
	if len(incoming) > 0 {
		merged := append(t.mutDetections(), incoming...)
		slices.SortFunc(merged, model.CompareNewestFirst)
		t.next.detections = merged
		t.changed, t.detsChanged = true, true
	}

	evicted := s.prune(t)
	// Rows that fell straight off the tail were never really added.
	for _, d := range incoming {
		if !t.hasDetection(d.ID) {
			evicted--
			continue
		}
		res.DetectionsAdded++
	}
	res.Evicted = evicted
	if !res.DetectionsChanged() {
		t.next.detections = before
		t.detsCloned, t.changed, t.detsChanged = false, nodesChanged, false
	}

	s.commit(t)

	if res.NodesChanged > 0 || res.DetectionsChanged() {
		s.log.Debug("snapshot merged",
			logger.Int("nodes_changed", res.NodesChanged),
			logger.Int("detections_added", res.DetectionsAdded),
			logger.Int("evicted", res.Evicted),
			logger.Uint64("version", t.next.Version))
	}
	return res
}

func (s *Store) nextLocalID() int64 {
	s.localID--
	s.assigned.Add(1)
	return s.localID
}

func (s *Store) tooOld(ts time.Time) bool {
	return s.cfg.MaxAge > 0 && ts.Before(s.cfg.Now().Add(-s.cfg.MaxAge))
}

// prune applies retention to the pending snapshot and returns the number of
// detections removed.
func (s *Store) prune(t *tx) int {
	dets := t.next.detections
	keep := len(dets)
	if s.cfg.MaxAge > 0 {
		cutoff := s.cfg.Now().Add(-s.cfg.MaxAge)
		for keep > 0 && dets[keep-1].Timestamp.Before(cutoff) {
			keep--
		}
	}
	if s.cfg.MaxDetections > 0 && keep > s.cfg.MaxDetections {
		keep = s.cfg.MaxDetections
	}
	removed := len(dets) - keep
	if removed == 0 {
		return 0
	}
	t.next.detections = slices.Clip(dets[:keep])
	t.changed, t.detsChanged = true, true
	return removed
}

func (s *Store) applyBlackout(t *tx, e model.BlackoutEvent) BlackoutResult {
	if e.ID > 0 {
		if idx := t.blackoutIndex(e.ID); idx >= 0 {
			return s.updateBlackout(t, idx, e)
		}
	}

	openIdx, hasOpen := t.next.open[e.NodeID]

	if e.IsOpen() {
		if hasOpen {
			cur := t.next.blackouts[openIdx]
			switch {
			case e.ID == 0 || cur.ID < 0 || e.ActivatedAt.Equal(cur.ActivatedAt):
				return s.updateBlackout(t, openIdx, e)
			case e.ActivatedAt.Before(cur.ActivatedAt):
				// An older interval that must have ended before the current one.
				end := cur.ActivatedAt
				e.DeactivatedAt = &end
				return s.insertBlackout(t, e)
			default:
				closed := s.closeBlackout(t, openIdx, e.ActivatedAt)
				res := s.insertBlackout(t, e)
				res.ClosedPrior = closed
				return res
			}
		}
		return s.insertBlackout(t, e)
	}

	if hasOpen {
		cur := t.next.blackouts[openIdx]
		if e.ID == 0 || cur.ID < 0 || e.ActivatedAt.IsZero() || e.ActivatedAt.Equal(cur.ActivatedAt) {
			return s.updateBlackout(t, openIdx, e)
		}
		if e.ActivatedAt.After(cur.ActivatedAt) {
			closed := s.closeBlackout(t, openIdx, e.ActivatedAt)
			res := s.insertBlackout(t, e)
			res.ClosedPrior = closed
			return res
		}
	}
	if e.ActivatedAt.IsZero() {
		return BlackoutResult{Event: e}
	}
	return s.insertBlackout(t, e)
}

func (s *Store) insertBlackout(t *tx, e model.BlackoutEvent) BlackoutResult {
	if e.ID == 0 {
		e.ID = s.nextLocalID()
	}
	e.DetectionsQueued = max(e.DetectionsQueued, 0)

	bl := t.mutBlackouts()
	t.next.blackouts = append(bl, e)
	t.changed = true

	res := BlackoutResult{Event: e, Changed: true}
	if e.IsOpen() {
		t.next.open[e.NodeID] = len(t.next.blackouts) - 1
		res.Opened = true
		t.syncNode(e.NodeID, model.StatusCovert)
	}
	return res
}

// updateBlackout merges e into the event at idx. A closed event is never
// reopened.
func (s *Store) updateBlackout(t *tx, idx int, e model.BlackoutEvent) BlackoutResult {
	cur := t.next.blackouts[idx]
	next := cur

	if e.ID > 0 && cur.ID < 0 {
		next.ID = e.ID
	}
	if next.ActivatedAt.IsZero() && !e.ActivatedAt.IsZero() {
		next.ActivatedAt = e.ActivatedAt
	}
	if e.ActivatedBy != "" {
		next.ActivatedBy = e.ActivatedBy
	}
	if e.Reason != "" {
		next.Reason = e.Reason
	}
	next.DetectionsQueued = max(cur.DetectionsQueued, e.DetectionsQueued)

	res := BlackoutResult{}
	if cur.IsOpen() && !e.IsOpen() {
		end := *e.DeactivatedAt
		next.DeactivatedAt = &end
		res.Closed = true
	}

	if blackoutEqual(cur, next) {
		res.Event = cur
		return res
	}

	bl := t.mutBlackouts()
	bl[idx] = next
	t.changed = true
	res.Event, res.Changed = next, true

	if res.Closed {
		delete(t.next.open, next.NodeID)
		t.syncNode(next.NodeID, model.StatusOnline)
	}
	return res
}

// closeBlackout closes the event at idx at the given time.
func (s *Store) closeBlackout(t *tx, idx int, at time.Time) bool {
	bl := t.mutBlackouts()
	if !bl[idx].IsOpen() {
		return false
	}
	end := at
	bl[idx].DeactivatedAt = &end
	delete(t.next.open, bl[idx].NodeID)
	t.changed = true
	return true
}

func (s *Store) begin() *tx {
	next := *s.snap.Load()
	return &tx{store: s, next: &next}
}

func (s *Store) commit(t *tx) {
	if !t.changed {
		s.report(t.anomalies)
		return
	}
	if t.nodeAdded {
		t.next.nodeIDs = slices.Sorted(maps.Keys(t.next.nodes))
	}
	t.next.Version++
	if t.detsChanged {
		t.next.DetectionsVersion++
	}
	s.snap.Store(t.next)
	s.report(t.anomalies)
}

func (s *Store) report(list []anomalyRecord) {
	for _, a := range list {
		s.anomaly.Add(1)
		err := errors.Newf("coerced status transition %s", a.anomaly).
			Component("store").
			Category(errors.CategoryAnomalousTransition).
			NodeContext(a.nodeID).
			Context("reported", string(a.reported)).
			Context("resolved", string(a.resolved)).
			Build()
		s.log.Warn("anomalous node status transition",
			logger.String("node_id", a.nodeID),
			logger.String("anomaly", string(a.anomaly)),
			logger.String("resolved", string(a.resolved)),
			logger.Error(err))
		if s.cfg.Recorder != nil {
			s.cfg.Recorder.RecordAnomaly(string(a.anomaly))
		}
	}
}

type anomalyRecord struct {
	nodeID   string
	anomaly  Anomaly
	reported model.NodeStatus
	resolved model.NodeStatus
}

// tx is one pending write. Fields of next are cloned on first mutation so the
// published snapshot is never touched.
type tx struct {
	store *Store
	next  *Snapshot

	nodesCloned     bool
	detsCloned      bool
	blackoutsCloned bool

	changed     bool
	detsChanged bool
	nodeAdded   bool
	anomalies   []anomalyRecord
}

func (t *tx) mutNodes() map[string]model.Node {
	if !t.nodesCloned {
		t.next.nodes = maps.Clone(t.next.nodes)
		t.nodesCloned = true
	}
	return t.next.nodes
}

func (t *tx) mutDetections() []model.Detection {
	if !t.detsCloned {
		t.next.detections = slices.Clone(t.next.detections)
		t.detsCloned = true
	}
	return t.next.detections
}

func (t *tx) mutBlackouts() []model.BlackoutEvent {
	if !t.blackoutsCloned {
		t.next.blackouts = slices.Clone(t.next.blackouts)
		t.next.open = maps.Clone(t.next.open)
		t.blackoutsCloned = true
	}
	return t.next.blackouts
}

func (t *tx) hasDetection(id int64) bool {
	return slices.ContainsFunc(t.next.detections, func(d model.Detection) bool { return d.ID == id })
}

func (t *tx) blackoutIndex(id int64) int {
	return slices.IndexFunc(t.next.blackouts, func(e model.BlackoutEvent) bool { return e.ID == id })
}

// applyNode upserts update. seed marks authoritative snapshot rows, which may
// introduce a node directly in covert.
func (t *tx) applyNode(update model.Node, seed bool) NodeResult {
	cur, exists := t.next.nodes[update.NodeID]
	status, anomaly := Resolve(cur.Status, exists, update.Status)
	if seed && !exists {
		anomaly = AnomalyNone
	}

	res := NodeResult{Previous: cur.Status, Status: status, Created: !exists, Anomaly: anomaly}
	if anomaly != AnomalyNone {
		t.anomalies = append(t.anomalies, anomalyRecord{
			nodeID:   update.NodeID,
			anomaly:  anomaly,
			reported: update.Status,
			resolved: status,
		})
	}

	next := cur
	next.NodeID = update.NodeID
	next.Status = status
	if hb := update.LastHeartbeat; hb != nil && (next.LastHeartbeat == nil || hb.After(*next.LastHeartbeat)) {
		ts := *hb
		next.LastHeartbeat = &ts
	}
	if update.Location != nil {
		loc := *update.Location
		next.Location = &loc
	}

	if exists && nodeEqual(cur, next) {
		return res
	}

	t.mutNodes()[next.NodeID] = next
	t.changed = true
	t.nodeAdded = t.nodeAdded || !exists
	res.Changed = true

	if exists && cur.Status == model.StatusCovert && status == model.StatusOnline {
		if idx, ok := t.next.open[next.NodeID]; ok {
			at := t.store.cfg.Now().UTC()
			if update.LastHeartbeat != nil {
				at = *update.LastHeartbeat
			}
			t.store.closeBlackout(t, idx, at)
			closed := t.next.blackouts[idx]
			res.ClosedBlackout = &closed
		}
	}
	return res
}

// syncNode moves an existing node to status after a blackout change.
func (t *tx) syncNode(nodeID string, status model.NodeStatus) {
	if _, ok := t.next.nodes[nodeID]; !ok {
		return
	}
	t.applyNode(model.Node{NodeID: nodeID, Status: status}, false)
}

func nodeEqual(a, b model.Node) bool {
	if a.NodeID != b.NodeID || a.Status != b.Status {
		return false
	}
	switch {
	case (a.LastHeartbeat == nil) != (b.LastHeartbeat == nil):
		return false
	case a.LastHeartbeat != nil && !a.LastHeartbeat.Equal(*b.LastHeartbeat):
		return false
	case (a.Location == nil) != (b.Location == nil):
		return false
	case a.Location != nil && *a.Location != *b.Location:
		return false
	}
	return true
}

func blackoutEqual(a, b model.BlackoutEvent) bool {
	if a.ID != b.ID || a.NodeID != b.NodeID || !a.ActivatedAt.Equal(b.ActivatedAt) ||
		a.ActivatedBy != b.ActivatedBy || a.Reason != b.Reason || a.DetectionsQueued != b.DetectionsQueued {
		return false
	}
	if (a.DeactivatedAt == nil) != (b.DeactivatedAt == nil) {
		return false
	}
	return a.DeactivatedAt == nil || a.DeactivatedAt.Equal(*b.DeactivatedAt)
}
