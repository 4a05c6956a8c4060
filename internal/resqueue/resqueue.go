// Package resqueue tracks resource occupancy and rolling duration statistics.
//
// Wait time for a not-yet-started instance is approximated as
//
//	instancesAhead * averageDuration / capacity
//
// which ignores burstiness and per-instance variance. The figure is advisory.
package resqueue

import (
	"sort"
	"sync"
	"time"

	"github.com/fentz26/linecook/internal/models"
)

// Config holds the tunable constants of the model.
type Config struct {
	// Window is the number of recent samples averaged per resource.
	Window int `yaml:"window"`
	// MinSamples is the count below which the static estimate is used.
	MinSamples int `yaml:"min_samples"`
}

// DefaultConfig returns the default model configuration.
func DefaultConfig() Config {
	return Config{Window: 20, MinSamples: 5}
}

type occupant struct {
	orderID string
	status  models.TaskStatus
	since   time.Time
}

// Load summarizes one resource for display and load-change events.
type Load struct {
	ResourceID     string        `json:"resource_id"`
	Capacity       int           `json:"capacity"`
	Active         int           `json:"active"`
	Queued         int           `json:"queued"`
	AverageSamples int           `json:"samples"`
	Average        time.Duration `json:"average,omitempty"`
}

// Model is safe for concurrent use.
type Model struct {
	mu        sync.RWMutex
	cfg       Config
	resources map[string]models.Resource
	samples   map[string][]time.Duration
	occupants map[string]map[string]occupant
}

// New creates an empty model.
func New(cfg Config) *Model {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	return &Model{
		cfg:       cfg,
		resources: make(map[string]models.Resource),
		samples:   make(map[string][]time.Duration),
		occupants: make(map[string]map[string]occupant),
	}
}

// SetResources replaces the known resources.
func (m *Model) SetResources(rs []models.Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = make(map[string]models.Resource, len(rs))
	for _, r := range rs {
		m.resources[r.ID] = r
	}
}

// Resources returns the known resources sorted by id.
func (m *Model) Resources() []models.Resource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Resource, 0, len(m.resources))
	for _, r := range m.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Record appends a duration sample to the resource's rolling window.
func (m *Model) Record(s models.DurationSample) {
	if s.ResourceID == "" || s.Duration < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	w := append(m.samples[s.ResourceID], s.Duration)
	if len(w) > m.cfg.Window {
		w = w[len(w)-m.cfg.Window:]
	}
	m.samples[s.ResourceID] = w
}

// Seed loads historical samples, oldest first.
func (m *Model) Seed(samples []models.DurationSample) {
	for _, s := range samples {
		m.Record(s)
	}
}

// SampleBacked reports whether the resource has enough samples to average.
func (m *Model) SampleBacked(resourceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.samples[resourceID]) >= m.cfg.MinSamples
}

// Average returns the rolling average duration, or fallback when fewer than
// MinSamples samples exist.
func (m *Model) Average(resourceID string, fallback time.Duration) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.averageLocked(resourceID, fallback)
}

func (m *Model) averageLocked(resourceID string, fallback time.Duration) time.Duration {
	w := m.samples[resourceID]
	if len(w) < m.cfg.MinSamples {
		return fallback
	}
	var sum time.Duration
	for _, d := range w {
		sum += d
	}
	return sum / time.Duration(len(w))
}

// Track updates occupancy from an instance's current status. Instances that
// are neither ready nor active are removed from their resource's queue.
func (m *Model) Track(t *models.TaskInstance) {
	if t.ResourceID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	occ := m.occupants[t.ResourceID]
	if !t.Status.Queued() {
		delete(occ, t.ID)
		return
	}
	if occ == nil {
		occ = make(map[string]occupant)
		m.occupants[t.ResourceID] = occ
	}
	since := time.Time{}
	if t.Status == models.TaskStatusActive && t.StartedAt != nil {
		since = *t.StartedAt
	} else if t.ReadyAt != nil {
		since = *t.ReadyAt
	}
	occ[t.ID] = occupant{orderID: t.OrderID, status: t.Status, since: since}
}

// TrackGraph tracks every instance of an order.
func (m *Model) TrackGraph(g *models.OrderGraph) {
	for _, t := range g.Tasks {
		m.Track(t)
	}
}

// Reset clears occupancy, keeping samples.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.occupants = make(map[string]map[string]occupant)
}

// Ahead counts the instances that will be served before t on its resource:
// every active instance, plus ready instances that queued earlier. An
// instance that is not yet ready queues behind everything currently there
// except work of its own order, which its dependency chain already covers.
func (m *Model) Ahead(t *models.TaskInstance) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.aheadLocked(t)
}

func (m *Model) aheadLocked(t *models.TaskInstance) int {
	waiting := t.Status == models.TaskStatusReady && t.ReadyAt != nil
	n := 0
	for id, o := range m.occupants[t.ResourceID] {
		if id == t.ID {
			continue
		}
		if !waiting && t.OrderID != "" && o.orderID == t.OrderID {
			continue
		}
		switch {
		case o.status == models.TaskStatusActive:
			n++
		case !waiting:
			n++
		case o.since.Before(*t.ReadyAt) || (o.since.Equal(*t.ReadyAt) && id < t.ID):
			n++
		}
	}
	return n
}

// Wait estimates how long t will queue before its resource can take it.
func (m *Model) Wait(t *models.TaskInstance) time.Duration {
	if t.ResourceID == "" {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ahead := m.aheadLocked(t)
	if ahead == 0 {
		return 0
	}
	capacity := 1
	if r, ok := m.resources[t.ResourceID]; ok && r.Capacity > 0 {
		capacity = r.Capacity
	}
	avg := m.averageLocked(t.ResourceID, t.EstimatedDuration)
	return time.Duration(int64(ahead) * int64(avg) / int64(capacity))
}

// Loads reports every known resource's current load.
func (m *Model) Loads() []Load {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Load, 0, len(m.resources))
	for id, r := range m.resources {
		out = append(out, m.loadLocked(id, r.Capacity))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out
}

// LoadOf reports a single resource's load.
func (m *Model) LoadOf(resourceID string) Load {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadLocked(resourceID, m.resources[resourceID].Capacity)
}

func (m *Model) loadLocked(id string, capacity int) Load {
	l := Load{ResourceID: id, Capacity: capacity, AverageSamples: len(m.samples[id])}
	for _, o := range m.occupants[id] {
		if o.status == models.TaskStatusActive {
			l.Active++
		} else {
			l.Queued++
		}
	}
	l.Average = m.averageLocked(id, 0)
	return l
}
