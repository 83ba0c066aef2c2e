package edgestate

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/consus-energy/lanzone-edge/internal/core/domain"

	"go.uber.org/zap"
)

// Store holds the live edge state: settings, battery configs and tasks.
// It is written by exactly one goroutine (the config-bus actor) and read by
// every controller tick. Readers take snapshots; updates replace whole keys,
// so a snapshot is always either fully pre- or fully post-update.
type Store struct {
	mu sync.RWMutex
	tz *time.Location

	settings       domain.Settings
	batteryConfigs map[string]domain.EdgeBatteryConfig
	tasksStatic    map[string]domain.EdgeTask
	// tasksDynamic[consusID][serviceDay ISO date] = task
	tasksDynamic map[string]map[string]domain.EdgeTask

	fallbackMaxDays int
	now             func() time.Time
	logger          *zap.Logger
}

// Snapshot is a consistent per-tick clone of the store.
type Snapshot struct {
	Settings       domain.Settings
	BatteryConfigs map[string]domain.EdgeBatteryConfig
	TakenAt        time.Time
}

// UpdateDocument is the config-bus wire shape. Each present key replaces the
// full sub-tree.
type UpdateDocument struct {
	Settings       *domain.Settings                    `json:"settings,omitempty"`
	BatteryConfigs map[string]domain.EdgeBatteryConfig `json:"battery_configs,omitempty"`
	Tasks          map[string]domain.EdgeTask          `json:"tasks,omitempty"`
}

// NewStore builds an empty store in the given site timezone.
func NewStore(tz *time.Location, logger *zap.Logger) *Store {
	if tz == nil {
		tz = time.UTC
	}
	return &Store{
		tz:              tz,
		batteryConfigs:  map[string]domain.EdgeBatteryConfig{},
		tasksStatic:     map[string]domain.EdgeTask{},
		tasksDynamic:    map[string]map[string]domain.EdgeTask{},
		fallbackMaxDays: 2,
		now:             time.Now,
		logger:          logger.With(zap.String("component", "edgestate")),
	}
}

// Location returns the site timezone.
func (s *Store) Location() *time.Location {
	return s.tz
}

// Seed installs the bootstrap state. Called once before any reader runs.
func (s *Store) Seed(settings domain.Settings, configs map[string]domain.EdgeBatteryConfig, tasks map[string]domain.EdgeTask) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	for id, cfg := range configs {
		if cfg.ConsusID == "" {
			cfg.ConsusID = id
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		configs[id] = cfg
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	s.batteryConfigs = cloneConfigs(configs)
	for id, task := range tasks {
		s.applyTaskLocked(id, &task)
	}
	return nil
}

// Snapshot returns a consistent clone of settings and battery configs.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Settings:       s.settings,
		BatteryConfigs: cloneConfigs(s.batteryConfigs),
		TakenAt:        s.now(),
	}
}

// BatteryConfig returns one battery's config.
func (s *Store) BatteryConfig(consusID string) (domain.EdgeBatteryConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.batteryConfigs[consusID]
	return cfg, ok
}

// TaskFor resolves the task in effect for a battery on the given day:
// a dynamic task for that day wins over the static task.
func (s *Store) TaskFor(consusID string, day time.Time) *domain.EdgeTask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := day.In(s.tz).Format("2006-01-02")
	if perDay, ok := s.tasksDynamic[consusID]; ok {
		if task, ok := perDay[key]; ok {
			t := task
			return &t
		}
	}
	if task, ok := s.tasksStatic[consusID]; ok {
		t := task
		return &t
	}
	return nil
}

// ApplyUpdate validates and applies a whole-document config-bus update.
// Invalid documents are rejected outright and the prior state is retained.
func (s *Store) ApplyUpdate(data []byte) error {
	var doc UpdateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("edgestate: malformed update: %w", err)
	}
	return s.Apply(doc)
}

// Apply applies a parsed update document atomically.
func (s *Store) Apply(doc UpdateDocument) error {
	// Validate everything up front so a rejected update changes nothing.
	if doc.Settings != nil {
		if err := doc.Settings.Validate(); err != nil {
			return err
		}
	}
	if doc.BatteryConfigs != nil {
		for id, cfg := range doc.BatteryConfigs {
			if cfg.ConsusID == "" {
				cfg.ConsusID = id
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			doc.BatteryConfigs[id] = cfg
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.Settings != nil {
		s.settings = *doc.Settings
		s.logger.Info("settings updated")
	}
	if doc.BatteryConfigs != nil {
		s.batteryConfigs = cloneConfigs(doc.BatteryConfigs)
		s.logger.Info("battery configs replaced", zap.Int("count", len(doc.BatteryConfigs)))
	}
	if doc.Tasks != nil {
		s.tasksStatic = map[string]domain.EdgeTask{}
		s.tasksDynamic = map[string]map[string]domain.EdgeTask{}
		for id, task := range doc.Tasks {
			s.applyTaskLocked(id, &task)
		}
		s.logger.Info("tasks replaced", zap.Int("count", len(doc.Tasks)))
	}
	return nil
}

// ApplyTask applies a single per-battery task push. A nil task triggers the
// dynamic copy-forward fallback.
func (s *Store) ApplyTask(consusID string, task *domain.EdgeTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyTaskLocked(consusID, task)
}

// UpdateBattery replaces one battery's config in place (battery_add path).
func (s *Store) UpdateBattery(cfg domain.EdgeBatteryConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batteryConfigs[cfg.ConsusID] = cfg
	return nil
}

// RemoveBattery drops one battery and its tasks.
func (s *Store) RemoveBattery(consusID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.batteryConfigs, consusID)
	delete(s.tasksStatic, consusID)
	delete(s.tasksDynamic, consusID)
}

func (s *Store) applyTaskLocked(consusID string, task *domain.EdgeTask) {
	if task == nil {
		s.fallbackDynamicLocked(consusID)
		return
	}

	switch task.TaskType {
	case "static", "":
		prev, ok := s.tasksStatic[consusID]
		if ok && prev.Override && !task.Override {
			s.logger.Info("ignored static non-override task", zap.String("consus_id", consusID))
			return
		}
		s.tasksStatic[consusID] = *task

	case "dynamic":
		if _, err := time.ParseInLocation("2006-01-02", task.ServiceDay, s.tz); err != nil {
			s.logger.Warn("dynamic task missing or invalid service_day, rejected",
				zap.String("consus_id", consusID), zap.String("service_day", task.ServiceDay))
			return
		}
		perDay, ok := s.tasksDynamic[consusID]
		if !ok {
			perDay = map[string]domain.EdgeTask{}
			s.tasksDynamic[consusID] = perDay
		}
		existing, exists := perDay[task.ServiceDay]
		if exists && !supersedes(*task, existing) {
			s.logger.Info("ignored older or duplicate dynamic task",
				zap.String("consus_id", consusID), zap.String("service_day", task.ServiceDay))
			return
		}
		perDay[task.ServiceDay] = *task
		s.gcDynamicLocked()

	default:
		s.logger.Warn("unknown task_type, rejected",
			zap.String("consus_id", consusID), zap.String("task_type", task.TaskType))
	}
}

// supersedes decides whether a new dynamic task replaces an existing one for
// the same service day: override beats non-override, then same idempotency
// family resolves by revision, then updated_at; a new family always replaces.
func supersedes(next, existing domain.EdgeTask) bool {
	if next.Override && !existing.Override {
		return true
	}
	if existing.Override && !next.Override {
		return false
	}
	if next.IdempotencyKey != "" && next.IdempotencyKey == existing.IdempotencyKey {
		if next.Revision != existing.Revision {
			return next.Revision > existing.Revision
		}
		return next.UpdatedAt.After(existing.UpdatedAt)
	}
	return true
}

// fallbackDynamicLocked copies the most recent dynamic task forward into
// today and tomorrow when no fresh task arrived, refusing stale sources.
func (s *Store) fallbackDynamicLocked(consusID string) {
	perDay := s.tasksDynamic[consusID]
	if len(perDay) == 0 {
		return
	}
	var lastDay string
	for day := range perDay {
		if day > lastDay {
			lastDay = day
		}
	}
	last, _ := time.ParseInLocation("2006-01-02", lastDay, s.tz)
	now := s.now().In(s.tz)
	ageDays := int(now.Sub(last).Hours() / 24)
	if ageDays > s.fallbackMaxDays {
		s.logger.Warn("task fallback refused, source too old",
			zap.String("consus_id", consusID), zap.String("last_day", lastDay))
		return
	}

	source := perDay[lastDay]
	for _, day := range []string{now.Format("2006-01-02"), now.AddDate(0, 0, 1).Format("2006-01-02")} {
		if _, ok := perDay[day]; ok {
			continue
		}
		copied := source
		copied.TaskCode = fmt.Sprintf("%s-copy-%s", source.TaskCode, day)
		copied.ServiceDay = day
		copied.UpdatedAt = now
		perDay[day] = copied
		s.logger.Info("task fallback copied forward",
			zap.String("consus_id", consusID), zap.String("day", day))
	}
	s.gcDynamicLocked()
}

// gcDynamicLocked keeps only today's and tomorrow's dynamic tasks.
func (s *Store) gcDynamicLocked() {
	now := s.now().In(s.tz)
	today := now.Format("2006-01-02")
	tomorrow := now.AddDate(0, 0, 1).Format("2006-01-02")
	for id, perDay := range s.tasksDynamic {
		for day := range perDay {
			if day != today && day != tomorrow {
				delete(perDay, day)
			}
		}
		if len(perDay) == 0 {
			delete(s.tasksDynamic, id)
		}
	}
}

func cloneConfigs(in map[string]domain.EdgeBatteryConfig) map[string]domain.EdgeBatteryConfig {
	out := make(map[string]domain.EdgeBatteryConfig, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
