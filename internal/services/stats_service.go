// internal/services/stats_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/javajoker/affiliate-backend/internal/config"
	"github.com/javajoker/affiliate-backend/internal/models"
)

// Deduper reports whether key is new within window and remembers it.
type Deduper interface {
	FirstSeen(ctx context.Context, key string, window time.Duration) (bool, error)
}

type MemoryDeduper struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	now     func() time.Time
	inserts int
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (d *MemoryDeduper) FirstSeen(ctx context.Context, key string, window time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if expiry, ok := d.seen[key]; ok && now.Before(expiry) {
		return false, nil
	}
	d.seen[key] = now.Add(window)

	d.inserts++
	if d.inserts%1024 == 0 {
		for k, expiry := range d.seen {
			if !now.Before(expiry) {
				delete(d.seen, k)
			}
		}
	}
	return true, nil
}

// RedisDeduper shares the dedupe window across instances.
type RedisDeduper struct {
	rdb       *redis.Client
	keyPrefix string
}

func NewRedisDeduper(rdb *redis.Client) *RedisDeduper {
	return &RedisDeduper{rdb: rdb, keyPrefix: "stats:dedupe:"}
}

func (d *RedisDeduper) FirstSeen(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, d.keyPrefix+key, 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check dedupe key: %w", err)
	}
	return ok, nil
}

type StatEvent struct {
	Code      string
	EventType models.StatEventType
	DedupeKey string
	At        time.Time
}

type StatsSummary struct {
	Code           string                         `json:"code"`
	Totals         map[models.StatEventType]int64 `json:"totals"`
	Daily          []models.AffiliateStat         `json:"daily"`
	ConversionRate float64                        `json:"conversion_rate"`
}

// StatsRecorder counts clicks and conversions per code per day. It is fed
// through a bounded queue and never reports failure to its callers.
type StatsRecorder struct {
	db      *gorm.DB
	deduper Deduper
	window  time.Duration
	queue   chan StatEvent

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

func NewStatsRecorder(db *gorm.DB, deduper Deduper, cfg config.StatsConfig) *StatsRecorder {
	if deduper == nil {
		deduper = NewMemoryDeduper()
	}
	size := cfg.QueueSize
	if size < 1 {
		size = 1
	}
	return &StatsRecorder{
		db:      db,
		deduper: deduper,
		window:  cfg.DedupeWindow,
		queue:   make(chan StatEvent, size),
	}
}

// Start launches the single consumer goroutine. Stop drains it.
func (r *StatsRecorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for event := range r.queue {
			if err := r.RecordNow(context.Background(), event); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"code":       event.Code,
					"event_type": event.EventType,
				}).Warn("Failed to record stat event")
			}
		}
	}()
}

func (r *StatsRecorder) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
}

// Record enqueues an event without blocking. A full queue or a stopped
// recorder drops the event with a warning.
func (r *StatsRecorder) Record(code string, eventType models.StatEventType, dedupeKey string) {
	event := StatEvent{Code: code, EventType: eventType, DedupeKey: dedupeKey, At: time.Now().UTC()}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		logrus.WithField("code", code).Warn("Stats recorder stopped, dropping event")
		return
	}

	select {
	case r.queue <- event:
	default:
		logrus.WithFields(logrus.Fields{
			"code":       code,
			"event_type": eventType,
		}).Warn("Stats queue full, dropping event")
	}
}

// RecordNow applies one event synchronously.
func (r *StatsRecorder) RecordNow(ctx context.Context, event StatEvent) error {
	code := strings.TrimSpace(event.Code)
	if code == "" {
		return nil
	}
	if !event.EventType.Valid() {
		return fmt.Errorf("unknown stat event type %q", event.EventType)
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	if event.DedupeKey != "" && r.window > 0 {
		key := fmt.Sprintf("%s:%s:%s", code, event.EventType, event.DedupeKey)
		first, err := r.deduper.FirstSeen(ctx, key, r.window)
		if err != nil {
			return err
		}
		if !first {
			return nil
		}
	}

	stat := models.AffiliateStat{
		ID:         uuid.New(),
		Code:       code,
		EventType:  event.EventType,
		Day:        event.At.UTC().Format("2006-01-02"),
		EventCount: 1,
		UpdatedAt:  time.Now().UTC(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "code"}, {Name: "event_type"}, {Name: "day"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"event_count": gorm.Expr("affiliate_stats.event_count + ?", 1),
			"updated_at":  stat.UpdatedAt,
		}),
	}).Create(&stat).Error
	if err != nil {
		return fmt.Errorf("failed to upsert stat: %w", err)
	}
	return nil
}

func (r *StatsRecorder) Summary(ctx context.Context, code string, days int) (*StatsSummary, error) {
	if days < 1 || days > 366 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days+1).Format("2006-01-02")

	var daily []models.AffiliateStat
	if err := r.db.WithContext(ctx).
		Where("code = ? AND day >= ?", code, since).
		Order("day ASC, event_type ASC").
		Find(&daily).Error; err != nil {
		return nil, fmt.Errorf("failed to load stats: %w", err)
	}

	summary := &StatsSummary{
		Code:   code,
		Totals: map[models.StatEventType]int64{models.StatEventClick: 0, models.StatEventConversion: 0},
		Daily:  daily,
	}
	for _, stat := range daily {
		summary.Totals[stat.EventType] += stat.EventCount
	}
	if clicks := summary.Totals[models.StatEventClick]; clicks > 0 {
		summary.ConversionRate = float64(summary.Totals[models.StatEventConversion]) / float64(clicks)
	}
	return summary, nil
}
