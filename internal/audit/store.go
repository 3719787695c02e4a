// Package audit is the durable sink for execution records, state
// divergences, performance metrics and system events. While the
// database is unreachable rows queue in memory (FIFO, capped at 100,
// oldest dropped) and flush once it recovers.
package audit

import (
	"fmt"
	"sync"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"talon"
	"talon/pkg/logging"
)

const maxQueued = 100

// Store wraps the relational database. A nil db (failed boot
// connection or tests) runs queue-only.
type Store struct {
	mu    sync.Mutex
	db    *gorm.DB
	queue []interface{}
	log   *logging.Logger
}

// Open connects to postgres and migrates the schema.
// dsn format: "host=... user=... password=... dbname=... port=5432 sslmode=disable"
func Open(dsn string, log *logging.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to postgres: %v", talon.ErrDatabase, err)
	}
	if err := db.AutoMigrate(
		&ExecutionRow{}, &DivergenceRow{}, &MetricsRow{}, &SystemEventRow{},
	); err != nil {
		return nil, fmt.Errorf("%w: failed to migrate schema: %v", talon.ErrDatabase, err)
	}
	return &Store{db: db, log: log}, nil
}

// NewWithDB wraps an existing gorm handle (tests, custom pools).
func NewWithDB(db *gorm.DB, log *logging.Logger) (*Store, error) {
	if db != nil {
		if err := db.AutoMigrate(
			&ExecutionRow{}, &DivergenceRow{}, &MetricsRow{}, &SystemEventRow{},
		); err != nil {
			return nil, fmt.Errorf("%w: failed to migrate schema: %v", talon.ErrDatabase, err)
		}
	}
	return &Store{db: db, log: log}, nil
}

// Healthy reports whether the database connection answers.
func (s *Store) Healthy() bool {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return false
	}
	sqlDB, err := db.DB()
	if err != nil {
		return false
	}
	return sqlDB.Ping() == nil
}

// persist writes one row, queueing it on failure.
func (s *Store) persist(row interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		err := s.db.Create(row).Error
		if err == nil {
			s.flushLocked()
			return
		}
		s.log.Event(map[string]interface{}{"error": err.Error()}).
			Warn("audit_write_failed")
	}

	if len(s.queue) >= maxQueued {
		s.queue = s.queue[1:]
		s.log.Plain().Warn("audit_queue_dropped_oldest")
	}
	s.queue = append(s.queue, row)
}

// flushLocked drains the queue after a successful write.
func (s *Store) flushLocked() {
	for len(s.queue) > 0 {
		row := s.queue[0]
		if err := s.db.Create(row).Error; err != nil {
			return
		}
		s.queue = s.queue[1:]
	}
}

// Flush retries any queued rows; called on recovery ticks and at
// shutdown.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return
	}
	s.flushLocked()
}

// QueueDepth reports how many rows await the database.
func (s *Store) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// RecordExecution persists one audit row.
func (s *Store) RecordExecution(r talon.ExecutionRecord) {
	s.persist(executionRowFrom(r))
}

// RecordDivergence persists one reconciliation finding.
func (s *Store) RecordDivergence(d talon.StateDivergence) {
	s.persist(divergenceRowFrom(d))
}

// RecordMetrics persists one metrics snapshot.
func (s *Store) RecordMetrics(m talon.PerformanceMetrics) {
	s.persist(metricsRowFrom(m))
}

// RecordEvent persists one system event.
func (s *Store) RecordEvent(e talon.SystemEvent) {
	s.persist(systemEventRowFrom(e))
}

// RecentExecutions returns the newest limit rows, ordered oldest first,
// converted back to the domain type.
func (s *Store) RecentExecutions(limit int) ([]talon.ExecutionRecord, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("%w: no database connection", talon.ErrDatabase)
	}

	var rows []ExecutionRow
	if err := db.Order("timestamp DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: fetch executions: %v", talon.ErrDatabase, err)
	}
	records := make([]talon.ExecutionRecord, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- { // oldest first for window math
		rec, err := rows[i].ToRecord()
		if err != nil {
			s.log.Event(map[string]interface{}{"id": rows[i].ID, "error": err.Error()}).
				Warn("audit_row_decode_failed")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying DB: %w", err)
	}
	return sqlDB.Close()
}
