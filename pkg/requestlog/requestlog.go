// Package requestlog implements C4: an async, single-consumer sink for
// per-query audit records. Producers (the pipeline, one per in-flight
// query) enqueue without blocking; a single draining goroutine batches
// writes into the shared database, mirroring the queue/drain-thread split
// of original_source/simple/dns_server.py's handle_request_log_queue and
// db.py's TheDbJob.request_log_queue.
package requestlog

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	"localdns/pkg/logging"
	"localdns/pkg/storage"
	"localdns/pkg/telemetry"
)

// Entry is one audit record, matching request_logs' columns and the
// RequestLog dataclass fields from original_source's models.
type Entry struct {
	RequestID      string
	ClientIP       string
	Name           string
	CNAME          string
	QuestionType   string
	ResponseStatus string
	Server         string
	ElapsedMS      float64
	Error          string
}

// NewRequestID returns a fresh identifier for a query, to be threaded
// through an Entry's RequestID field across the pipeline.
func NewRequestID() string {
	return uuid.NewString()
}

const queueCapacity = 4096

// Sink is the async MPSC log writer. Build it once at startup and call
// Enqueue from any number of goroutines; a single internal goroutine drains
// the queue into the database.
type Sink struct {
	db      *storage.DB
	logger  *logging.Logger
	queue   chan Entry
	metrics *telemetry.Metrics

	closeOnce sync.Once
	done      chan struct{}
}

// SetMetrics attaches the resolver's dropped-entry counter. Telemetry is
// initialized after the sink, so this is a post-construction step rather
// than a NewSink argument.
func (s *Sink) SetMetrics(m *telemetry.Metrics) {
	s.metrics = m
}

// NewSink starts the draining goroutine and returns a ready Sink.
func NewSink(db *storage.DB, logger *logging.Logger) *Sink {
	s := &Sink{
		db:     db,
		logger: logger,
		queue:  make(chan Entry, queueCapacity),
		done:   make(chan struct{}),
	}
	go s.drain()
	return s
}

// Enqueue submits an entry without blocking. When the queue is full the
// entry is dropped and logged at warn level — the pipeline must never
// stall a DNS response waiting on log persistence.
func (s *Sink) Enqueue(e Entry) {
	select {
	case s.queue <- e:
	default:
		s.logger.Warn("request log queue full, dropping entry",
			"request_id", e.RequestID, "name", e.Name)
		if s.metrics != nil {
			s.metrics.RequestLogDrops.Add(context.Background(), 1)
		}
	}
}

func (s *Sink) drain() {
	defer close(s.done)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	const batchSize = 64
	batch := make([]Entry, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.write(batch); err != nil {
			s.logger.Error("insert_request_log", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-s.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *Sink) write(entries []Entry) error {
	conn := s.db.Conn()
	tx, err := conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`insert into request_logs
		("request_id", "client_ip", "name", "cname", "question_type", "response_status", "server", "elapsed_ms", "error")
		values (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(
			e.RequestID, e.ClientIP, e.Name, nullableString(e.CNAME), e.QuestionType,
			nullableString(e.ResponseStatus), nullableString(e.Server), e.ElapsedMS, nullableString(e.Error),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Close stops accepting new entries, flushes whatever remains, and waits
// for the drain goroutine to exit or ctx to expire.
func (s *Sink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.queue)
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
