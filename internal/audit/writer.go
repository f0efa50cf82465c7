package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gamegenie/genie-bridge/internal/dispatch"
)

const insertSQL = `
	INSERT INTO command_log (id, command, outcome, error, payload, follow_up, started_at, duration_ms, timeout_ms)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (id) DO NOTHING
`

const flushTimeout = 10 * time.Second

// BatchSender sends a pgx batch. *pgxpool.Pool satisfies it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Observer is notified of row counts by result.
type Observer interface {
	AuditRows(result string, n int)
}

// Config configures a Writer.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
}

// DefaultConfig returns default writer settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: 2 * time.Second,
		QueueSize:     1000,
	}
}

// Stats holds writer counters.
type Stats struct {
	Inserts   int64
	Conflicts int64
	Dropped   int64
	Errors    int64
	Flushes   int64
}

type row struct {
	ID         string
	Command    string
	Outcome    string
	Error      *string
	Payload    []byte
	FollowUp   []byte
	StartedAt  time.Time
	DurationMs int64
	TimeoutMs  int64
}

// Writer batches dispatcher results into command_log. It implements
// dispatch.Recorder.
type Writer struct {
	cfg      Config
	db       BatchSender
	logger   *slog.Logger
	observer Observer

	input chan dispatch.Result

	batch   []row
	batchMu sync.Mutex
	stats   Stats

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWriter creates a Writer. observer may be nil.
func NewWriter(cfg Config, db BatchSender, observer Observer, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}

	return &Writer{
		cfg:      cfg,
		db:       db,
		logger:   logger.With("component", "audit"),
		observer: observer,
		input:    make(chan dispatch.Result, cfg.QueueSize),
		batch:    make([]row, 0, cfg.BatchSize),
	}
}

// Record queues a result. It never blocks; results are dropped when the
// queue is full.
func (w *Writer) Record(r dispatch.Result) {
	select {
	case w.input <- r:
	default:
		w.batchMu.Lock()
		w.stats.Dropped++
		w.batchMu.Unlock()
		w.observe("dropped", 1)
		w.logger.Warn("audit queue full, dropping result", "id", r.ID, "command", r.Command)
	}
}

// Start begins consuming results and writing to the database.
func (w *Writer) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.run(ctx)

	w.logger.Info("audit writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains queued results and flushes them.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping audit writer")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("audit writer stop timed out")
		return ctx.Err()
	}

drain:
	for {
		select {
		case r := <-w.input:
			w.add(r)
		default:
			break drain
		}
	}
	w.flush()

	w.logger.Info("audit writer stopped")
	return nil
}

// Stats returns current counters.
func (w *Writer) Stats() Stats {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.stats
}

func (w *Writer) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case r := <-w.input:
			if w.add(r) {
				w.flush()
			}
		case <-ticker.C:
			w.flush()
		}
	}
}

// add appends a result to the batch and reports whether the batch is full.
func (w *Writer) add(r dispatch.Result) bool {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()

	w.batch = append(w.batch, transform(r))
	return len(w.batch) >= w.cfg.BatchSize
}

func transform(r dispatch.Result) row {
	out := row{
		ID:         r.ID,
		Command:    r.Command,
		Outcome:    r.Outcome.String(),
		Payload:    jsonColumn(r.Payload),
		FollowUp:   jsonColumn(r.FollowUp),
		StartedAt:  r.StartedAt,
		DurationMs: r.Duration.Milliseconds(),
		TimeoutMs:  r.Timeout.Milliseconds(),
	}
	if r.Err != nil {
		msg := r.Err.Error()
		out.Error = &msg
	}
	return out
}

// jsonColumn returns nil for empty or invalid JSON so the column is NULL.
func jsonColumn(raw json.RawMessage) []byte {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	return raw
}

func (w *Writer) flush() {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	batch := w.batch
	w.batch = make([]row, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.stats.Errors++
		w.batchMu.Unlock()
		w.observe("failed", len(batch))
		return
	}

	w.batchMu.Lock()
	w.stats.Inserts += int64(len(batch) - conflicts)
	w.stats.Conflicts += int64(conflicts)
	w.stats.Flushes++
	w.batchMu.Unlock()
	w.observe("written", len(batch)-conflicts)

	w.logger.Debug("flushed command log",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

func (w *Writer) batchInsert(rows []row) (conflicts int, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertSQL,
			r.ID, r.Command, r.Outcome, r.Error, r.Payload, r.FollowUp,
			r.StartedAt, r.DurationMs, r.TimeoutMs,
		)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}

func (w *Writer) observe(result string, n int) {
	if w.observer != nil && n > 0 {
		w.observer.AuditRows(result, n)
	}
}
