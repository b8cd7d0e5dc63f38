package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"CrashLedger/internal/crash"
	"CrashLedger/internal/observability"
	"CrashLedger/internal/store"

	"github.com/rs/zerolog"
)

// RoundArchiver drains finished rounds off a buffered channel and
// batch-writes them. The round loop never blocks on it: Submit reports
// false when the buffer is full and the record is dropped.
type RoundArchiver struct {
	writer       *RoundWriter
	input        chan crash.RoundRecord
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	log          zerolog.Logger
	metrics      *observability.Metrics
}

func NewRoundArchiver(
	db *sql.DB,
	dialect store.Dialect,
	buffer int,
	batchSize int,
	flushTimeout time.Duration,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *RoundArchiver {
	if buffer <= 0 {
		buffer = 256
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	if flushTimeout <= 0 {
		flushTimeout = time.Second
	}
	return &RoundArchiver{
		writer:       NewRoundWriter(db, dialect),
		input:        make(chan crash.RoundRecord, buffer),
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		log:          log.With().Str("component", "archiver").Logger(),
		metrics:      metrics,
	}
}

// Submit enqueues rec without blocking.
func (a *RoundArchiver) Submit(rec crash.RoundRecord) bool {
	select {
	case a.input <- rec:
		return true
	default:
		if a.metrics != nil {
			a.metrics.ArchiveErrors.WithLabelValues("dropped").Inc()
		}
		a.log.Warn().Str("round_id", rec.RoundID.String()).Msg("archive buffer full, round dropped")
		return false
	}
}

// Recent reads the newest archived rounds.
func (a *RoundArchiver) Recent(ctx context.Context, limit int) ([]crash.RoundRecord, error) {
	return a.writer.Recent(ctx, limit)
}

// Run batches submitted rounds and flushes when the batch is full or the
// flush timeout expires. On cancellation whatever is buffered is flushed
// once more before returning.
func (a *RoundArchiver) Run(ctx context.Context) error {
	batch := make([]crash.RoundRecord, 0, a.batchSize)

	timer := time.NewTimer(a.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			batch = a.drain(batch)
			if len(batch) > 0 {
				if err := a.flush(context.Background(), batch); err != nil {
					a.log.Error().Err(err).Int("rounds", len(batch)).Msg("final flush failed")
				}
			}
			return nil

		case rec := <-a.input:
			batch = append(batch, rec)
			if len(batch) >= a.batchSize {
				if err := a.flushWithRetry(ctx, batch); err != nil {
					a.log.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(a.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := a.flushWithRetry(ctx, batch); err != nil {
					a.log.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(a.flushTimeout)
		}
	}
}

func (a *RoundArchiver) drain(batch []crash.RoundRecord) []crash.RoundRecord {
	for {
		select {
		case rec := <-a.input:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made.
func (a *RoundArchiver) flushWithRetry(ctx context.Context, batch []crash.RoundRecord) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			a.log.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("rounds", len(batch)).
				Msg("archive retry")
			select {
			case <-ctx.Done():
				if err := a.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > a.maxBackoff {
				backoff = a.maxBackoff
			}
		}

		err := a.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				a.log.Info().Int("retries", attempt).Msg("archive flush recovered")
			}
			return nil
		}
		a.log.Debug().Err(err).Msg("archive flush failed")
		if a.metrics != nil {
			a.metrics.ArchiveErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (a *RoundArchiver) flush(ctx context.Context, batch []crash.RoundRecord) error {
	start := time.Now()

	tx, err := a.writer.db.BeginTx(ctx, nil)
	if err != nil {
		a.failed("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := a.writer.WriteBatch(ctx, tx, batch); err != nil {
		a.failed("write_rounds")
		return err
	}
	if err := tx.Commit(); err != nil {
		a.failed("tx_commit")
		return err
	}

	if a.metrics != nil {
		a.metrics.ArchiveBatchDur.Observe(time.Since(start).Seconds())
		a.metrics.ArchiveRoundsWritten.Add(float64(len(batch)))
	}
	return nil
}

func (a *RoundArchiver) failed(stage string) {
	if a.metrics != nil {
		a.metrics.ArchiveErrors.WithLabelValues(stage).Inc()
	}
}
