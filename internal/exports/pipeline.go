package exports

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/user-export-service/internal/observability"
)

// RowSource is a paged, forward-only iterator over the filtered users
// dataset. Next returns up to one batch of records; an empty batch means
// the source is exhausted. Close releases the cursor and its connection
// and must be called on every exit path.
type RowSource interface {
	Next(ctx context.Context) ([]Record, error)
	Close(ctx context.Context) error
}

// Store is the database surface the pipeline depends on.
type Store interface {
	// CountUsers returns the number of rows matching the filters.
	CountUsers(ctx context.Context, filters Filters) (int64, error)
	// OpenUserCursor opens a server-side cursor over the filtered dataset.
	// The cursor name is derived from jobID so concurrent pipelines never
	// collide. The source holds one pooled connection until Close.
	OpenUserCursor(ctx context.Context, jobID uuid.UUID, filters Filters, columns []string, batchSize int) (RowSource, error)
}

// Runner executes export pipelines: one background goroutine per job,
// streaming rows from a cursor through the CSV encoder onto disk with a
// bounded in-flight record count.
type Runner struct {
	registry     *Registry
	store        Store
	delivery     *S3Delivery
	storageDir   string
	batchSize    int
	cleanupGrace time.Duration
	logger       *zap.Logger
}

// RunnerConfig holds pipeline runner configuration.
type RunnerConfig struct {
	Registry     *Registry
	Store        Store
	Delivery     *S3Delivery // optional
	StorageDir   string
	BatchSize    int
	CleanupGrace time.Duration
	Logger       *zap.Logger
}

// NewRunner creates a pipeline runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	grace := cfg.CleanupGrace
	if grace <= 0 {
		grace = 500 * time.Millisecond
	}
	return &Runner{
		registry:     cfg.Registry,
		store:        cfg.Store,
		delivery:     cfg.Delivery,
		storageDir:   cfg.StorageDir,
		batchSize:    batchSize,
		cleanupGrace: grace,
		logger:       logger,
	}
}

// ArtifactPath returns the artifact file path for a job.
func (r *Runner) ArtifactPath(id uuid.UUID) string {
	return filepath.Join(r.storageDir, id.String()+".csv")
}

// Launch starts the pipeline for a pending job in the background.
func (r *Runner) Launch(id uuid.UUID) {
	go r.run(context.Background(), id)
}

// ScheduleCleanup removes the job's artifact after a short grace period,
// giving a running pipeline time to release the file. Best-effort.
func (r *Runner) ScheduleCleanup(id uuid.UUID) {
	path := r.ArtifactPath(id)
	time.AfterFunc(r.cleanupGrace, func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("failed to remove cancelled artifact",
				zap.String("job_id", id.String()),
				zap.String("path", path),
				zap.Error(err),
			)
		}
	})
}

func (r *Runner) run(ctx context.Context, id uuid.UUID) {
	logger := r.logger.With(zap.String("job_id", id.String()))

	job, ok := r.registry.Get(id)
	if !ok {
		logger.Error("pipeline launched for unknown job")
		return
	}

	if err := r.registry.StartJob(id); err != nil {
		// A cancel that raced the launch is the normal cause; nothing to clean.
		logger.Info("pipeline not started", zap.Error(err))
		return
	}
	started := time.Now()

	if err := os.MkdirAll(r.storageDir, 0o755); err != nil {
		r.fail(id, logger, fmt.Errorf("ensure storage directory: %w", err))
		return
	}

	total, err := r.store.CountUsers(ctx, job.Spec.Filters)
	if err != nil {
		r.fail(id, logger, fmt.Errorf("count users: %w", err))
		return
	}
	r.registry.UpdateProgress(id, 0, total)

	path := r.ArtifactPath(id)

	if total == 0 {
		if err := r.writeHeaderOnly(path, job.Spec); err != nil {
			r.removeArtifact(logger, path)
			r.fail(id, logger, err)
			return
		}
		r.complete(id, logger, path, started, 0)
		return
	}

	source, err := r.store.OpenUserCursor(ctx, id, job.Spec.Filters, job.Spec.Columns, r.batchSize)
	if err != nil {
		r.fail(id, logger, fmt.Errorf("open cursor: %w", err))
		return
	}

	processed, err := r.stream(ctx, id, job.Spec, source, path, total)

	if closeErr := source.Close(context.Background()); closeErr != nil {
		logger.Warn("failed to release cursor", zap.Error(closeErr))
	}

	if err != nil {
		r.removeArtifact(logger, path)
		if err == errCancelled {
			logger.Info("pipeline cancelled", zap.Int64("processed_rows", processed))
			return
		}
		r.fail(id, logger, err)
		return
	}

	r.complete(id, logger, path, started, processed)
}

var errCancelled = fmt.Errorf("export cancelled")

// stream drains the row source into the artifact file. Records travel
// through a one-slot channel to a dedicated writer goroutine, so at most
// one batch plus one in-flight record ever sits between the cursor and the
// file; a slow disk stalls the producer instead of growing a buffer.
func (r *Runner) stream(ctx context.Context, id uuid.UUID, spec Spec, source RowSource, path string, total int64) (int64, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create artifact: %w", err)
	}

	bw := bufio.NewWriter(file)
	enc, err := NewEncoder(bw, spec.Columns, spec.Dialect)
	if err != nil {
		file.Close()
		return 0, err
	}
	if err := enc.WriteHeader(); err != nil {
		file.Close()
		return 0, err
	}

	recordCh := make(chan Record, 1)
	writeDone := make(chan error, 1)
	go func() {
		for rec := range recordCh {
			if err := enc.WriteRecord(rec); err != nil {
				writeDone <- err
				return
			}
		}
		writeDone <- bw.Flush()
	}()

	cancelCh := r.registry.CancelSignal(id)
	writerStopped := false
	stopWriter := func() error {
		if writerStopped {
			return nil
		}
		writerStopped = true
		close(recordCh)
		return <-writeDone
	}
	finish := func() error {
		werr := stopWriter()
		closeErr := file.Close()
		if werr != nil {
			return fmt.Errorf("write artifact: %w", werr)
		}
		if closeErr != nil {
			return fmt.Errorf("close artifact: %w", closeErr)
		}
		return nil
	}

	var processed int64
	for {
		select {
		case <-cancelCh:
			finish()
			return processed, errCancelled
		default:
		}

		batch, err := source.Next(ctx)
		if err != nil {
			finish()
			return processed, fmt.Errorf("fetch batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, rec := range batch {
			select {
			case recordCh <- rec:
			case err := <-writeDone:
				writerStopped = true
				file.Close()
				return processed, fmt.Errorf("write artifact: %w", err)
			case <-cancelCh:
				finish()
				return processed, errCancelled
			}
		}

		processed += int64(len(batch))
		r.registry.UpdateProgress(id, processed, total)
		observability.AddExportedRows(int64(len(batch)))
	}

	if err := finish(); err != nil {
		return processed, err
	}
	return processed, nil
}

func (r *Runner) writeHeaderOnly(path string, spec Spec) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	enc, err := NewEncoder(file, spec.Columns, spec.Dialect)
	if err != nil {
		file.Close()
		return err
	}
	if err := enc.WriteHeader(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	return nil
}

func (r *Runner) complete(id uuid.UUID, logger *zap.Logger, path string, started time.Time, rows int64) {
	if err := r.registry.CompleteJob(id, path); err != nil {
		// Lost a race with cancellation; the artifact must not outlive it.
		logger.Info("completion superseded", zap.Error(err))
		r.removeArtifact(logger, path)
		return
	}
	observability.ObserveExportDuration(time.Since(started).Seconds())
	logger.Info("export completed",
		zap.Int64("rows", rows),
		zap.String("path", path),
		zap.Duration("duration", time.Since(started)),
	)

	if r.delivery != nil {
		uri, checksum, err := r.delivery.UploadArtifact(context.Background(), id, path)
		if err != nil {
			logger.Error("artifact delivery failed", zap.Error(err))
			return
		}
		r.registry.SetDelivery(id, uri, checksum)
	}
}

func (r *Runner) fail(id uuid.UUID, logger *zap.Logger, err error) {
	logger.Error("export failed", zap.Error(err))
	if failErr := r.registry.FailJob(id, err.Error()); failErr != nil {
		logger.Warn("failed to mark job as failed", zap.Error(failErr))
	}
}

func (r *Runner) removeArtifact(logger *zap.Logger, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to remove partial artifact",
			zap.String("path", path),
			zap.Error(err),
		)
	}
}
