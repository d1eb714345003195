// Package ingest drives catalog files through the flattener into the store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pricing-cli/internal/catalog"
	"github.com/sells-group/pricing-cli/internal/model"
	"github.com/sells-group/pricing-cli/internal/store"
)

const (
	defaultBatchSize   = 1000
	defaultMaxInflight = 4
)

// Store is the subset of store.Store the driver writes to.
type Store interface {
	Upsert(ctx context.Context, records []model.FlatProduct) error
	Ping(ctx context.Context) error
	store.IngestLog
}

// Config controls batching.
type Config struct {
	BatchSize          int
	MaxInflightBatches int
}

// File is a named catalog source.
type File struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// FilesFromGlob returns one File per path matching pattern, sorted by name.
func FilesFromGlob(pattern string) ([]File, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: glob %s", pattern)
	}
	sort.Strings(paths)
	return FilesFromPaths(paths), nil
}

// FilesFromPaths returns one File per path, in the given order.
func FilesFromPaths(paths []string) []File {
	files := make([]File, 0, len(paths))
	for _, p := range paths {
		files = append(files, File{
			Name: p,
			Open: func() (io.ReadCloser, error) { return os.Open(p) },
		})
	}
	return files
}

// Summary reports the outcome of one ingestion run.
type Summary struct {
	RunID         string        `json:"run_id"`
	Files         int           `json:"files"`
	Failed        int           `json:"failed"`
	Records       int64         `json:"records"`
	Batches       int           `json:"batches"`
	FailedBatches int           `json:"failed_batches"`
	Elapsed       time.Duration `json:"elapsed"`
}

// BatchError reports one upsert batch that could not be written.
type BatchError struct {
	File    string
	Batch   int
	Records int
	Err     error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("ingest: %s batch %d (%d records): %v", e.File, e.Batch, e.Records, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Driver ingests catalog files into a Store.
type Driver struct {
	store Store
	cfg   Config
	log   *zap.Logger
}

// New creates a Driver. A nil logger falls back to the global zap logger.
func New(st Store, cfg Config, log *zap.Logger) *Driver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxInflightBatches <= 0 {
		cfg.MaxInflightBatches = defaultMaxInflight
	}
	if log == nil {
		log = zap.L()
	}
	return &Driver{store: st, cfg: cfg, log: log.With(zap.String("component", "ingest"))}
}

// IngestAll processes files one after another. A file that cannot be opened
// or parsed, or whose batches fail, is logged and recorded as failed; the run
// continues with the next file. The returned error is non-nil only when the
// store itself is unreachable or ctx is cancelled.
func (d *Driver) IngestAll(ctx context.Context, files []File) (*Summary, error) {
	run := d.newRun()
	if err := d.store.Ping(ctx); err != nil {
		run.log.Error("store unavailable", zap.Error(err))
		return run.finish(), err
	}

	run.log.Info("ingest started", zap.Int("files", len(files)))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return run.finish(), eris.Wrap(err, "ingest: cancelled")
		}
		load := func() (*catalog.Document, error) {
			rc, err := f.Open()
			if err != nil {
				return nil, eris.Wrapf(err, "ingest: open %s", f.Name)
			}
			defer rc.Close() //nolint:errcheck

			doc, err := catalog.ParseDocument(rc)
			if err != nil {
				var pe *catalog.ParseError
				if errors.As(err, &pe) {
					pe.File = f.Name
				}
				return nil, err
			}
			return doc, nil
		}
		if err := d.ingestFile(ctx, run, f.Name, load); err != nil {
			return run.finish(), err
		}
	}

	s := run.finish()
	run.log.Info("ingest finished",
		zap.Int("files", s.Files),
		zap.Int("failed", s.Failed),
		zap.Int64("records", s.Records),
		zap.Int("batches", s.Batches),
		zap.Int("failed_batches", s.FailedBatches),
		zap.Duration("elapsed", s.Elapsed),
	)
	return s, nil
}

// IngestDocument ingests an already decoded document under name as a run of
// its own.
func (d *Driver) IngestDocument(ctx context.Context, name string, doc *catalog.Document) (*Summary, error) {
	run := d.newRun()
	if err := d.store.Ping(ctx); err != nil {
		run.log.Error("store unavailable", zap.Error(err))
		return run.finish(), err
	}
	err := d.ingestFile(ctx, run, name, func() (*catalog.Document, error) { return doc, nil })
	return run.finish(), err
}

type run struct {
	id      string
	started time.Time
	log     *zap.Logger
	summary Summary
}

func (d *Driver) newRun() *run {
	id := uuid.NewString()
	return &run{
		id:      id,
		started: time.Now(),
		log:     d.log.With(zap.String("run_id", id)),
		summary: Summary{RunID: id},
	}
}

func (r *run) finish() *Summary {
	s := r.summary
	s.Elapsed = time.Since(r.started)
	return &s
}

// ingestFile records name in the ingest log, loads it and writes its
// products. Only ingest log failures are returned.
func (d *Driver) ingestFile(ctx context.Context, r *run, name string, load func() (*catalog.Document, error)) error {
	log := r.log.With(zap.String("file", name))
	r.summary.Files++

	entryID, err := d.store.StartFile(ctx, r.id, name)
	if err != nil {
		log.Error("ingest log unavailable", zap.Error(err))
		return err
	}

	fail := func(cause error) error {
		r.summary.Failed++
		if err := d.store.FailFile(ctx, entryID, cause.Error()); err != nil {
			log.Error("ingest log unavailable", zap.Error(err))
			return err
		}
		return nil
	}

	doc, err := load()
	if err != nil {
		log.Error("skipping file", zap.Error(err))
		return fail(err)
	}

	res := d.writeDocument(ctx, log, name, doc)
	r.summary.Records += res.records
	r.summary.Batches += res.batches
	r.summary.FailedBatches += len(res.failures)

	if len(res.failures) > 0 {
		msgs := make([]string, 0, len(res.failures))
		for _, f := range res.failures {
			msgs = append(msgs, f.Error())
		}
		log.Warn("file ingested with failed batches",
			zap.Int64("records", res.records),
			zap.Int("failed_batches", len(res.failures)),
		)
		return fail(eris.New(strings.Join(msgs, "; ")))
	}

	if err := d.store.CompleteFile(ctx, entryID, res.records); err != nil {
		log.Error("ingest log unavailable", zap.Error(err))
		return err
	}
	log.Info("file ingested", zap.Int64("records", res.records), zap.Int("batches", res.batches))
	return nil
}

type writeResult struct {
	records  int64
	batches  int
	failures []*BatchError
}

// writeDocument flattens products in sku order and upserts them in batches,
// with at most MaxInflightBatches batches outstanding. It waits for every
// batch before returning.
func (d *Driver) writeDocument(ctx context.Context, log *zap.Logger, name string, doc *catalog.Document) writeResult {
	var (
		mu  sync.Mutex
		res writeResult
		g   errgroup.Group
	)
	g.SetLimit(d.cfg.MaxInflightBatches)

	dispatch := func(batch []model.FlatProduct) {
		idx := res.batches
		res.batches++
		g.Go(func() error {
			err := d.store.Upsert(ctx, batch)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				be := &BatchError{File: name, Batch: idx, Records: len(batch), Err: err}
				res.failures = append(res.failures, be)
				log.Error("batch failed", zap.Int("batch", idx), zap.Int("records", len(batch)), zap.Error(err))
				return nil
			}
			res.records += int64(len(batch))
			log.Debug("batch flushed", zap.Int("batch", idx), zap.Int("records", len(batch)))
			return nil
		})
	}

	batch := make([]model.FlatProduct, 0, d.cfg.BatchSize)
	for _, key := range doc.SKUs() {
		raw := doc.Products[key]
		onDemand, reserved := doc.Join(raw.SKU())
		batch = append(batch, catalog.Flatten(raw, onDemand, reserved))
		if len(batch) >= d.cfg.BatchSize {
			dispatch(batch)
			batch = make([]model.FlatProduct, 0, d.cfg.BatchSize)
		}
	}
	if len(batch) > 0 {
		dispatch(batch)
	}

	_ = g.Wait()
	sort.Slice(res.failures, func(i, j int) bool { return res.failures[i].Batch < res.failures[j].Batch })
	return res
}
