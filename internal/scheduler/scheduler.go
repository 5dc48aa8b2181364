// Package scheduler deduplicates concurrent analysis requests by
// fingerprint and bounds analyzer parallelism.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"dtk/internal/analysis"
	"dtk/internal/cache"
	dtkerrors "dtk/internal/errors"
)

// ResultSource records where an analysis result came from.
type ResultSource string

const (
	SourceMemory   ResultSource = "memory"
	SourceDisk     ResultSource = "disk"
	SourceComputed ResultSource = "computed"
	SourceShared   ResultSource = "shared" // joined another caller's computation
)

// Result wraps a report with provenance for diagnostics and the demo.
type Result struct {
	Report      *analysis.Report
	Fingerprint string
	Source      ResultSource
	Elapsed     time.Duration
}

// CacheHit reports whether the result was served without computing.
func (r *Result) CacheHit() bool {
	return r.Source == SourceMemory || r.Source == SourceDisk
}

// flight is one in-progress computation shared by all callers holding
// the same fingerprint.
type flight struct {
	cancel  context.CancelFunc
	done    chan struct{}
	waiters int

	report *analysis.Report
	err    error
}

// Options configure a scheduler.
type Options struct {
	// Workers bounds concurrent analyzer executions. Zero means NumCPU.
	Workers int
	// MemoryTTLSeconds and MaxEntries shape the in-memory result cache.
	MemoryTTLSeconds int
	MaxEntries       int
	// PersistDir enables the sqlite result cache when non-empty.
	PersistDir string
}

// Scheduler runs analyses at most once per fingerprint at a time, serves
// repeats from its caches, and fans one computation's outcome out to
// every concurrent caller.
type Scheduler struct {
	registry *analysis.Registry
	memory   *cache.Memory[string, *analysis.Report]
	disk     *cache.Persistent[string, *analysis.Report]
	sem      *semaphore.Weighted
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]*flight
}

// New builds a scheduler over the given analyzer registry.
func New(registry *analysis.Registry, opts Options, logger *slog.Logger) (*Scheduler, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	s := &Scheduler{
		registry: registry,
		memory: cache.NewMemory[string, *analysis.Report](
			cache.AnalysisStrategy[*analysis.Report]{TTLSeconds: opts.MemoryTTLSeconds, Max: opts.MaxEntries}, 0),
		sem:      semaphore.NewWeighted(int64(workers)),
		logger:   logger,
		inflight: make(map[string]*flight),
	}

	if opts.PersistDir != "" {
		disk, err := cache.OpenPersistent[string, *analysis.Report](
			opts.PersistDir, "analysis",
			cache.AnalysisStrategy[*analysis.Report]{TTLSeconds: opts.MemoryTTLSeconds, Max: opts.MaxEntries},
			logger)
		if err != nil {
			return nil, err
		}
		s.disk = disk
	}
	return s, nil
}

// Close releases the persistent cache, if any.
func (s *Scheduler) Close() error {
	if s.disk != nil {
		return s.disk.Close()
	}
	return nil
}

// Analyze serves one analysis request: memory cache, then disk cache,
// then a computation shared with any concurrent caller of the same
// fingerprint. Cancelling ctx detaches this caller; the underlying
// computation is cancelled only when its last waiter detaches.
func (s *Scheduler) Analyze(ctx context.Context, req analysis.Request) (*Result, error) {
	start := time.Now()

	fp, err := req.Fingerprint()
	if err != nil {
		return nil, err
	}

	if rep, ok := s.memory.Get(fp); ok {
		return &Result{Report: rep, Fingerprint: fp, Source: SourceMemory, Elapsed: time.Since(start)}, nil
	}
	if s.disk != nil {
		if rep, ok := s.disk.Get(fp); ok {
			_ = s.memory.Put(fp, rep)
			return &Result{Report: rep, Fingerprint: fp, Source: SourceDisk, Elapsed: time.Since(start)}, nil
		}
	}

	f, leader := s.join(fp, req)

	select {
	case <-f.done:
	case <-ctx.Done():
		s.detach(fp, f)
		return nil, dtkerrors.Wrap(dtkerrors.Timeout, "analysis cancelled", ctx.Err())
	}

	if f.err != nil {
		return nil, f.err
	}
	source := SourceShared
	if leader {
		source = SourceComputed
	}
	return &Result{Report: f.report, Fingerprint: fp, Source: source, Elapsed: time.Since(start)}, nil
}

// join adds the caller to an existing flight or starts a new one,
// returning whether this caller is the one that launched it.
func (s *Scheduler) join(fp string, req analysis.Request) (*flight, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.inflight[fp]; ok {
		f.waiters++
		return f, false
	}

	runCtx, cancel := context.WithCancel(context.Background())
	f := &flight{
		cancel:  cancel,
		done:    make(chan struct{}),
		waiters: 1,
	}
	s.inflight[fp] = f
	go s.run(runCtx, fp, f, req)
	return f, true
}

// detach removes one waiter; the last one out cancels the computation.
func (s *Scheduler) detach(fp string, f *flight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.waiters--
	if f.waiters <= 0 {
		f.cancel()
	}
}

func (s *Scheduler) run(ctx context.Context, fp string, f *flight, req analysis.Request) {
	defer func() {
		if r := recover(); r != nil {
			f.err = dtkerrors.Newf(dtkerrors.Internal, "analyzer panic: %v", r)
			s.logger.Error("analyzer panicked",
				"kind", string(req.Kind), "fingerprint", fp, "panic", fmt.Sprint(r))
		}
		f.cancel()
		s.mu.Lock()
		delete(s.inflight, fp)
		s.mu.Unlock()
		close(f.done)
	}()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		f.err = dtkerrors.Wrap(dtkerrors.Timeout, "analysis cancelled before start", err)
		return
	}
	defer s.sem.Release(1)

	rep, err := s.registry.Analyze(ctx, req)
	if err != nil {
		f.err = err
		return
	}
	f.report = rep

	if err := s.memory.Put(fp, rep); err != nil {
		s.logger.Warn("memory cache publish failed", "fingerprint", fp, "error", err)
	}
	if s.disk != nil {
		if err := s.disk.Put(fp, rep); err != nil {
			s.logger.Warn("disk cache publish failed", "fingerprint", fp, "error", err)
		}
	}
}

// Invalidate drops every cached result. The watcher calls it when source
// files change under watched roots.
func (s *Scheduler) Invalidate() {
	s.memory.Clear()
	if s.disk != nil {
		s.disk.Clear()
	}
	s.logger.Debug("analysis caches invalidated")
}

// EvictIfNeeded trims expired and over-budget cache entries.
func (s *Scheduler) EvictIfNeeded() {
	s.memory.EvictIfNeeded()
	if s.disk != nil {
		s.disk.EvictIfNeeded()
	}
}

// Stats reports cache statistics per layer, plus the analyzer-internal
// caches.
func (s *Scheduler) Stats() map[string]cache.StatsSnapshot {
	stats := s.registry.CacheStats()
	stats["analysis"] = s.memory.Stats()
	if s.disk != nil {
		stats["analysis_disk"] = s.disk.Stats()
	}
	return stats
}
