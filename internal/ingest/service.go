// Package ingest implements the watched-directory ingestion pipeline: a
// filesystem watcher and a startup/on-demand sweep feed a bounded worker pool that
// fingerprints, tags, hashes, and transactionally commits each artifact,
// with debounced cache invalidation afterward.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"boorukeep/internal/apperr"
	"boorukeep/internal/cache"
	"boorukeep/internal/config"
	"boorukeep/internal/hashing"
	"boorukeep/internal/logger"
	"boorukeep/internal/persistence"
	"boorukeep/internal/semantic"
	"boorukeep/internal/tagsource"
)

// Config is the subset of configuration the ingest service needs, flattened
// from config.Ingest plus the global source priority.
type Config struct {
	ImageDirectory    string
	IngestDirectory   string
	ThumbDirectory    string
	RejectDirectory   string
	MaxWorkers        int
	OnlineOnly        bool
	UseMergedSources  bool
	DebounceSeconds   int
	ThumbMaxDimension int
	Priority          []string
}

func configFrom(cfg *config.Config) Config {
	return Config{
		ImageDirectory:    cfg.Ingest.ImageDirectory,
		IngestDirectory:   cfg.Ingest.IngestDirectory,
		ThumbDirectory:    cfg.Ingest.ThumbDirectory,
		RejectDirectory:   cfg.Ingest.RejectDirectory,
		MaxWorkers:        cfg.Ingest.MaxWorkers,
		OnlineOnly:        cfg.Ingest.OnlineOnly,
		UseMergedSources:  cfg.Ingest.UseMergedSources,
		DebounceSeconds:   cfg.Ingest.DebounceSeconds,
		ThumbMaxDimension: cfg.Ingest.ThumbMaxDimension,
		Priority:          cfg.Sources.Priority,
	}
}

// job is one file queued for the worker pool. done is non-nil only for
// sweep-submitted jobs, letting Sweep wait for its batch to drain before
// issuing the bulk cache reload.
type job struct {
	path   string
	origin origin
	done   *sync.WaitGroup
}

// Service owns the ingestion pipeline's topology: the filesystem watcher,
// the bounded worker pool, and the debounced cache-invalidation thread.
type Service struct {
	db       persistence.Database
	cacheMgr *cache.Manager
	sources  tagsource.Set
	embedder semantic.Embedder
	index    *semantic.Index
	bitLen   hashing.BitLength
	cfg      Config

	useMergedByDefault bool

	jobs    chan job
	watcher *fsnotify.Watcher

	mu            sync.Mutex
	pendingReload bool
	lastActivity  time.Time
	running       bool

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewService wires the ingestion pipeline from process configuration and
// the already-constructed catalog, cache, source, and semantic-index
// collaborators.
func NewService(cfg *config.Config, db persistence.Database, cacheMgr *cache.Manager, sources tagsource.Set, embedder semantic.Embedder, index *semantic.Index) *Service {
	bitLen := hashing.Bits64
	if cfg.Similarity.PHashBits == int(hashing.Bits256) {
		bitLen = hashing.Bits256
	}
	return &Service{
		db:                 db,
		cacheMgr:            cacheMgr,
		sources:             sources,
		embedder:            embedder,
		index:               index,
		bitLen:              bitLen,
		cfg:                 configFrom(cfg),
		useMergedByDefault:  cfg.Ingest.UseMergedSources,
		jobs:                make(chan job, 256),
		stopCh:              make(chan struct{}),
	}
}

func resolveMaxWorkers(configured int) int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	if configured > 0 && configured < n {
		n = configured
	}
	return n
}

// Start launches the worker pool, the filesystem watcher, the debounce
// thread, and performs the startup sweep.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.lastActivity = time.Now()
	// Stop permanently closes jobs/stopCh, so a Start following a prior
	// Stop (e.g. the rebuild engine's stop-mutate-restart cycle) needs
	// fresh ones; Stop only returns once every goroutine holding the old
	// channels has exited, so this is race-free.
	s.jobs = make(chan job, 256)
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ingest: create watcher: %w", err)
	}
	s.watcher = watcher

	for _, dir := range []string{s.cfg.ImageDirectory, s.cfg.IngestDirectory} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("ingest: ensure directory %s: %w", dir, err)
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("ingest: watch %s: %w", dir, err)
		}
	}

	workers := resolveMaxWorkers(s.cfg.MaxWorkers)
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.workerLoop(ctx)
	}

	s.wg.Add(1)
	go s.watchLoop(ctx)

	s.wg.Add(1)
	go s.debounceLoop(ctx)

	if err := s.Sweep(ctx); err != nil {
		logger.Warn("ingest: startup sweep failed", "error", err)
	}

	return nil
}

// Stop performs the cooperative shutdown: it stops the watcher, flips
// running=false, and waits a bounded time for the worker pool rather than
// blocking indefinitely.
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	close(s.stopCh)
	close(s.jobs)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		logger.Warn("ingest: shutdown timed out waiting for worker pool")
		return fmt.Errorf("ingest: shutdown timed out after %s", timeout)
	}
}

func (s *Service) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// watchLoop enqueues creation/write events from the managed directories;
// it runs on its own goroutine, a single watcher thread feeding the
// worker pool.
func (s *Service) watchLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			info, err := os.Stat(event.Name)
			if err != nil || info.IsDir() {
				continue
			}
			s.enqueue(event.Name)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("ingest: watcher error", "error", err)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) enqueue(path string) {
	o := originInPlace
	if rel, err := filepath.Rel(s.cfg.IngestDirectory, path); err == nil && s.cfg.IngestDirectory != "" && rel != "" && rel[0] != '.' {
		o = originStaged
	}
	select {
	case s.jobs <- job{path: path, origin: o}:
	case <-s.stopCh:
	}
}

// workerLoop is one slot of the bounded CPU-leaning worker pool.
func (s *Service) workerLoop(ctx context.Context) {
	defer s.wg.Done()
	for j := range s.jobs {
		result := s.processArtifact(ctx, j.path, j.origin)
		switch {
		case result.Err != nil:
			logger.Error("ingest: artifact failed", result.Err, "path", result.Path)
		case result.Duplicate:
			logger.Debug("ingest: duplicate skipped", "path", result.Path, "image_id", result.ImageID)
		default:
			logger.Info("ingest: committed", "path", result.Path, "image_id", result.ImageID)
		}
		if j.done != nil {
			j.done.Done()
		}
	}
}

// markActivity records a per-artifact commit without triggering a reload
// directly.
func (s *Service) markActivity() {
	s.mu.Lock()
	s.pendingReload = true
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Service) debounceInterval() time.Duration {
	if s.cfg.DebounceSeconds > 0 {
		return time.Duration(s.cfg.DebounceSeconds) * time.Second
	}
	return 2 * time.Second
}

// debounceLoop issues one cache reload once the system has been quiet for
// the configured debounce interval, coalescing bursts of per-artifact
// commits into a single reload.
func (s *Service) debounceLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			due := s.pendingReload && time.Since(s.lastActivity) >= s.debounceInterval()
			if due {
				s.pendingReload = false
			}
			s.mu.Unlock()
			if due {
				if err := s.cacheMgr.InvalidateAll(ctx); err != nil {
					logger.Warn("ingest: debounced cache reload failed", "error", err)
				}
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep enumerates files present in the managed directories but not yet
// cataloged and submits them to the worker pool — the pool is the single
// parallelism boundary, so the sweep never processes artifacts inline. It
// waits for its batch to drain, then issues the bulk reload directly
// rather than waiting on the debounce thread.
func (s *Service) Sweep(ctx context.Context) error {
	if !s.isRunning() {
		return apperr.Input("ingest: sweep requires a running worker pool")
	}

	var pending sync.WaitGroup
	submitted := 0
	for _, dir := range []string{s.cfg.ImageDirectory, s.cfg.IngestDirectory} {
		if dir == "" {
			continue
		}
		n, err := s.sweepDir(ctx, dir, &pending)
		if err != nil {
			pending.Wait()
			return err
		}
		submitted += n
	}
	pending.Wait()

	logger.Info("ingest: sweep drained", "submitted", submitted)
	if err := s.cacheMgr.InvalidateAll(ctx); err != nil {
		return fmt.Errorf("ingest: bulk reload after sweep: %w", err)
	}
	return nil
}

// sweepDir walks one directory and enqueues every uncataloged file onto
// the shared job channel, counting each job into pending.
func (s *Service) sweepDir(ctx context.Context, dir string, pending *sync.WaitGroup) (int, error) {
	count := 0
	o := originInPlace
	if dir == s.cfg.IngestDirectory {
		o = originStaged
	}
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(s.cfg.ImageDirectory, path)
		if o == originInPlace && relErr == nil {
			if existing, lookupErr := s.db.Images().GetByFilepath(ctx, rel); lookupErr == nil && existing != nil {
				return nil
			}
		}
		pending.Add(1)
		select {
		case s.jobs <- job{path: path, origin: o, done: pending}:
			count++
			return nil
		case <-s.stopCh:
			pending.Done()
			return filepath.SkipAll
		case <-ctx.Done():
			pending.Done()
			return ctx.Err()
		}
	})
	if err != nil {
		return count, fmt.Errorf("ingest: sweep %s: %w", dir, err)
	}
	return count, nil
}
