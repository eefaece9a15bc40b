// Package reconcile drives one synchronization pass: it rebuilds the mapping
// cache, upserts a Task and Sub-task per finding, then closes the sub-tasks
// of dead assets and the tasks left without sub-tasks.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	synerr "github.com/rcourtman/vulnsync/internal/errors"
	"github.com/rcourtman/vulnsync/internal/finding"
	"github.com/rcourtman/vulnsync/internal/logging"
	"github.com/rcourtman/vulnsync/internal/mapping"
	"github.com/rcourtman/vulnsync/internal/metrics"
	"github.com/rcourtman/vulnsync/internal/template"
	"github.com/rcourtman/vulnsync/pkg/jira"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxWorkers is the worker pool size when none is configured.
const DefaultMaxWorkers = 4

// Tracker is the remote ticketing system.
type Tracker interface {
	mapping.RemoteIndex
	Search(ctx context.Context, jql string, fields []string, maxResults int, cursor string) (*jira.SearchPage, error)
	Create(ctx context.Context, fields map[string]any) (*jira.CreatedIssue, error)
	Update(ctx context.Context, idOrKey string, fields map[string]any) error
	Transitions(ctx context.Context, idOrKey string) ([]jira.Transition, error)
	Transition(ctx context.Context, idOrKey, transitionID, comment string) error
}

// Options configures a Processor.
type Options struct {
	Task    *template.Template
	SubTask *template.Template

	// Remote field ids carrying the identity keys.
	RootCauseField   string
	InstanceKeyField string
	AssetKeyField    string

	ClosedStatuses     []string
	ClosedTransition   string // transition name looked up when ClosedTransitionID is empty
	ClosedTransitionID string
	ClosedMessage      string

	CachePath  string
	MaxWorkers int
	PageSize   int
	MaxPages   int

	LastRun       time.Time
	IgnoreLastRun bool
	IgnoreErrors  bool
	// Debug runs a single worker and keeps the cache file after the run.
	Debug bool

	Now func() time.Time
}

// Processor reconciles findings against the remote tracker.
type Processor struct {
	opts    Options
	tracker Tracker

	cache     *mapping.Store
	startTime time.Time
	stats     runStats

	closeMu sync.Mutex
	closeID string
}

type runStats struct {
	created atomic.Int64
	updated atomic.Int64
	closed  atomic.Int64
	skipped atomic.Int64
	errors  atomic.Int64
}

func (s *runStats) reset() {
	for _, c := range []*atomic.Int64{&s.created, &s.updated, &s.closed, &s.skipped, &s.errors} {
		c.Store(0)
	}
}

// RunSummary reports the outcome of one Sync call.
type RunSummary struct {
	RunID    string
	Created  int
	Updated  int
	Closed   int
	Skipped  int
	Errors   int
	Started  time.Time
	Finished time.Time
}

// Duration returns the wall-clock length of the run.
func (s RunSummary) Duration() time.Duration {
	return s.Finished.Sub(s.Started)
}

// New validates opts and returns a Processor bound to tracker.
func New(tracker Tracker, opts Options) (*Processor, error) {
	if tracker == nil {
		return nil, synerr.WrapConfigError("new_processor", "", fmt.Errorf("tracker is required"))
	}
	if opts.Task == nil || opts.SubTask == nil {
		return nil, synerr.WrapConfigError("new_processor", "", fmt.Errorf("task and sub-task templates are required"))
	}
	if opts.ClosedTransitionID == "" && opts.ClosedTransition == "" {
		return nil, synerr.WrapConfigError("new_processor", "", fmt.Errorf("a closed transition name or id is required"))
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.Debug {
		opts.MaxWorkers = 1
	}
	if opts.PageSize <= 0 {
		opts.PageSize = jira.DefaultPageSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Processor{opts: opts, tracker: tracker, closeID: opts.ClosedTransitionID}, nil
}

// Sync runs a full reconciliation pass over source. The cache file is removed
// after a successful run unless Debug is set; after a failed run it is left
// for inspection and removed by the next run.
func (p *Processor) Sync(ctx context.Context, source finding.Source) (summary RunSummary, err error) {
	ctx, runID := logging.WithRunID(ctx, "")
	logger := logging.FromContext(ctx)

	p.stats.reset()
	p.startTime = p.opts.Now()
	summary = RunSummary{RunID: runID, Started: p.startTime}
	defer func() {
		p.fill(&summary)
		metrics.RecordRun(summary.Started, summary.Finished, err)
	}()

	cache, err := mapping.Open(p.opts.CachePath)
	if err != nil {
		return summary, err
	}
	p.cache = cache
	defer func() {
		var closeErr error
		if err == nil && !p.opts.Debug {
			closeErr = cache.Destroy()
		} else {
			closeErr = cache.Close()
		}
		if closeErr != nil {
			logger.Warn().Err(closeErr).Str("path", cache.Path()).Msg("Failed to release mapping cache")
		}
	}()

	stats, err := cache.Rebuild(ctx, p.tracker, mapping.RebuildOptions{
		ProjectKey:       p.opts.Task.Definition().ProjectKey,
		TaskType:         p.opts.Task.Name(),
		SubTaskType:      p.opts.SubTask.Name(),
		ClosedStatuses:   p.opts.ClosedStatuses,
		RootCauseField:   p.opts.RootCauseField,
		InstanceKeyField: p.opts.InstanceKeyField,
		AssetKeyField:    p.opts.AssetKeyField,
		PageSize:         p.opts.PageSize,
		MaxPages:         p.opts.MaxPages,
		SyncedAt:         p.startTime,
	})
	if err != nil {
		return summary, err
	}
	metrics.RecordCacheRows(stats.Tasks, stats.SubTasks)

	if err := p.processFindings(ctx, source); err != nil {
		return summary, err
	}
	if err := p.CloseDeadAssets(ctx, source); err != nil {
		return summary, err
	}
	if err := p.CloseEmptyParents(ctx); err != nil {
		return summary, err
	}
	tasks, subtasks, err := cache.Counts(ctx)
	if err != nil {
		return summary, err
	}
	metrics.RecordCacheRows(tasks, subtasks)

	p.fill(&summary)
	logger.Info().
		Int("created", summary.Created).
		Int("updated", summary.Updated).
		Int("closed", summary.Closed).
		Int("skipped", summary.Skipped).
		Int("errors", summary.Errors).
		Int("cached_tasks", tasks).
		Dur("duration", summary.Duration()).
		Msg("Sync completed")
	return summary, nil
}

// processFindings shards findings by root cause across the worker pool so
// every job for one root cause runs on the same worker, in order.
func (p *Processor) processFindings(ctx context.Context, source finding.Source) error {
	workers := p.opts.MaxWorkers
	g, gctx := errgroup.WithContext(ctx)

	shards := make([]chan finding.Finding, workers)
	for i := range shards {
		shards[i] = make(chan finding.Finding, 1)
	}

	g.Go(func() error {
		defer func() {
			for _, ch := range shards {
				close(ch)
			}
		}()
		return source.Findings(gctx, func(f finding.Finding) error {
			if err := checkIdentity(f); err != nil {
				return err
			}
			select {
			case shards[shardFor(f.RootCauseKey(), workers)] <- f:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})

	for i := range shards {
		ch := shards[i]
		g.Go(func() error {
			for f := range ch {
				if gctx.Err() != nil {
					// Drain so the producer never blocks on a dead shard.
					continue
				}
				// Jobs use the parent context so in-flight requests finish
				// after a sibling fails.
				if err := p.absorb(ctx, f, p.job(ctx, f)); err != nil {
					return err
				}
			}
			return nil
		})
	}

	return g.Wait()
}

// job runs the parent upsert then the child upsert for one finding.
func (p *Processor) job(ctx context.Context, f finding.Finding) error {
	taskID, err := p.UpsertTask(ctx, f)
	if err != nil {
		return err
	}
	_, err = p.UpsertSubTask(ctx, taskID, f)
	return err
}

// absorb applies the error policy to a failed job. It returns nil when the
// run may continue.
func (p *Processor) absorb(ctx context.Context, f finding.Finding, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	p.stats.errors.Add(1)
	metrics.RecordJobError(string(synerr.TypeOf(err)))

	logger := logging.ForFinding(ctx, f.RootCauseKey(), f.InstanceKey())

	switch {
	case synerr.IsFatal(err):
		logger.Error().Err(err).Msg("Fatal sync error, stopping run")
		return err
	case synerr.TypeOf(err) == synerr.ErrorTypeFormat:
		logger.Warn().Err(err).Msg("Skipping malformed finding")
		return nil
	case p.opts.IgnoreErrors && synerr.IsAPIError(err):
		logger.Warn().Err(err).Msg("Skipping finding after remote error")
		return nil
	default:
		logger.Error().Err(err).Msg("Remote error, stopping run")
		return err
	}
}

func (p *Processor) fill(s *RunSummary) {
	s.Created = int(p.stats.created.Load())
	s.Updated = int(p.stats.updated.Load())
	s.Closed = int(p.stats.closed.Load())
	s.Skipped = int(p.stats.skipped.Load())
	s.Errors = int(p.stats.errors.Load())
	s.Finished = p.opts.Now()
}

func checkIdentity(f finding.Finding) error {
	switch {
	case f.RootCauseKey() == "":
		return synerr.WrapFormatError("normalize", f.InstanceKey(), fmt.Errorf("finding has no root cause key"))
	case f.InstanceKey() == "":
		return synerr.WrapFormatError("normalize", f.RootCauseKey(), fmt.Errorf("finding has no instance key"))
	case f.AssetKey() == "":
		return synerr.WrapFormatError("normalize", f.InstanceKey(), fmt.Errorf("finding has no asset key"))
	}
	return nil
}

func shardFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
