// Package consolidate folds unconsolidated memories into per-project
// summaries on a fixed interval.
//
// A tick fetches up to Limit unconsolidated records, groups them by project
// and, per group, summarizes the texts, stores the summary and marks the
// sources consolidated. Sources are only marked after the summary was
// stored, so a failed mark produces a duplicate summary on the next tick
// rather than lost notes.
package consolidate

import (
	"context"
	stderrors "errors"
	"sort"
	"strings"
	"time"

	"github.com/vinayprograms/memoryd/errors"
	"github.com/vinayprograms/memoryd/logging"
	"github.com/vinayprograms/memoryd/memory"
	"github.com/vinayprograms/memoryd/service"
	"github.com/vinayprograms/memoryd/state"
	"github.com/vinayprograms/memoryd/telemetry"
)

// Defaults for Config.
const (
	DefaultInterval = 600 * time.Second
	DefaultLimit    = 200
)

// SummaryTags are attached to every summary the consolidator writes.
var SummaryTags = []string{"auto-summary", "self-baked"}

// Writer stores a summary. Both service.Service and api.Client satisfy it.
type Writer interface {
	Upsert(ctx context.Context, req service.UpsertRequest) (string, error)
}

// Summarizer condenses the notes of one project.
type Summarizer interface {
	SummarizeProject(ctx context.Context, project string, texts []string) (string, error)
}

// Config tunes the consolidator.
type Config struct {
	Collection string
	Interval   time.Duration
	Limit      int
	LockTTL    time.Duration // default: Interval
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	if c.LockTTL <= 0 {
		c.LockTTL = c.Interval
	}
}

// Report summarizes one tick.
type Report struct {
	Fetched  int           `json:"fetched"`
	Groups   int           `json:"groups"`
	Stored   int           `json:"stored"`
	Marked   int           `json:"marked"`
	Failed   []string      `json:"failed,omitempty"`
	Skipped  bool          `json:"skipped,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Consolidator runs consolidation ticks against one collection.
type Consolidator struct {
	store      memory.VectorStore
	summarizer Summarizer
	writer     Writer
	locks      state.Store
	cfg        Config
	logger     *logging.Logger
	tracer     *telemetry.Tracer
}

// Option configures a Consolidator.
type Option func(*Consolidator)

// WithLocks guards each tick with an advisory lock in locks.
func WithLocks(locks state.Store) Option {
	return func(c *Consolidator) { c.locks = locks }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Consolidator) { c.logger = logger }
}

// WithTracer sets the tracer. The global tracer is used otherwise.
func WithTracer(tracer *telemetry.Tracer) Option {
	return func(c *Consolidator) { c.tracer = tracer }
}

// New creates a Consolidator.
func New(store memory.VectorStore, summarizer Summarizer, writer Writer, cfg Config, opts ...Option) *Consolidator {
	cfg.applyDefaults()
	c := &Consolidator{
		store:      store,
		summarizer: summarizer,
		writer:     writer,
		cfg:        cfg,
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("consolidator")
	if c.tracer == nil {
		c.tracer = telemetry.GetTracer()
	}
	return c
}

// LockKey is the advisory lock name for the configured collection.
func (c *Consolidator) LockKey() string {
	return "consolidator." + c.cfg.Collection
}

// Run ticks immediately and then every Interval until ctx is done. Tick
// errors are logged and never stop the loop.
func (c *Consolidator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.logger.Info("started", logging.Fields{
		"collection": c.cfg.Collection,
		"interval":   c.cfg.Interval.String(),
		"limit":      c.cfg.Limit,
	})

	for {
		if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
			if errors.Is(err, errors.ErrCodeResourceBusy) {
				c.logger.Info("tick_skipped", logging.Fields{"reason": err.Error()})
			} else {
				c.logger.Error("tick_failed", logging.Fields{"error": err})
			}
		}

		select {
		case <-ctx.Done():
			c.logger.Info("stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type group struct {
	project string
	ids     []string
	texts   []string
}

// RunOnce performs a single tick. A tick skipped because another process
// holds the lock returns a ResourceBusy error with Report.Skipped set.
func (c *Consolidator) RunOnce(ctx context.Context) (report Report, err error) {
	start := time.Now()
	ctx, span := c.tracer.StartTickSpan(ctx, c.cfg.Collection)
	defer func() {
		report.Duration = time.Since(start)
		c.tracer.EndTickSpan(span, telemetry.TickSpanOptions{
			Fetched: report.Fetched,
			Groups:  report.Groups,
			Stored:  report.Stored,
			Marked:  report.Marked,
			Failed:  report.Failed,
			Skipped: report.Skipped,
		}, err)
	}()

	var lock state.Lock
	if c.locks != nil {
		var lerr error
		lock, lerr = c.locks.Lock(c.LockKey(), c.cfg.LockTTL)
		if stderrors.Is(lerr, state.ErrLockHeld) {
			report.Skipped = true
			return report, errors.Busy("consolidation already running",
				errors.WithMetadata("lock", c.LockKey()))
		}
		if lerr != nil {
			return report, errors.Wrap(lerr, "acquire consolidation lock")
		}
		defer func() {
			if uerr := lock.Unlock(); uerr != nil {
				c.logger.Warn("unlock_failed", logging.Fields{"lock": c.LockKey(), "error": uerr})
			}
		}()
	}

	c.logger.TickStart(c.cfg.Collection, c.cfg.Limit)

	records, err := c.store.Scroll(ctx, memory.ConsolidatedFilter(false), c.cfg.Limit)
	if err != nil {
		return report, errors.Wrap(err, "fetch unconsolidated")
	}
	report.Fetched = len(records)

	groups := groupByProject(records)
	report.Groups = len(groups)

	for i, g := range groups {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		// A slow group must not let the lock expire under us.
		if lock != nil && i > 0 {
			if rerr := lock.Refresh(); rerr != nil {
				c.logger.Warn("lock_lost", logging.Fields{"lock": c.LockKey(), "error": rerr})
				return report, errors.Busy("consolidation lock lost",
					errors.WithMetadata("lock", c.LockKey()), errors.WithCause(rerr))
			}
		}
		stored, marked, failed := c.consolidate(ctx, g)
		if stored {
			report.Stored++
		}
		report.Marked += marked
		if failed {
			report.Failed = append(report.Failed, g.project)
		}
	}

	c.logger.TickComplete(report.Fetched, report.Groups, report.Stored, len(report.Failed), time.Since(start))
	return report, nil
}

// consolidate runs SUMMARIZE, STORE and MARK for one group.
func (c *Consolidator) consolidate(ctx context.Context, g group) (stored bool, marked int, failed bool) {
	if len(g.texts) > 0 {
		summary, err := c.summarizer.SummarizeProject(ctx, g.project, g.texts)
		if err != nil {
			c.logger.GroupFailed(g.project, "summarize", err)
			return false, 0, true
		}

		_, err = c.writer.Upsert(ctx, service.UpsertRequest{
			Text: summary,
			Metadata: memory.Payload{
				memory.KeyProject:      g.project,
				memory.KeyKind:         string(memory.KindSummary),
				memory.KeyConsolidated: true,
				memory.KeyTags:         append([]string(nil), SummaryTags...),
				memory.KeySourceCount:  len(g.ids),
			},
		})
		if err != nil {
			c.logger.GroupFailed(g.project, "store", err)
			return false, 0, true
		}
		stored = true
	}

	if err := c.store.Patch(ctx, g.ids, memory.Payload{memory.KeyConsolidated: true}); err != nil {
		c.logger.GroupFailed(g.project, "mark", err)
		return stored, 0, true
	}

	c.logger.Info("group_consolidated", logging.Fields{
		"project": g.project,
		"sources": len(g.ids),
	})
	return stored, len(g.ids), false
}

// groupByProject groups records by project, sorted by project name.
// Blank texts are marked with their group but not summarized.
func groupByProject(records []memory.Record) []group {
	byProject := make(map[string]*group)
	for _, r := range records {
		project := r.Payload.Project()
		g, ok := byProject[project]
		if !ok {
			g = &group{project: project}
			byProject[project] = g
		}
		g.ids = append(g.ids, r.ID)
		if text := strings.TrimSpace(r.Text()); text != "" {
			g.texts = append(g.texts, text)
		}
	}

	out := make([]group, 0, len(byProject))
	for _, g := range byProject {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].project < out[j].project })
	return out
}
