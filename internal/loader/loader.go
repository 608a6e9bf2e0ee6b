// Package loader drives a bundle from its source into a store.
//
// A load opens the bundle, computes its content checksum, consults the
// active bundle record for idempotency, validates every row, materializes
// the result in one atomic store operation and finally publishes document
// assets. Loads are serialized; readers keep seeing the previous bundle
// until the store commits the new one.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kilupskalvis/kgserve/internal/assets"
	"github.com/kilupskalvis/kgserve/internal/bundle"
	"github.com/kilupskalvis/kgserve/internal/kgerr"
	"github.com/kilupskalvis/kgserve/internal/models"
	"github.com/kilupskalvis/kgserve/internal/store"
	"github.com/kilupskalvis/kgserve/internal/validate"
)

// State is a stage of the load protocol.
type State string

const (
	StateIdle          State = "idle"
	StateReading       State = "reading"
	StateValidating    State = "validating"
	StateMaterializing State = "materializing"
	StateActive        State = "active"
	StateFailed        State = "failed"
)

var allStates = []State{StateIdle, StateReading, StateValidating, StateMaterializing, StateActive, StateFailed}

// Action is what a successful load did.
type Action string

const (
	ActionLoaded  Action = "loaded"
	ActionSkipped Action = "skipped"
	ActionAdopted Action = "adopted"
)

var (
	// ErrNoSource is returned by Reload when no bundle source is configured.
	ErrNoSource = errors.New("no bundle source configured")

	// ErrNoActiveBundle is returned by Adopt when the store holds no bundle.
	ErrNoActiveBundle = errors.New("store holds no active bundle")

	// ErrBundleChanged is returned when a directory source is modified while
	// it is being loaded.
	ErrBundleChanged = errors.New("bundle changed while loading")
)

// Options configures a single load.
type Options struct {
	// Force skips the idempotency short-circuit and the conflict check and
	// always replaces the store content.
	Force bool

	// Progress, when set, is called on every state transition.
	Progress func(State)
}

// Result contains the outcome of a successful load.
type Result struct {
	Action          Action
	Source          string
	Record          *models.BundleRecord
	Entities        int
	Relationships   int
	Documents       int
	AssetsPublished int
	AssetsSkipped   int
	AssetsPruned    int
	Duration        time.Duration
}

// Status is a snapshot of the loader for health endpoints and the CLI.
type Status struct {
	State         State                `json:"state"`
	Ready         bool                 `json:"ready"`
	Active        *models.BundleRecord `json:"active,omitempty"`
	LastError     string               `json:"last_error,omitempty"`
	LastErrorKind string               `json:"last_error_kind,omitempty"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Config wires a Loader to its collaborators.
type Config struct {
	Source  string       // default bundle source used by Reload
	Force   bool         // default for Reload
	Assets  assets.Store // nil disables document publishing
	Logger  *slog.Logger
	Metrics *Metrics

	// PruneAssets removes published assets the new bundle no longer lists
	// after every load that replaced the store content.
	PruneAssets bool

	// OnLoad, when set, is called after every Load with its outcome.
	OnLoad func(source string, res *Result, err error)
}

// Loader is the only writer of a store.
type Loader struct {
	store       store.Store
	source      string
	force       bool
	assets      assets.Store
	pruneAssets bool
	logger      *slog.Logger
	metrics     *Metrics
	onLoad      func(string, *Result, error)

	loadMu sync.Mutex // serializes loads

	mu        sync.RWMutex
	state     State
	ready     bool
	active    *models.BundleRecord
	lastErr   error
	updatedAt time.Time
}

// New creates a loader in the Idle state.
func New(st store.Store, cfg Config) *Loader {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		store:       st,
		source:      cfg.Source,
		force:       cfg.Force,
		assets:      cfg.Assets,
		pruneAssets: cfg.PruneAssets,
		logger:      logger,
		metrics:     cfg.Metrics,
		onLoad:      cfg.OnLoad,
		state:       StateIdle,
		updatedAt:   time.Now().UTC(),
	}
	l.metrics.setState(StateIdle)
	return l
}

// Source returns the configured default bundle source.
func (l *Loader) Source() string {
	return l.source
}

// Reload loads the configured source with the configured force flag.
func (l *Loader) Reload(ctx context.Context) (*Result, error) {
	if l.source == "" {
		return nil, ErrNoSource
	}
	return l.Load(ctx, l.source, Options{Force: l.force})
}

// Load runs the load protocol for the bundle at source. On any failure the
// previously active bundle stays materialized and queryable.
func (l *Loader) Load(ctx context.Context, source string, opts Options) (*Result, error) {
	l.loadMu.Lock()
	defer l.loadMu.Unlock()

	start := time.Now()
	l.logger.Info("loading bundle", "source", source, "force", opts.Force)

	res, err := l.load(ctx, source, opts)
	elapsed := time.Since(start)
	if err != nil {
		kind := kgerr.KindName(err)
		l.fail(err, opts.Progress)
		l.metrics.observeLoad("failed", kind, elapsed)
		l.logger.Error("bundle load failed",
			"source", source,
			"kind", kind,
			"error", err,
			"duration", elapsed,
		)
		if l.onLoad != nil {
			l.onLoad(source, nil, err)
		}
		return nil, err
	}

	res.Duration = elapsed
	l.activate(res.Record, opts.Progress)
	l.metrics.observeLoad(string(res.Action), "", elapsed)
	l.logger.Info("bundle active",
		"source", source,
		"action", res.Action,
		"bundle_id", res.Record.BundleID,
		"checksum", res.Record.Checksum,
		"entities", res.Entities,
		"relationships", res.Relationships,
		"documents", res.Documents,
		"duration", elapsed,
	)
	if l.onLoad != nil {
		l.onLoad(source, res, nil)
	}
	return res, nil
}

func (l *Loader) load(ctx context.Context, source string, opts Options) (*Result, error) {
	l.transition(StateReading, opts.Progress)

	b, err := bundle.Open(source)
	if err != nil {
		return nil, err
	}
	defer b.Close()
	m := b.Manifest

	checksum, err := b.Checksum(ctx)
	if err != nil {
		return nil, fmt.Errorf("checksum bundle: %w", err)
	}

	active, err := l.store.GetActiveBundle(ctx)
	if err != nil {
		return nil, fmt.Errorf("read active bundle: %w", err)
	}

	res := &Result{Source: source}
	rec := m.Record(checksum)

	if !opts.Force && active != nil && active.BundleID == rec.BundleID {
		if !active.SameContent(rec) {
			return nil, kgerr.BundleConflict(m.BundleID, active.Checksum, checksum)
		}
		l.logger.Info("bundle already loaded, skipping", "bundle_id", m.BundleID)
		res.Action = ActionSkipped
		res.Record = active
		res.Entities = active.EntityCount
		res.Relationships = active.RelationshipCount
		if l.assets != nil && m.Documents != nil {
			docs, err := validate.Documents(ctx, b.Reader())
			if err != nil {
				return nil, err
			}
			res.Documents = len(docs)
			l.publish(ctx, b.Reader(), docs, res)
		}
		return res, nil
	}

	l.transition(StateValidating, opts.Progress)
	v, err := validate.New(m).Validate(ctx, b.Reader())
	if err != nil {
		return nil, err
	}
	l.logger.Debug("bundle validated", "bundle_id", m.BundleID, "rows", v.Summary())

	// A directory source can change under us between hashing and reading.
	if !b.Private() {
		now, err := b.Checksum(ctx)
		if err != nil {
			return nil, fmt.Errorf("checksum bundle: %w", err)
		}
		if now != checksum {
			return nil, fmt.Errorf("%w: bundle %s changed while loading (checksum %s, now %s)",
				ErrBundleChanged, m.BundleID, checksum, now)
		}
	}

	l.transition(StateMaterializing, opts.Progress)
	if _, err := l.store.LoadBundle(ctx, rec, v.Entities, v.Relationships); err != nil {
		return nil, fmt.Errorf("materialize bundle %s: %w", m.BundleID, err)
	}

	res.Action = ActionLoaded
	res.Record = rec
	res.Entities = len(v.Entities)
	res.Relationships = len(v.Relationships)
	res.Documents = len(v.Documents)
	if l.assets != nil {
		l.publish(ctx, b.Reader(), v.Documents, res)
		if l.pruneAssets {
			pr, err := l.prune(ctx, v.Documents)
			if err != nil {
				l.logger.Warn("asset prune failed", "error", err)
			} else {
				res.AssetsPruned = pr.AssetsDeleted
			}
		}
	}
	return res, nil
}

// Adopt activates whatever bundle the store already holds, for a server
// started without a bundle source.
func (l *Loader) Adopt(ctx context.Context) (*Result, error) {
	l.loadMu.Lock()
	defer l.loadMu.Unlock()

	active, err := l.store.GetActiveBundle(ctx)
	if err != nil {
		err = fmt.Errorf("read active bundle: %w", err)
		l.fail(err, nil)
		return nil, err
	}
	if active == nil {
		l.fail(ErrNoActiveBundle, nil)
		return nil, ErrNoActiveBundle
	}

	l.activate(active, nil)
	l.logger.Info("serving bundle already in store",
		"bundle_id", active.BundleID,
		"checksum", active.Checksum,
		"loaded_at", active.LoadedAt,
	)
	return &Result{
		Action:        ActionAdopted,
		Record:        active,
		Entities:      active.EntityCount,
		Relationships: active.RelationshipCount,
	}, nil
}

// Status returns a snapshot of the loader state.
func (l *Loader) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Status{
		State:     l.state,
		Ready:     l.ready,
		Active:    l.active,
		UpdatedAt: l.updatedAt,
	}
	if l.lastErr != nil {
		s.LastError = l.lastErr.Error()
		s.LastErrorKind = kgerr.KindName(l.lastErr)
	}
	return s
}

// Ready reports whether a bundle has ever become active. It stays true after
// a failed reload because the previous bundle is still served.
func (l *Loader) Ready() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ready
}

func (l *Loader) transition(s State, progress func(State)) {
	l.mu.Lock()
	l.state = s
	l.updatedAt = time.Now().UTC()
	l.mu.Unlock()

	l.metrics.setState(s)
	if progress != nil {
		progress(s)
	}
}

func (l *Loader) activate(rec *models.BundleRecord, progress func(State)) {
	l.mu.Lock()
	l.ready = true
	l.active = rec
	l.lastErr = nil
	l.mu.Unlock()

	l.metrics.setActive(rec.EntityCount, rec.RelationshipCount, rec.LoadedAt)
	l.transition(StateActive, progress)
}

func (l *Loader) fail(err error, progress func(State)) {
	l.mu.Lock()
	l.lastErr = err
	l.mu.Unlock()

	l.transition(StateFailed, progress)
}
