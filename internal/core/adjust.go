package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"diagcore/pkg/domain"
)

// ErrVersionHistoryCorrupt indicates the persisted version history cannot be
// reconciled with a usable current version. The engine cannot safely continue;
// callers should treat this as fatal to the process.
var ErrVersionHistoryCorrupt = errors.New("parameter version history is corrupt")

// AdjustmentConfig fixes the commit policy of an AdjustmentEngine.
type AdjustmentConfig struct {
	// AdjustmentThreshold is the minimum adjustment degree that forces a
	// committed version outside the cooldown window.
	AdjustmentThreshold float64
	// CooldownDuration is the minimum elapsed time between committed versions.
	CooldownDuration time.Duration
	// MaxAccumulatedEdits bounds how many uncommitted merges may pile up
	// before a commit is forced.
	MaxAccumulatedEdits int
}

// DefaultAdjustmentConfig returns the production commit policy.
func DefaultAdjustmentConfig() AdjustmentConfig {
	return AdjustmentConfig{
		AdjustmentThreshold: 0.15,
		CooldownDuration:    24 * time.Hour,
		MaxAccumulatedEdits: 5,
	}
}

func (c AdjustmentConfig) withDefaults() AdjustmentConfig {
	def := DefaultAdjustmentConfig()
	if c.AdjustmentThreshold <= 0 {
		c.AdjustmentThreshold = def.AdjustmentThreshold
	}
	if c.CooldownDuration <= 0 {
		c.CooldownDuration = def.CooldownDuration
	}
	if c.MaxAccumulatedEdits <= 0 {
		c.MaxAccumulatedEdits = def.MaxAccumulatedEdits
	}
	return c
}

// AdjustmentOptions qualify a single ApplyAdjustments call.
type AdjustmentOptions struct {
	ForceSave          bool
	IsExpertAdjustment bool
	Description        string
	AuthorID           string
}

// AdjustmentOutcome reports what a single ApplyAdjustments call did.
type AdjustmentOutcome struct {
	Committed bool
	VersionID string
	Degree    float64
}

// AdjustmentEngine owns the live parameter snapshot and decides, per incoming
// adjustment, whether to mutate in place or commit a new version. All mutating
// entry points are serialized by the engine's mutex; the snapshot and version
// pointer are never mutated by callers directly.
type AdjustmentEngine struct {
	mu         sync.Mutex
	store      domain.VersionStore
	normalizer *NormalizationEngine
	cfg        AdjustmentConfig
	ins        instrumentation
	consumers  []domain.ModelConsumer

	currentVersion    string
	currentSnapshot   domain.ParameterSnapshot
	adjustmentCounter int
	lastCommitTime    time.Time
}

// NewAdjustmentEngine loads (or seeds) the version history and constructs the
// engine around the latest persisted snapshot. On first-ever initialization
// the hard-coded baseline is saved as the single default version.
func NewAdjustmentEngine(ctx context.Context, store domain.VersionStore, cfg AdjustmentConfig, opts ...Option) (*AdjustmentEngine, error) {
	e := &AdjustmentEngine{
		store:      store,
		normalizer: NewNormalizationEngine(),
		cfg:        cfg.withDefaults(),
		ins:        newInstrumentation(opts),
	}

	def, err := store.FindDefaultVersion(ctx)
	var notFound domain.NotFoundError
	switch {
	case err == nil:
	case errors.As(err, &notFound):
		def, err = e.seedDefault(ctx)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("load default version: %w", err)
	}

	live, err := store.FindLatestVersion(ctx, true)
	if errors.As(err, &notFound) {
		live = def
	} else if err != nil {
		return nil, fmt.Errorf("load latest version: %w", err)
	}
	if live.Parameters == nil || live.Parameters.IsLeaf() || live.Version == "" {
		return nil, fmt.Errorf("version %q has no usable snapshot: %w", live.Version, ErrVersionHistoryCorrupt)
	}

	e.currentVersion = live.Version
	e.currentSnapshot = live.Parameters.Clone()
	e.ins.logger.Info("adjustment engine ready", "version", e.currentVersion, "isDefault", live.IsDefault)
	return e, nil
}

func (e *AdjustmentEngine) seedDefault(ctx context.Context) (domain.ParameterVersion, error) {
	snapshot := BaselineSnapshot()
	e.normalizer.Normalize(snapshot)
	version := domain.ParameterVersion{
		Version:     uuid.NewString(),
		Parameters:  snapshot,
		CreatedAt:   e.ins.nowFn(),
		IsDefault:   true,
		Description: "baseline scoring parameters",
		UserID:      "system",
	}
	id, err := e.store.SaveVersion(ctx, version)
	if err != nil {
		return domain.ParameterVersion{}, fmt.Errorf("seed default version: %w", err)
	}
	version.Version = id
	e.ins.logger.Info("seeded default parameter version", "version", id)
	return version, nil
}

// RegisterConsumer adds a model consumer to the post-commit notification list.
func (e *AdjustmentEngine) RegisterConsumer(c domain.ModelConsumer) {
	if c == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consumers = append(e.consumers, c)
}

// CurrentVersion returns the id of the version backing the live snapshot.
func (e *AdjustmentEngine) CurrentVersion() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentVersion
}

// CurrentSnapshot returns a deep copy of the live snapshot, including any
// accumulated uncommitted edits.
func (e *AdjustmentEngine) CurrentSnapshot() domain.ParameterSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentSnapshot.Clone()
}

// History lists recent versions, newest first.
func (e *AdjustmentEngine) History(ctx context.Context, limit int) ([]domain.ParameterVersion, error) {
	return e.store.ListRecentVersions(ctx, limit)
}

// ApplyAdjustments merges the payload into the live snapshot and commits a new
// version when the commit policy demands one. Within the cooldown window (and
// absent ForceSave) the payload only accumulates in memory.
func (e *AdjustmentEngine) ApplyAdjustments(ctx context.Context, payload domain.AdjustmentPayload, opts AdjustmentOptions) (out AdjustmentOutcome, err error) {
	ctx, done := e.ins.begin(ctx, "apply_adjustments")
	defer func() { done(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.ins.nowFn()

	if !opts.ForceSave && now.Sub(e.lastCommitTime) < e.cfg.CooldownDuration {
		work := e.currentSnapshot.Clone()
		if err = work.Merge(payload); err != nil {
			return AdjustmentOutcome{}, err
		}
		e.currentSnapshot = work
		e.adjustmentCounter++
		e.ins.logger.Debug("adjustment accumulated in cooldown window",
			"counter", e.adjustmentCounter, "version", e.currentVersion)
		return AdjustmentOutcome{Committed: false}, nil
	}

	degree := domain.AdjustmentDegree(e.currentSnapshot, payload)
	work := e.currentSnapshot.Clone()
	if err = work.Merge(payload); err != nil {
		return AdjustmentOutcome{}, err
	}

	mustCommit := opts.ForceSave || degree >= e.cfg.AdjustmentThreshold || opts.IsExpertAdjustment
	if !mustCommit && e.adjustmentCounter+1 >= e.cfg.MaxAccumulatedEdits {
		// Accumulation cap reached: commit without requiring force or expert.
		mustCommit = true
	}
	if !mustCommit {
		e.currentSnapshot = work
		e.adjustmentCounter++
		return AdjustmentOutcome{Committed: false, Degree: degree}, nil
	}

	version := domain.ParameterVersion{
		Description:        opts.Description,
		UserID:             opts.AuthorID,
		IsExpertAdjustment: opts.IsExpertAdjustment,
	}
	id, err := e.commitLocked(ctx, now, work, version, true)
	if err != nil {
		return AdjustmentOutcome{}, err
	}
	return AdjustmentOutcome{Committed: true, VersionID: id, Degree: degree}, nil
}

// RollbackToVersion persists a new version whose snapshot is a deep copy of
// the target's snapshot and makes it live. Rolling back to the active version
// is rejected.
func (e *AdjustmentEngine) RollbackToVersion(ctx context.Context, versionID, authorID string) (id string, err error) {
	ctx, done := e.ins.begin(ctx, "rollback_to_version")
	defer func() { done(err) }()

	target, err := e.store.FindVersion(ctx, versionID)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if versionID == e.currentVersion {
		return "", domain.ConflictError{Entity: domain.EntityVersion, ID: versionID, Reason: "already current"}
	}
	version := domain.ParameterVersion{
		Description: fmt.Sprintf("rollback to version %s", versionID),
		UserID:      authorID,
		IsRollback:  true,
	}
	return e.commitLocked(ctx, e.ins.nowFn(), target.Parameters.Clone(), version, false)
}

// ResetToDefault rolls the live state back to the default baseline version.
func (e *AdjustmentEngine) ResetToDefault(ctx context.Context, authorID string) (id string, err error) {
	ctx, done := e.ins.begin(ctx, "reset_to_default")
	defer func() { done(err) }()

	def, err := e.store.FindDefaultVersion(ctx)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if def.Version == e.currentVersion {
		return "", domain.ConflictError{Entity: domain.EntityVersion, ID: def.Version, Reason: "already current"}
	}
	version := domain.ParameterVersion{
		Description: "reset to default parameters",
		UserID:      authorID,
		IsReset:     true,
	}
	return e.commitLocked(ctx, e.ins.nowFn(), def.Parameters.Clone(), version, false)
}

// commitLocked persists the snapshot as a new version and only then updates
// the engine's live state. SaveVersion is called at most once; a persistence
// failure leaves every externally visible field exactly as it was. Callers
// hold e.mu.
func (e *AdjustmentEngine) commitLocked(ctx context.Context, now time.Time, snapshot domain.ParameterSnapshot, version domain.ParameterVersion, normalize bool) (string, error) {
	if normalize {
		e.normalizer.Normalize(snapshot)
	}
	version.Version = uuid.NewString()
	version.Parameters = snapshot
	version.CreatedAt = now
	version.PreviousVersion = e.currentVersion

	id, err := e.store.SaveVersion(ctx, version)
	if err != nil {
		return "", fmt.Errorf("persist parameter version: %w", err)
	}

	e.currentSnapshot = snapshot
	e.currentVersion = id
	e.lastCommitTime = now
	e.adjustmentCounter = 0
	e.ins.logger.Info("committed parameter version",
		"version", id, "previous", version.PreviousVersion,
		"expert", version.IsExpertAdjustment, "rollback", version.IsRollback, "reset", version.IsReset)
	e.notifyConsumersLocked(ctx)
	return id, nil
}

// notifyConsumersLocked pushes the live snapshot to every registered consumer.
// Consumer failures are isolated: they are logged and never abort the commit
// or the remaining notifications.
func (e *AdjustmentEngine) notifyConsumersLocked(ctx context.Context) {
	for _, c := range e.consumers {
		if err := c.UpdateParameters(ctx, e.currentSnapshot.Clone()); err != nil {
			e.ins.logger.Warn("model consumer update failed",
				"consumer", c.Name(), "version", e.currentVersion, "error", err)
		}
	}
}
