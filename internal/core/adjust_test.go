package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"diagcore/internal/infra/persistence/memory"
	"diagcore/pkg/domain"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type recordingConsumer struct {
	name      string
	snapshots []domain.ParameterSnapshot
	err       error
}

func (c *recordingConsumer) Name() string { return c.name }

func (c *recordingConsumer) UpdateParameters(_ context.Context, snapshot domain.ParameterSnapshot) error {
	c.snapshots = append(c.snapshots, snapshot)
	return c.err
}

// failingVersionStore trips SaveVersion after the seed write succeeds.
type failingVersionStore struct {
	*memory.Store
	failSave bool
}

func (s *failingVersionStore) SaveVersion(ctx context.Context, v domain.ParameterVersion) (string, error) {
	if s.failSave {
		return "", fmt.Errorf("disk full")
	}
	return s.Store.SaveVersion(ctx, v)
}

func newTestEngine(t *testing.T, store domain.VersionStore, clock *fakeClock) *AdjustmentEngine {
	t.Helper()
	engine, err := NewAdjustmentEngine(context.Background(), store, DefaultAdjustmentConfig(), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewAdjustmentEngine: %v", err)
	}
	return engine
}

func tonePayload(tone string, value float64) domain.AdjustmentPayload {
	return domain.Group(map[string]*domain.ParameterNode{
		"fiveToneWeights": domain.Group(map[string]*domain.ParameterNode{
			tone: domain.Leaf(value),
		}),
	})
}

func versionCount(t *testing.T, store domain.VersionStore) int {
	t.Helper()
	versions, err := store.ListRecentVersions(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListRecentVersions: %v", err)
	}
	return len(versions)
}

func TestNewEngineSeedsNormalizedDefault(t *testing.T) {
	store := memory.NewStore()
	engine := newTestEngine(t, store, newFakeClock())

	def, err := store.FindDefaultVersion(context.Background())
	if err != nil {
		t.Fatalf("FindDefaultVersion: %v", err)
	}
	if !def.IsDefault || def.UserID != "system" {
		t.Fatalf("unexpected default version: %+v", def)
	}
	if engine.CurrentVersion() != def.Version {
		t.Fatalf("current version %q, want default %q", engine.CurrentVersion(), def.Version)
	}
	if !engine.CurrentSnapshot().Equal(BaselineSnapshot()) {
		t.Fatalf("seeded snapshot differs from baseline")
	}
}

func TestNewEngineResumesLatestVersion(t *testing.T) {
	store := memory.NewStore()
	clock := newFakeClock()
	first := newTestEngine(t, store, clock)

	id, err := first.RollbackToVersion(context.Background(), first.CurrentVersion(), "qa")
	if err == nil || id != "" {
		t.Fatalf("rollback to current should fail, got id %q err %v", id, err)
	}
	out, err := first.ApplyAdjustments(context.Background(), tonePayload(ToneGong, 0.9), AdjustmentOptions{ForceSave: true, AuthorID: "qa"})
	if err != nil || !out.Committed {
		t.Fatalf("forced adjustment: outcome %+v err %v", out, err)
	}

	second := newTestEngine(t, store, clock)
	if second.CurrentVersion() != out.VersionID {
		t.Fatalf("resumed version %q, want %q", second.CurrentVersion(), out.VersionID)
	}
}

func TestCooldownAccumulatesWithoutNewVersion(t *testing.T) {
	store := memory.NewStore()
	clock := newFakeClock()
	engine := newTestEngine(t, store, clock)

	out, err := engine.ApplyAdjustments(context.Background(), tonePayload(ToneGong, 0.9), AdjustmentOptions{ForceSave: true})
	if err != nil || !out.Committed {
		t.Fatalf("forced commit: outcome %+v err %v", out, err)
	}
	committed := versionCount(t, store)

	base := engine.CurrentSnapshot()
	p1 := tonePayload(ToneShang, 0.7)
	p2 := domain.Group(map[string]*domain.ParameterNode{
		"disharmonyWeights": domain.Group(map[string]*domain.ParameterNode{
			"脾虚": domain.Leaf(0.6),
		}),
	})

	clock.Advance(time.Hour)
	for _, payload := range []domain.AdjustmentPayload{p1, p2} {
		out, err := engine.ApplyAdjustments(context.Background(), payload, AdjustmentOptions{})
		if err != nil {
			t.Fatalf("ApplyAdjustments: %v", err)
		}
		if out.Committed {
			t.Fatalf("commit inside cooldown window")
		}
	}
	if got := versionCount(t, store); got != committed {
		t.Fatalf("version count %d, want %d", got, committed)
	}

	want := base.Clone()
	if err := want.Merge(p1); err != nil {
		t.Fatalf("merge p1: %v", err)
	}
	if err := want.Merge(p2); err != nil {
		t.Fatalf("merge p2: %v", err)
	}
	if !engine.CurrentSnapshot().Equal(want) {
		t.Fatalf("accumulated snapshot is not the ordered deep merge of both payloads")
	}
}

func TestDegreeAboveThresholdCommitsWithLinkedPrevious(t *testing.T) {
	store := memory.NewStore()
	engine := newTestEngine(t, store, newFakeClock())
	prior := engine.CurrentVersion()

	out, err := engine.ApplyAdjustments(context.Background(), tonePayload(ToneGong, 0.9), AdjustmentOptions{AuthorID: "expert-1"})
	if err != nil {
		t.Fatalf("ApplyAdjustments: %v", err)
	}
	if !out.Committed || out.Degree < DefaultAdjustmentConfig().AdjustmentThreshold {
		t.Fatalf("expected committed high-degree outcome, got %+v", out)
	}
	saved, err := store.FindVersion(context.Background(), out.VersionID)
	if err != nil {
		t.Fatalf("FindVersion: %v", err)
	}
	if saved.PreviousVersion != prior {
		t.Fatalf("previousVersion %q, want %q", saved.PreviousVersion, prior)
	}
	if engine.CurrentVersion() != out.VersionID {
		t.Fatalf("current version not advanced")
	}
}

func TestFifthSubThresholdAdjustmentCommits(t *testing.T) {
	store := memory.NewStore()
	engine := newTestEngine(t, store, newFakeClock())
	before := versionCount(t, store)

	for i := 0; i < 4; i++ {
		out, err := engine.ApplyAdjustments(context.Background(), tonePayload(ToneGong, 0.2+float64(i)*0.001), AdjustmentOptions{})
		if err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
		if out.Committed {
			t.Fatalf("call %d committed prematurely", i+1)
		}
	}
	out, err := engine.ApplyAdjustments(context.Background(), tonePayload(ToneGong, 0.21), AdjustmentOptions{})
	if err != nil {
		t.Fatalf("fifth call: %v", err)
	}
	if !out.Committed {
		t.Fatalf("fifth accumulated adjustment did not commit")
	}
	if got := versionCount(t, store); got != before+1 {
		t.Fatalf("version count %d, want %d", got, before+1)
	}
}

func TestExpertAdjustmentAlwaysCommitsOutsideCooldown(t *testing.T) {
	store := memory.NewStore()
	engine := newTestEngine(t, store, newFakeClock())

	out, err := engine.ApplyAdjustments(context.Background(), tonePayload(ToneGong, 0.201), AdjustmentOptions{IsExpertAdjustment: true, AuthorID: "expert-1"})
	if err != nil {
		t.Fatalf("ApplyAdjustments: %v", err)
	}
	if !out.Committed {
		t.Fatalf("expert adjustment did not commit, degree %v", out.Degree)
	}
	saved, err := store.FindVersion(context.Background(), out.VersionID)
	if err != nil {
		t.Fatalf("FindVersion: %v", err)
	}
	if !saved.IsExpertAdjustment {
		t.Fatalf("version not flagged as expert adjustment")
	}
}

func TestRollbackProducesEqualSnapshotUnderNewID(t *testing.T) {
	store := memory.NewStore()
	clock := newFakeClock()
	engine := newTestEngine(t, store, clock)
	target := engine.CurrentVersion()

	if _, err := engine.ApplyAdjustments(context.Background(), tonePayload(ToneGong, 0.9), AdjustmentOptions{ForceSave: true}); err != nil {
		t.Fatalf("forced adjustment: %v", err)
	}

	id, err := engine.RollbackToVersion(context.Background(), target, "admin")
	if err != nil {
		t.Fatalf("RollbackToVersion: %v", err)
	}
	if id == target {
		t.Fatalf("rollback reused the target version id")
	}
	targetVersion, err := store.FindVersion(context.Background(), target)
	if err != nil {
		t.Fatalf("FindVersion target: %v", err)
	}
	rolled, err := store.FindVersion(context.Background(), id)
	if err != nil {
		t.Fatalf("FindVersion rollback: %v", err)
	}
	if !rolled.IsRollback {
		t.Fatalf("rollback version not flagged")
	}
	if !rolled.Parameters.Equal(targetVersion.Parameters) {
		t.Fatalf("rollback snapshot differs from target snapshot")
	}
	if !engine.CurrentSnapshot().Equal(targetVersion.Parameters) {
		t.Fatalf("live snapshot differs from target snapshot")
	}
}

func TestResetToDefaultRestoresBaseline(t *testing.T) {
	store := memory.NewStore()
	engine := newTestEngine(t, store, newFakeClock())

	if _, err := engine.ResetToDefault(context.Background(), "admin"); err == nil {
		t.Fatalf("reset while default is current should fail")
	}
	if _, err := engine.ApplyAdjustments(context.Background(), tonePayload(ToneGong, 0.9), AdjustmentOptions{ForceSave: true}); err != nil {
		t.Fatalf("forced adjustment: %v", err)
	}

	id, err := engine.ResetToDefault(context.Background(), "admin")
	if err != nil {
		t.Fatalf("ResetToDefault: %v", err)
	}
	reset, err := store.FindVersion(context.Background(), id)
	if err != nil {
		t.Fatalf("FindVersion: %v", err)
	}
	if !reset.IsReset {
		t.Fatalf("reset version not flagged")
	}
	if !engine.CurrentSnapshot().Equal(BaselineSnapshot()) {
		t.Fatalf("snapshot after reset differs from baseline")
	}
}

func TestPersistenceFailureLeavesStateUntouched(t *testing.T) {
	store := &failingVersionStore{Store: memory.NewStore()}
	engine := newTestEngine(t, store, newFakeClock())
	version := engine.CurrentVersion()
	snapshot := engine.CurrentSnapshot()

	store.failSave = true
	_, err := engine.ApplyAdjustments(context.Background(), tonePayload(ToneGong, 0.9), AdjustmentOptions{ForceSave: true})
	if err == nil {
		t.Fatalf("expected persistence failure")
	}
	if engine.CurrentVersion() != version {
		t.Fatalf("current version mutated after failed commit")
	}
	if !engine.CurrentSnapshot().Equal(snapshot) {
		t.Fatalf("snapshot mutated after failed commit")
	}
}

func TestConsumerFailureDoesNotBlockOthers(t *testing.T) {
	store := memory.NewStore()
	engine := newTestEngine(t, store, newFakeClock())
	broken := &recordingConsumer{name: "broken", err: fmt.Errorf("connection refused")}
	healthy := &recordingConsumer{name: "healthy"}
	engine.RegisterConsumer(broken)
	engine.RegisterConsumer(healthy)

	out, err := engine.ApplyAdjustments(context.Background(), tonePayload(ToneGong, 0.9), AdjustmentOptions{ForceSave: true})
	if err != nil || !out.Committed {
		t.Fatalf("forced adjustment: outcome %+v err %v", out, err)
	}
	if len(broken.snapshots) != 1 || len(healthy.snapshots) != 1 {
		t.Fatalf("notification counts: broken %d healthy %d", len(broken.snapshots), len(healthy.snapshots))
	}
	if !healthy.snapshots[0].Equal(engine.CurrentSnapshot()) {
		t.Fatalf("consumer received a snapshot that differs from the live one")
	}
}

func TestMergeTagMismatchSurfacesConflict(t *testing.T) {
	store := memory.NewStore()
	engine := newTestEngine(t, store, newFakeClock())

	payload := domain.Group(map[string]*domain.ParameterNode{
		"fiveToneWeights": domain.Leaf(1),
	})
	_, err := engine.ApplyAdjustments(context.Background(), payload, AdjustmentOptions{ForceSave: true})
	var conflict domain.MergeConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected merge conflict, got %v", err)
	}
}
