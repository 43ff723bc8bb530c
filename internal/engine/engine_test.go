package engine_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/BradenHooton/authramp/internal/config"
	"github.com/BradenHooton/authramp/internal/engine"
	"github.com/BradenHooton/authramp/internal/tally"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockTallyStore implements engine.TallyStore for testing
type MockTallyStore struct {
	records    map[string]tally.Tally
	getErr     error
	failureErr error
	resetErr   error
}

func NewMockTallyStore() *MockTallyStore {
	return &MockTallyStore{
		records: make(map[string]tally.Tally),
	}
}

func (m *MockTallyStore) Get(ctx context.Context, user string) (tally.Tally, error) {
	if m.getErr != nil {
		return tally.Tally{}, m.getErr
	}
	return m.records[user], nil
}

func (m *MockTallyStore) RecordFailure(ctx context.Context, user string) (tally.Tally, error) {
	if m.failureErr != nil {
		return tally.Tally{}, m.failureErr
	}
	next := tally.Tally{
		Count:   m.records[user].Count + 1,
		Instant: time.Now().UTC(),
	}
	m.records[user] = next
	return next, nil
}

func (m *MockTallyStore) Reset(ctx context.Context, user string) (bool, error) {
	if m.resetErr != nil {
		return false, m.resetErr
	}
	_, existed := m.records[user]
	delete(m.records, user)
	return existed, nil
}

func testConfig() *config.Config {
	return &config.Config{
		TallyDir:       "/unused",
		FreeTries:      6,
		BaseDelay:      30 * time.Second,
		RampMultiplier: 50,
		EvenDenyRoot:   false,
		Countdown:      true,
	}
}

func newTestEngine(store engine.TallyStore, cfg *config.Config) *engine.Engine {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	return engine.New(store, cfg, logger)
}

func TestCheck_NoRecordIsOpen(t *testing.T) {
	eng := newTestEngine(NewMockTallyStore(), testConfig())

	d, err := eng.Check(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, engine.StateOpen, d.State)
	assert.Equal(t, 0, d.FailureCount)
	assert.True(t, d.UnlockTime.IsZero())
}

func TestCheck_WithinFreeTriesIsOpen(t *testing.T) {
	store := NewMockTallyStore()
	store.records["alice"] = tally.Tally{Count: 6, Instant: time.Now().UTC()}
	eng := newTestEngine(store, testConfig())

	d, err := eng.Check(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, engine.StateOpen, d.State)
}

func TestCheck_RecentFailuresPastThresholdIsLocked(t *testing.T) {
	store := NewMockTallyStore()
	store.records["alice"] = tally.Tally{Count: 9, Instant: time.Now().UTC()}
	eng := newTestEngine(store, testConfig())

	d, err := eng.Check(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, engine.StateLocked, d.State)
	assert.Equal(t, 9, d.FailureCount)
	assert.True(t, d.UnlockTime.After(time.Now()))
	assert.Greater(t, d.Remaining, time.Duration(0))
}

func TestCheck_ElapsedDelayIsAccruing(t *testing.T) {
	// count=9 -> n=3 -> 50*3*ln(3)+30 ~= 195s, well inside two hours.
	store := NewMockTallyStore()
	store.records["alice"] = tally.Tally{Count: 9, Instant: time.Now().UTC().Add(-2 * time.Hour)}
	eng := newTestEngine(store, testConfig())

	d, err := eng.Check(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, engine.StateAccruing, d.State)
}

func TestOnFailure_FirstDelayedAttemptLocksForBaseDelay(t *testing.T) {
	store := NewMockTallyStore()
	store.records["alice"] = tally.Tally{Count: 6, Instant: time.Now().UTC()}
	eng := newTestEngine(store, testConfig())

	d, err := eng.OnFailure(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, engine.StateLocked, d.State)
	assert.Equal(t, 7, d.FailureCount)
	assert.InDelta(t, 30, d.Remaining.Seconds(), 2)
}

func TestOnFailure_WithinFreeTriesStaysOpen(t *testing.T) {
	store := NewMockTallyStore()
	eng := newTestEngine(store, testConfig())

	d, err := eng.OnFailure(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, engine.StateOpen, d.State)
	assert.Equal(t, 1, d.FailureCount)
}

func TestOnFailure_WhileLockedExtendsLock(t *testing.T) {
	store := NewMockTallyStore()
	store.records["alice"] = tally.Tally{Count: 8, Instant: time.Now().UTC()}
	eng := newTestEngine(store, testConfig())

	before, err := eng.Check(context.Background(), "alice")
	require.NoError(t, err)
	require.False(t, before.Allowed)

	after, err := eng.OnFailure(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, after.Allowed)
	assert.Equal(t, 9, after.FailureCount)
	assert.True(t, after.UnlockTime.After(before.UnlockTime))
}

func TestOnSuccess_ReopensRegardlessOfPriorState(t *testing.T) {
	store := NewMockTallyStore()
	store.records["alice"] = tally.Tally{Count: 42, Instant: time.Now().UTC()}
	eng := newTestEngine(store, testConfig())

	require.NoError(t, eng.OnSuccess(context.Background(), "alice"))

	d, err := eng.Check(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, engine.StateOpen, d.State)
	assert.Equal(t, 0, d.FailureCount)
}

func TestAdministrativeReset_ReportsWhetherRecordExisted(t *testing.T) {
	store := NewMockTallyStore()
	store.records["alice"] = tally.Tally{Count: 9, Instant: time.Now().UTC()}
	eng := newTestEngine(store, testConfig())
	ctx := context.Background()

	cleared, err := eng.AdministrativeReset(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, cleared)

	cleared, err = eng.AdministrativeReset(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, cleared, "second reset is a successful no-op")
}

func TestCheck_RootBypassAllowsButKeepsState(t *testing.T) {
	store := NewMockTallyStore()
	store.records["root"] = tally.Tally{Count: 20, Instant: time.Now().UTC()}
	eng := newTestEngine(store, testConfig())

	d, err := eng.Check(context.Background(), "root")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, engine.StateLocked, d.State, "bypass must not hide the derived state")
	assert.Equal(t, 20, d.FailureCount)
}

func TestOnFailure_RootBypassStillIncrementsTally(t *testing.T) {
	store := NewMockTallyStore()
	eng := newTestEngine(store, testConfig())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := eng.OnFailure(ctx, "root")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "root stays allowed with even_deny_root off")
	}

	assert.Equal(t, 10, store.records["root"].Count)
}

func TestCheck_EvenDenyRootLocksRoot(t *testing.T) {
	cfg := testConfig()
	cfg.EvenDenyRoot = true
	store := NewMockTallyStore()
	store.records["root"] = tally.Tally{Count: 9, Instant: time.Now().UTC()}
	eng := newTestEngine(store, cfg)

	d, err := eng.Check(context.Background(), "root")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestStoreErrorsSurfaceToCaller(t *testing.T) {
	storeErr := errors.New("disk on fire")
	ctx := context.Background()

	store := NewMockTallyStore()
	store.getErr = storeErr
	eng := newTestEngine(store, testConfig())
	_, err := eng.Check(ctx, "alice")
	assert.ErrorIs(t, err, storeErr)

	store = NewMockTallyStore()
	store.failureErr = storeErr
	eng = newTestEngine(store, testConfig())
	_, err = eng.OnFailure(ctx, "alice")
	assert.ErrorIs(t, err, storeErr)

	store = NewMockTallyStore()
	store.records["alice"] = tally.Tally{Count: 1, Instant: time.Now().UTC()}
	store.resetErr = storeErr
	eng = newTestEngine(store, testConfig())
	assert.ErrorIs(t, eng.OnSuccess(ctx, "alice"), storeErr)
}

func TestEngineAgainstFileStore(t *testing.T) {
	// End to end against the real store: fail past the threshold, get
	// locked, reset, reopen.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	cfg := testConfig()
	cfg.TallyDir = t.TempDir()
	store := tally.NewStore(cfg.TallyDir, logger)
	eng := engine.New(store, cfg, logger)
	ctx := context.Background()

	var last engine.Decision
	for i := 0; i < 7; i++ {
		var err error
		last, err = eng.OnFailure(ctx, "alice")
		require.NoError(t, err)
	}
	assert.False(t, last.Allowed)
	assert.Equal(t, 7, last.FailureCount)

	d, err := eng.Check(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	require.NoError(t, eng.OnSuccess(ctx, "alice"))

	d, err = eng.Check(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.FailureCount)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "open", engine.StateOpen.String())
	assert.Equal(t, "accruing", engine.StateAccruing.String())
	assert.Equal(t, "locked", engine.StateLocked.String())
}
