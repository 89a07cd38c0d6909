package extensions

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/risedotdev/rise/internal/apierr"
	"github.com/risedotdev/rise/internal/store"
)

// fakeExtStore serves rows and records status writes.
type fakeExtStore struct {
	mu   sync.Mutex
	rows map[string]*store.ProjectExtension // projectID+"/"+name
}

func newFakeExtStore() *fakeExtStore {
	return &fakeExtStore{rows: make(map[string]*store.ProjectExtension)}
}

func (f *fakeExtStore) add(row store.ProjectExtension) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := row
	f.rows[row.ProjectID+"/"+row.Extension] = &copied
}

func (f *fakeExtStore) GetExtension(_ context.Context, projectID, extension string) (*store.ProjectExtension, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[projectID+"/"+extension]; ok {
		copied := *row
		return &copied, nil
	}
	return nil, apierr.New(apierr.NotFound, "extension not found")
}

func (f *fakeExtStore) ListExtensionsByType(_ context.Context, extensionType string) ([]store.ProjectExtension, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ProjectExtension
	for _, row := range f.rows {
		if row.ExtensionType == extensionType {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (f *fakeExtStore) ListExtensionsForProject(_ context.Context, projectID string) ([]store.ProjectExtension, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ProjectExtension
	for _, row := range f.rows {
		if row.ProjectID == projectID {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (f *fakeExtStore) UpdateExtensionSpec(_ context.Context, projectID, extension string, spec []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[projectID+"/"+extension]; ok {
		row.Spec = spec
	}
	return nil
}

func (f *fakeExtStore) UpdateExtensionStatus(_ context.Context, projectID, extension string, status []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[projectID+"/"+extension]; ok {
		row.Status = status
	}
	return nil
}

func (f *fakeExtStore) HardDeleteExtension(_ context.Context, projectID, extension string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, projectID+"/"+extension)
	return nil
}

// scriptedProvider drives the runtime with canned behavior.
type scriptedProvider struct {
	extType string

	mu              sync.Mutex
	reconciled      []string
	deletions       []string
	reconcileErr    error
	panicOnProject  string
	requeue         bool
	deletionDone    bool
}

func (s *scriptedProvider) ExtensionType() string       { return s.extType }
func (s *scriptedProvider) DisplayName() string         { return s.extType }
func (s *scriptedProvider) Description() string         { return "" }
func (s *scriptedProvider) Documentation() string       { return "" }
func (s *scriptedProvider) SpecSchema() json.RawMessage { return json.RawMessage(`{}`) }
func (s *scriptedProvider) ValidateSpec([]byte) error   { return nil }
func (s *scriptedProvider) FormatStatus([]byte) string  { return "" }

func (s *scriptedProvider) Reconcile(_ context.Context, row store.ProjectExtension) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row.ProjectID == s.panicOnProject {
		panic("provider bug")
	}
	s.reconciled = append(s.reconciled, row.ProjectID+"/"+row.Extension)
	return s.requeue, s.reconcileErr
}

func (s *scriptedProvider) ReconcileDeletion(_ context.Context, row store.ProjectExtension) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletions = append(s.deletions, row.ProjectID+"/"+row.Extension)
	return s.deletionDone, nil
}

func (s *scriptedProvider) BeforeDeployment(context.Context, string, string, string) error {
	return nil
}

func (s *scriptedProvider) counts() (reconciled, deletions int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reconciled), len(s.deletions)
}

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestRegistryRejectsDuplicateType(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&scriptedProvider{extType: "a"}))
	require.Error(t, reg.Register(&scriptedProvider{extType: "a"}))

	_, ok := reg.Get("a")
	require.True(t, ok)
	_, ok = reg.Get("b")
	require.False(t, ok)
}

func TestSweepDispatchesLiveAndDeletedRows(t *testing.T) {
	extStore := newFakeExtStore()
	extStore.add(store.ProjectExtension{ProjectID: "p1", Extension: "live", ExtensionType: "s3"})
	now := time.Now()
	extStore.add(store.ProjectExtension{ProjectID: "p2", Extension: "doomed", ExtensionType: "s3", DeletedAt: &now})
	extStore.add(store.ProjectExtension{ProjectID: "p3", Extension: "other", ExtensionType: "db"})

	p := &scriptedProvider{extType: "s3", deletionDone: true}
	reg := NewRegistry()
	require.NoError(t, reg.Register(p))
	rt := NewRuntime(reg, extStore, discard())

	busy := rt.sweep(context.Background(), p, newRowBackoff(), discard())
	require.False(t, busy)

	reconciled, deletions := p.counts()
	require.Equal(t, 1, reconciled, "only rows of the provider's type reconcile")
	require.Equal(t, 1, deletions)
}

func TestSweepReportsBusyWhileTransitional(t *testing.T) {
	extStore := newFakeExtStore()
	extStore.add(store.ProjectExtension{ProjectID: "p1", Extension: "e", ExtensionType: "s3"})

	p := &scriptedProvider{extType: "s3", requeue: true}
	reg := NewRegistry()
	require.NoError(t, reg.Register(p))
	rt := NewRuntime(reg, extStore, discard())

	require.True(t, rt.sweep(context.Background(), p, newRowBackoff(), discard()))
}

func TestSweepAppliesBackoffAfterError(t *testing.T) {
	extStore := newFakeExtStore()
	extStore.add(store.ProjectExtension{ProjectID: "p1", Extension: "e", ExtensionType: "s3"})

	p := &scriptedProvider{extType: "s3", reconcileErr: errors.New("cloud down")}
	reg := NewRegistry()
	require.NoError(t, reg.Register(p))
	rt := NewRuntime(reg, extStore, discard())
	backoff := newRowBackoff()

	require.True(t, rt.sweep(context.Background(), p, backoff, discard()))
	reconciled, _ := p.counts()
	require.Equal(t, 1, reconciled)

	// Immediately after the failure the row is inside its backoff window.
	rt.sweep(context.Background(), p, backoff, discard())
	reconciled, _ = p.counts()
	require.Equal(t, 1, reconciled, "row must be skipped during backoff")

	// Once the window passes, the row reconciles again and success clears
	// the backoff entry.
	p.mu.Lock()
	p.reconcileErr = nil
	p.mu.Unlock()
	backoff.mu.Lock()
	e := backoff.entries["p1/e"]
	e.lastErrorAt = time.Now().Add(-10 * time.Second)
	backoff.entries["p1/e"] = e
	backoff.mu.Unlock()

	rt.sweep(context.Background(), p, backoff, discard())
	reconciled, _ = p.counts()
	require.Equal(t, 2, reconciled)
	require.True(t, backoff.ready("p1/e", time.Now()))
}

func TestSweepContainsProviderPanic(t *testing.T) {
	extStore := newFakeExtStore()
	extStore.add(store.ProjectExtension{ProjectID: "bad", Extension: "e1", ExtensionType: "s3"})
	extStore.add(store.ProjectExtension{ProjectID: "good", Extension: "e2", ExtensionType: "s3"})

	p := &scriptedProvider{extType: "s3", panicOnProject: "bad"}
	reg := NewRegistry()
	require.NoError(t, reg.Register(p))
	rt := NewRuntime(reg, extStore, discard())

	require.NotPanics(t, func() {
		rt.sweep(context.Background(), p, newRowBackoff(), discard())
	})
	reconciled, _ := p.counts()
	require.Equal(t, 1, reconciled, "the healthy row still reconciles")
}

func TestBackoffDelayGrowth(t *testing.T) {
	b := newRowBackoff()
	require.Equal(t, 2*time.Second, b.delay(1))
	require.Equal(t, 4*time.Second, b.delay(2))
	require.Equal(t, 256*time.Second, b.delay(8))
	require.Equal(t, backoffCap, b.delay(9))
	require.Equal(t, backoffCap, b.delay(40))
}

func TestBackoffReadiness(t *testing.T) {
	b := newRowBackoff()
	now := time.Now()

	require.True(t, b.ready("k", now))
	b.fail("k", now)
	require.False(t, b.ready("k", now))
	require.False(t, b.ready("k", now.Add(time.Second)))
	require.True(t, b.ready("k", now.Add(3*time.Second)))

	b.fail("k", now)
	// Two consecutive errors: 4s window.
	require.False(t, b.ready("k", now.Add(3*time.Second)))
	require.True(t, b.ready("k", now.Add(5*time.Second)))

	b.clear("k")
	require.True(t, b.ready("k", now))
}

func TestStateOf(t *testing.T) {
	require.Equal(t, "Pending", StateOf(nil))
	require.Equal(t, "Pending", StateOf([]byte(`{}`)))
	require.Equal(t, "Pending", StateOf([]byte(`garbage`)))
	require.Equal(t, "Available", StateOf([]byte(`{"state":"Available"}`)))
}
