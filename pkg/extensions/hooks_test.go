package extensions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/risedotdev/rise/internal/store"
)

// hookProvider records BeforeDeployment invocations.
type hookProvider struct {
	extType string
	err     error

	mu    sync.Mutex
	calls int
}

func (h *hookProvider) ExtensionType() string       { return h.extType }
func (h *hookProvider) DisplayName() string         { return h.extType }
func (h *hookProvider) Description() string         { return "" }
func (h *hookProvider) Documentation() string       { return "" }
func (h *hookProvider) SpecSchema() json.RawMessage { return json.RawMessage(`{}`) }
func (h *hookProvider) ValidateSpec([]byte) error   { return nil }
func (h *hookProvider) FormatStatus([]byte) string  { return "" }

func (h *hookProvider) Reconcile(context.Context, store.ProjectExtension) (bool, error) {
	return false, nil
}

func (h *hookProvider) ReconcileDeletion(context.Context, store.ProjectExtension) (bool, error) {
	return true, nil
}

func (h *hookProvider) BeforeDeployment(context.Context, string, string, string) error {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	return h.err
}

func (h *hookProvider) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func TestRunBeforeDeploymentFansOutToMatchingProviders(t *testing.T) {
	extStore := newFakeExtStore()
	extStore.add(store.ProjectExtension{ProjectID: "p1", Extension: "store", ExtensionType: "s3"})
	extStore.add(store.ProjectExtension{ProjectID: "p1", Extension: "db", ExtensionType: "db"})
	extStore.add(store.ProjectExtension{ProjectID: "p2", Extension: "elsewhere", ExtensionType: "oauth"})

	s3 := &hookProvider{extType: "s3"}
	db := &hookProvider{extType: "db"}
	oauth := &hookProvider{extType: "oauth"}
	reg := NewRegistry()
	for _, p := range []*hookProvider{s3, db, oauth} {
		require.NoError(t, reg.Register(p))
	}

	err := RunBeforeDeployment(context.Background(), reg, extStore, "d1", "p1", "default", discard())
	require.NoError(t, err)
	require.Equal(t, 1, s3.callCount())
	require.Equal(t, 1, db.callCount())
	require.Equal(t, 0, oauth.callCount(), "providers without rows for the project are not called")
}

func TestRunBeforeDeploymentAggregatesErrors(t *testing.T) {
	extStore := newFakeExtStore()
	extStore.add(store.ProjectExtension{ProjectID: "p1", Extension: "a", ExtensionType: "s3"})
	extStore.add(store.ProjectExtension{ProjectID: "p1", Extension: "b", ExtensionType: "db"})

	s3 := &hookProvider{extType: "s3", err: errors.New("bucket quota exceeded")}
	db := &hookProvider{extType: "db", err: errors.New("cluster full")}
	reg := NewRegistry()
	require.NoError(t, reg.Register(s3))
	require.NoError(t, reg.Register(db))

	err := RunBeforeDeployment(context.Background(), reg, extStore, "d1", "p1", "default", discard())
	require.Error(t, err)
	require.Contains(t, err.Error(), "bucket quota exceeded")
	require.Contains(t, err.Error(), "cluster full")
}

func TestRunBeforeDeploymentSkipsDeletedRowsAndUnknownTypes(t *testing.T) {
	extStore := newFakeExtStore()
	now := time.Now()
	extStore.add(store.ProjectExtension{ProjectID: "p1", Extension: "gone", ExtensionType: "s3", DeletedAt: &now})
	extStore.add(store.ProjectExtension{ProjectID: "p1", Extension: "orphan", ExtensionType: "unregistered"})

	s3 := &hookProvider{extType: "s3"}
	reg := NewRegistry()
	require.NoError(t, reg.Register(s3))

	err := RunBeforeDeployment(context.Background(), reg, extStore, "d1", "p1", "default", discard())
	require.NoError(t, err)
	require.Equal(t, 0, s3.callCount(), "soft-deleted rows do not trigger hooks")
}
