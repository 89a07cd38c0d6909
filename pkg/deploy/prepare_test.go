package deploy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/risedotdev/rise/internal/store"
	"github.com/risedotdev/rise/pkg/encryption"
	"github.com/risedotdev/rise/pkg/extensions"
	"github.com/risedotdev/rise/pkg/extensions/providers/providertest"
)

// envProvider injects one fixed env var.
type envProvider struct {
	extType string
	key     string
	storage *providertest.Storage
	err     error
}

func (e *envProvider) ExtensionType() string       { return e.extType }
func (e *envProvider) DisplayName() string         { return e.extType }
func (e *envProvider) Description() string         { return "" }
func (e *envProvider) Documentation() string       { return "" }
func (e *envProvider) SpecSchema() json.RawMessage { return json.RawMessage(`{}`) }
func (e *envProvider) ValidateSpec([]byte) error   { return nil }
func (e *envProvider) FormatStatus([]byte) string  { return "" }

func (e *envProvider) Reconcile(context.Context, store.ProjectExtension) (bool, error) {
	return false, nil
}

func (e *envProvider) ReconcileDeletion(context.Context, store.ProjectExtension) (bool, error) {
	return true, nil
}

func (e *envProvider) BeforeDeployment(ctx context.Context, deploymentID, _, _ string) error {
	if e.err != nil {
		return e.err
	}
	return e.storage.InsertDeploymentEnvVar(ctx, deploymentID, e.key, "v", false)
}

func testEncryptor(t *testing.T) encryption.Encryptor {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 42)
	}
	enc, err := encryption.NewAESGCM(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	return enc
}

func newRig(t *testing.T) (*Service, *providertest.Storage, *extensions.Registry, encryption.Encryptor) {
	t.Helper()
	storage := providertest.NewStorage(&store.Project{ID: "p1", Name: "app"})
	registry := extensions.NewRegistry()
	enc := testEncryptor(t)
	svc := NewService(registry, storage, enc, "registry.rise.dev", slog.New(slog.DiscardHandler))
	return svc, storage, registry, enc
}

func TestPrepareInjectsRegistryCredentialAndHooks(t *testing.T) {
	svc, storage, registry, enc := newRig(t)
	ctx := context.Background()

	encrypted, err := encryption.EncryptString(ctx, enc, "hunter2")
	require.NoError(t, err)
	storage.SetRegistryCredential(&store.RegistryCredential{
		ProjectID: "p1", Provider: "ecr", Username: "AWS", EncryptedPassword: encrypted,
	})

	p := &envProvider{extType: "s3", key: "STORE_S3_BUCKET", storage: storage}
	require.NoError(t, registry.Register(p))
	storage.AddRow(store.ProjectExtension{ProjectID: "p1", Extension: "store", ExtensionType: "s3"})

	require.NoError(t, svc.Prepare(ctx, "d1", "p1", "default"))

	vars := storage.EnvVars("d1")
	require.Equal(t, "registry.rise.dev", vars[EnvRegistryServer].Value)
	require.Equal(t, "AWS", vars[EnvRegistryUsername].Value)
	require.Equal(t, "hunter2", vars[EnvRegistryPassword].Value)
	require.True(t, vars[EnvRegistryPassword].IsSecret)
	require.Contains(t, vars, "STORE_S3_BUCKET")
}

func TestPrepareWithoutCredentialPullsAnonymously(t *testing.T) {
	svc, storage, _, _ := newRig(t)

	require.NoError(t, svc.Prepare(context.Background(), "d1", "p1", "default"))
	require.Empty(t, storage.EnvVars("d1"))
}

func TestPrepareToleratesUndecryptableCredential(t *testing.T) {
	svc, storage, _, _ := newRig(t)

	storage.SetRegistryCredential(&store.RegistryCredential{
		ProjectID: "p1", Provider: "docker", Username: "bob", EncryptedPassword: "bm90LXJlYWwtY2lwaGVydGV4dC1hdC1hbGwtcGFkZGluZw==",
	})

	require.NoError(t, svc.Prepare(context.Background(), "d1", "p1", "default"))
	vars := storage.EnvVars("d1")
	require.NotContains(t, vars, EnvRegistryPassword)
}

func TestPrepareAbortsOnHookFailure(t *testing.T) {
	svc, storage, registry, _ := newRig(t)

	p := &envProvider{extType: "s3", storage: storage, err: errors.New("bucket quota")}
	require.NoError(t, registry.Register(p))
	storage.AddRow(store.ProjectExtension{ProjectID: "p1", Extension: "store", ExtensionType: "s3"})

	err := svc.Prepare(context.Background(), "d1", "p1", "default")
	require.Error(t, err)
	require.Contains(t, err.Error(), "bucket quota")
}
