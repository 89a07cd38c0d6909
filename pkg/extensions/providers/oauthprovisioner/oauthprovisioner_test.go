package oauthprovisioner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/risedotdev/rise/internal/store"
	"github.com/risedotdev/rise/pkg/encryption"
	"github.com/risedotdev/rise/pkg/extensions/providers/providertest"
	"github.com/risedotdev/rise/pkg/oauth2server"
)

func testEncryptor(t *testing.T) encryption.Encryptor {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 100)
	}
	enc, err := encryption.NewAESGCM(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	return enc
}

func newRig(t *testing.T) (*Provider, *providertest.Storage) {
	t.Helper()
	storage := providertest.NewStorage(&store.Project{ID: "p1", Name: "proj", Status: store.ProjectStatusActive})
	p := New(testEncryptor(t), storage, "https://rise.dev", slog.New(slog.DiscardHandler))

	spec, err := json.Marshal(oauth2server.ExtensionSpec{
		Provider:        "snowflake",
		AuthorizeURL:    "https://upstream.example.com/authorize",
		TokenURL:        "https://upstream.example.com/token",
		ClientID:        "upstream-cid",
		ClientSecretEnv: "SNOWFLAKE_SECRET",
	})
	require.NoError(t, err)
	storage.AddRow(store.ProjectExtension{
		ProjectID: "p1", Extension: "snowflake", ExtensionType: oauth2server.ExtensionType, Spec: spec,
	})
	return p, storage
}

func settle(t *testing.T, p *Provider, storage *providertest.Storage) Status {
	t.Helper()
	for i := 0; i < 10; i++ {
		requeue, err := p.Reconcile(context.Background(), *storage.Row("p1", "snowflake"))
		require.NoError(t, err)
		if !requeue {
			return parseStatus(storage.Row("p1", "snowflake").Status)
		}
	}
	t.Fatal("state machine did not settle within 10 passes")
	return Status{}
}

func TestProvisionsRiseClientCredentials(t *testing.T) {
	p, storage := newRig(t)

	status := settle(t, p, storage)
	require.Equal(t, StateAvailable, status.State)
	proj := storage.Project()
	require.True(t, proj.HasFinalizer("rise.dev/extension/oauth/snowflake"))

	// The Rise client pair landed in the spec, secret encrypted.
	spec, err := oauth2server.ParseSpec(storage.Row("p1", "snowflake").Spec)
	require.NoError(t, err)
	require.NotEmpty(t, spec.RiseClientID)
	require.NotEmpty(t, spec.RiseClientSecretEncrypted)

	plain, err := encryption.DecryptString(context.Background(), testEncryptor(t), spec.RiseClientSecretEncrypted)
	require.NoError(t, err)
	require.NotEmpty(t, plain)
	require.Equal(t, spec.RiseClientID, status.RiseClientID)
}

func TestInitialSecretSurfacedExactlyOnce(t *testing.T) {
	p, storage := newRig(t)

	// Drive Pending → ProvisioningClient → Available by hand to observe
	// the intermediate status.
	_, err := p.Reconcile(context.Background(), *storage.Row("p1", "snowflake"))
	require.NoError(t, err)
	_, err = p.Reconcile(context.Background(), *storage.Row("p1", "snowflake"))
	require.NoError(t, err)

	status := parseStatus(storage.Row("p1", "snowflake").Status)
	require.Equal(t, StateAvailable, status.State)
	require.NotEmpty(t, status.InitialClientSecret, "the plaintext secret is surfaced once")

	spec, err := oauth2server.ParseSpec(storage.Row("p1", "snowflake").Spec)
	require.NoError(t, err)
	plain, err := encryption.DecryptString(context.Background(), testEncryptor(t), spec.RiseClientSecretEncrypted)
	require.NoError(t, err)
	require.Equal(t, plain, status.InitialClientSecret)

	// The next pass blanks it; only the encrypted copy remains.
	_, err = p.Reconcile(context.Background(), *storage.Row("p1", "snowflake"))
	require.NoError(t, err)
	status = parseStatus(storage.Row("p1", "snowflake").Status)
	require.Empty(t, status.InitialClientSecret)
}

func TestCredentialsAreStableAcrossReconciles(t *testing.T) {
	p, storage := newRig(t)
	settle(t, p, storage)

	spec1, err := oauth2server.ParseSpec(storage.Row("p1", "snowflake").Spec)
	require.NoError(t, err)

	// Rewind and settle again: the minted pair is kept, not rotated.
	status := parseStatus(storage.Row("p1", "snowflake").Status)
	status.State = StateProvisioningClient
	raw, err := json.Marshal(status)
	require.NoError(t, err)
	require.NoError(t, storage.UpdateExtensionStatus(context.Background(), "p1", "snowflake", raw))
	settle(t, p, storage)

	spec2, err := oauth2server.ParseSpec(storage.Row("p1", "snowflake").Spec)
	require.NoError(t, err)
	require.Equal(t, spec1.RiseClientID, spec2.RiseClientID)
	require.Equal(t, spec1.RiseClientSecretEncrypted, spec2.RiseClientSecretEncrypted)
}

func TestBeforeDeploymentInjectsEndpoints(t *testing.T) {
	p, storage := newRig(t)
	settle(t, p, storage)

	require.NoError(t, p.BeforeDeployment(context.Background(), "d1", "p1", "default"))

	byKey := storage.EnvVars("d1")
	require.Equal(t, "https://rise.dev/oidc/proj/snowflake/authorize", byKey["SNOWFLAKE_OAUTH_AUTHORIZE_URL"].Value)
	require.Equal(t, "https://rise.dev/oidc/proj/snowflake/token", byKey["SNOWFLAKE_OAUTH_TOKEN_URL"].Value)
	require.NotEmpty(t, byKey["SNOWFLAKE_OAUTH_CLIENT_ID"].Value)
	require.True(t, byKey["SNOWFLAKE_OAUTH_CLIENT_SECRET"].IsSecret)

	spec, err := oauth2server.ParseSpec(storage.Row("p1", "snowflake").Spec)
	require.NoError(t, err)
	plain, err := encryption.DecryptString(context.Background(), testEncryptor(t), spec.RiseClientSecretEncrypted)
	require.NoError(t, err)
	require.Equal(t, plain, byKey["SNOWFLAKE_OAUTH_CLIENT_SECRET"].Value)
}

func TestDeletionReleasesFinalizerAndRow(t *testing.T) {
	p, storage := newRig(t)
	settle(t, p, storage)
	require.NotEmpty(t, storage.Project().Finalizers)

	now := time.Now()
	deleting := *storage.Row("p1", "snowflake")
	deleting.DeletedAt = &now

	done, err := p.ReconcileDeletion(context.Background(), deleting)
	require.NoError(t, err)
	require.True(t, done)
	require.Empty(t, storage.Project().Finalizers)
	require.Nil(t, storage.Row("p1", "snowflake"))
}

func TestInvalidSpecFails(t *testing.T) {
	p, storage := newRig(t)
	storage.AddRow(store.ProjectExtension{
		ProjectID: "p1", Extension: "bad", ExtensionType: oauth2server.ExtensionType,
		Spec: []byte(`{"authorize_url":"a"}`),
	})

	_, err := p.Reconcile(context.Background(), *storage.Row("p1", "bad"))
	require.Error(t, err)
	status := parseStatus(storage.Row("p1", "bad").Status)
	require.Equal(t, StateFailed, status.State)
}

func TestOnSpecUpdatedValidates(t *testing.T) {
	p, _ := newRig(t)
	require.Error(t, p.OnSpecUpdated(context.Background(), "p1", "snowflake", nil, []byte(`{}`)))
	require.NoError(t, p.OnSpecUpdated(context.Background(), "p1", "snowflake", nil,
		[]byte(`{"authorize_url":"a","token_url":"t","client_id":"c","client_secret_env":"E"}`)))
}
