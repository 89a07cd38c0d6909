package database

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/risedotdev/rise/internal/store"
	"github.com/risedotdev/rise/pkg/encryption"
	"github.com/risedotdev/rise/pkg/extensions/providers/providertest"
)

// fakeAdmin records executed statements and tracks databases/roles.
type fakeAdmin struct {
	mu        sync.Mutex
	stmts     []string
	databases map[string]bool
	roles     map[string]bool
}

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{databases: map[string]bool{}, roles: map[string]bool{}}
}

func (f *fakeAdmin) Exec(_ context.Context, sql string, _ ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stmts = append(f.stmts, sql)
	switch {
	case strings.HasPrefix(sql, "CREATE ROLE"):
		f.roles[between(sql, `CREATE ROLE "`, `"`)] = true
	case strings.HasPrefix(sql, "CREATE DATABASE"):
		f.databases[between(sql, `CREATE DATABASE "`, `"`)] = true
	case strings.HasPrefix(sql, "DROP DATABASE"):
		delete(f.databases, between(sql, `DROP DATABASE IF EXISTS "`, `"`))
	case strings.HasPrefix(sql, "DROP ROLE"):
		delete(f.roles, between(sql, `DROP ROLE IF EXISTS "`, `"`))
	}
	return nil
}

func (f *fakeAdmin) ExecInDatabase(ctx context.Context, database, sql string) error {
	return f.Exec(ctx, sql)
}

func (f *fakeAdmin) DatabaseExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.databases[name], nil
}

func (f *fakeAdmin) RoleExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roles[name], nil
}

func (f *fakeAdmin) executed(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.stmts {
		if strings.HasPrefix(s, prefix) {
			n++
		}
	}
	return n
}

func between(s, prefix, end string) string {
	rest := s[strings.Index(s, prefix)+len(prefix):]
	return rest[:strings.Index(rest, end)]
}

func testEncryptor(t *testing.T) encryption.Encryptor {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 11)
	}
	enc, err := encryption.NewAESGCM(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	return enc
}

func newRig(t *testing.T) (*Provider, *providertest.Storage, *fakeAdmin) {
	t.Helper()
	storage := providertest.NewStorage(&store.Project{ID: "p1", Name: "app", Status: store.ProjectStatusActive})
	admin := newFakeAdmin()
	p := New(admin, testEncryptor(t), storage, "db.rise.internal", 5432, slog.New(slog.DiscardHandler))

	spec, err := json.Marshal(Spec{Extensions: []string{"pgcrypto"}})
	require.NoError(t, err)
	storage.AddRow(store.ProjectExtension{
		ProjectID: "p1", Extension: "maindb", ExtensionType: Type, Spec: spec,
	})
	return p, storage, admin
}

func settle(t *testing.T, p *Provider, storage *providertest.Storage) Status {
	t.Helper()
	for i := 0; i < 10; i++ {
		requeue, err := p.Reconcile(context.Background(), *storage.Row("p1", "maindb"))
		require.NoError(t, err)
		if !requeue {
			return parseStatus(storage.Row("p1", "maindb").Status)
		}
	}
	t.Fatal("state machine did not settle within 10 passes")
	return Status{}
}

func TestProvisionsToAvailable(t *testing.T) {
	p, storage, admin := newRig(t)

	// First pass adds the finalizer before any statement runs.
	requeue, err := p.Reconcile(context.Background(), *storage.Row("p1", "maindb"))
	require.NoError(t, err)
	require.True(t, requeue)
	proj := storage.Project()
	require.True(t, proj.HasFinalizer("rise.dev/extension/postgres-database/maindb"))
	require.Zero(t, admin.executed("CREATE"))

	status := settle(t, p, storage)
	require.Equal(t, StateAvailable, status.State)
	require.Equal(t, "rise_app_maindb", status.Role)
	require.Equal(t, "rise_app_maindb", status.Database)
	require.NotEmpty(t, status.PasswordEncrypted)

	// The encrypted password decrypts to the value embedded in CREATE ROLE.
	password, err := encryption.DecryptString(context.Background(), testEncryptor(t), status.PasswordEncrypted)
	require.NoError(t, err)
	require.NotEmpty(t, password)

	require.Equal(t, 1, admin.executed("CREATE ROLE"))
	require.Equal(t, 1, admin.executed("CREATE DATABASE"))
	require.Equal(t, 1, admin.executed("GRANT"))
	require.Equal(t, 1, admin.executed("CREATE EXTENSION IF NOT EXISTS"))
}

func TestReconcileReusesExistingResources(t *testing.T) {
	p, storage, admin := newRig(t)
	settle(t, p, storage)

	// Rewind to CreatingRole: role and password already exist, nothing is
	// re-created.
	status := parseStatus(storage.Row("p1", "maindb").Status)
	status.State = StateCreatingRole
	raw, err := json.Marshal(status)
	require.NoError(t, err)
	require.NoError(t, storage.UpdateExtensionStatus(context.Background(), "p1", "maindb", raw))

	final := settle(t, p, storage)
	require.Equal(t, StateAvailable, final.State)
	require.Equal(t, 1, admin.executed("CREATE ROLE"))
	require.Equal(t, 1, admin.executed("CREATE DATABASE"))
}

func TestPasswordRotatedWhenLostAfterCrash(t *testing.T) {
	p, storage, admin := newRig(t)
	settle(t, p, storage)

	// Simulate a crash that persisted the role but lost the credential.
	status := parseStatus(storage.Row("p1", "maindb").Status)
	status.State = StateCreatingRole
	status.PasswordEncrypted = ""
	raw, err := json.Marshal(status)
	require.NoError(t, err)
	require.NoError(t, storage.UpdateExtensionStatus(context.Background(), "p1", "maindb", raw))

	final := settle(t, p, storage)
	require.Equal(t, StateAvailable, final.State)
	require.NotEmpty(t, final.PasswordEncrypted)
	require.Equal(t, 1, admin.executed("ALTER ROLE"))
}

func TestBeforeDeploymentInjectsDatabaseURL(t *testing.T) {
	p, storage, _ := newRig(t)
	settle(t, p, storage)

	require.NoError(t, p.BeforeDeployment(context.Background(), "d1", "p1", "default"))

	byKey := storage.EnvVars("d1")
	v, ok := byKey["MAINDB_DATABASE_URL"]
	require.True(t, ok)
	require.True(t, v.IsSecret)

	dsn, err := url.Parse(v.Value)
	require.NoError(t, err)
	require.Equal(t, "postgres", dsn.Scheme)
	require.Equal(t, "db.rise.internal:5432", dsn.Host)
	require.Equal(t, "/rise_app_maindb", dsn.Path)
	require.Equal(t, "rise_app_maindb", dsn.User.Username())
	password, set := dsn.User.Password()
	require.True(t, set)

	status := parseStatus(storage.Row("p1", "maindb").Status)
	plain, err := encryption.DecryptString(context.Background(), testEncryptor(t), status.PasswordEncrypted)
	require.NoError(t, err)
	require.Equal(t, plain, password)
}

func TestBeforeDeploymentNotReady(t *testing.T) {
	p, _, _ := newRig(t)
	require.Error(t, p.BeforeDeployment(context.Background(), "d1", "p1", "default"))
}

func TestDeletionDropsAndReleases(t *testing.T) {
	p, storage, admin := newRig(t)
	settle(t, p, storage)

	now := time.Now()
	deleting := *storage.Row("p1", "maindb")
	deleting.DeletedAt = &now

	done, err := p.ReconcileDeletion(context.Background(), deleting)
	require.NoError(t, err)
	require.True(t, done)

	admin.mu.Lock()
	require.Empty(t, admin.databases)
	require.Empty(t, admin.roles)
	admin.mu.Unlock()
	require.Empty(t, storage.Project().Finalizers)
	require.Nil(t, storage.Row("p1", "maindb"))
}

func TestValidateSpec(t *testing.T) {
	p, _, _ := newRig(t)
	require.NoError(t, p.ValidateSpec([]byte(`{}`)))
	require.NoError(t, p.ValidateSpec([]byte(`{"extensions":["pgcrypto","uuid_ossp"]}`)))
	require.Error(t, p.ValidateSpec([]byte(`{"extensions":["pg; DROP TABLE users"]}`)))
	require.Error(t, p.ValidateSpec([]byte(`nope`)))
}
