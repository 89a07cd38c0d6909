// Package database provisions a dedicated Postgres database and role per
// extension on a shared cluster and injects the connection URL into
// deployments.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/risedotdev/rise/internal/idgen"
	"github.com/risedotdev/rise/internal/store"
	"github.com/risedotdev/rise/internal/telemetry"
	"github.com/risedotdev/rise/pkg/encryption"
	"github.com/risedotdev/rise/pkg/extensions"
)

// Type tags the rows this provider owns.
const Type = "postgres-database"

// States. Failed retries through Pending; Deleting drives teardown.
const (
	StatePending          = "Pending"
	StateCreatingRole     = "CreatingRole"
	StateCreatingDatabase = "CreatingDatabase"
	StateGrantingAccess   = "GrantingAccess"
	StateAvailable        = "Available"
	StateFailed           = "Failed"
	StateDeleting         = "Deleting"
)

// AdminDB is the slice of an admin connection to the shared cluster.
// Identifier quoting happens before statements reach it. ExecInDatabase
// runs a statement connected to a specific database, which CREATE
// EXTENSION requires.
type AdminDB interface {
	Exec(ctx context.Context, sql string, args ...any) error
	ExecInDatabase(ctx context.Context, database, sql string) error
	DatabaseExists(ctx context.Context, name string) (bool, error)
	RoleExists(ctx context.Context, name string) (bool, error)
}

// Spec is the user-declared desired state.
type Spec struct {
	// Extensions lists Postgres extensions to enable, e.g. "pgcrypto".
	Extensions []string `json:"extensions,omitempty"`
}

// Status is the provider-owned observed state.
type Status struct {
	State             string `json:"state"`
	Error             string `json:"error,omitempty"`
	Role              string `json:"role,omitempty"`
	Database          string `json:"database,omitempty"`
	PasswordEncrypted string `json:"password_encrypted,omitempty"`
}

// Storage is the persistence slice the provider needs.
type Storage interface {
	store.ProjectStore
	store.ExtensionStore
	store.DeploymentStore
}

// Provider implements extensions.Provider over a shared Postgres cluster.
type Provider struct {
	admin   AdminDB
	enc     encryption.Encryptor
	storage Storage
	logger  *slog.Logger

	// clusterHost/clusterPort form the DATABASE_URL handed to apps.
	clusterHost string
	clusterPort int
}

var _ extensions.Provider = (*Provider)(nil)

func New(admin AdminDB, enc encryption.Encryptor, storage Storage, clusterHost string, clusterPort int, logger *slog.Logger) *Provider {
	return &Provider{
		admin:       admin,
		enc:         enc,
		storage:     storage,
		clusterHost: clusterHost,
		clusterPort: clusterPort,
		logger:      logger.With("provider", Type),
	}
}

func (p *Provider) ExtensionType() string { return Type }
func (p *Provider) DisplayName() string   { return "PostgreSQL Database" }

func (p *Provider) Description() string {
	return "Provisions a dedicated database and role on the shared PostgreSQL cluster."
}

func (p *Provider) Documentation() string {
	return "The deployment receives {NAME}_DATABASE_URL pointing at its own database. Optional spec.extensions enables Postgres extensions."
}

func (p *Provider) SpecSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"extensions": {"type": "array", "items": {"type": "string"}}
		}
	}`)
}

func (p *Provider) ValidateSpec(raw []byte) error {
	var spec Spec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return fmt.Errorf("decoding database spec: %w", err)
	}
	for _, ext := range spec.Extensions {
		if !isSafeIdentifier(ext) {
			return fmt.Errorf("invalid postgres extension name %q", ext)
		}
	}
	return nil
}

func (p *Provider) FormatStatus(raw []byte) string {
	var status Status
	if err := json.Unmarshal(raw, &status); err != nil || status.State == "" {
		return StatePending
	}
	if status.Error != "" {
		return fmt.Sprintf("%s: %s", status.State, status.Error)
	}
	return status.State
}

func parseStatus(raw []byte) Status {
	var status Status
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &status)
	}
	if status.State == "" {
		status.State = StatePending
	}
	return status
}

// Reconcile advances one state per pass: Pending → CreatingRole →
// CreatingDatabase → GrantingAccess → Available.
func (p *Provider) Reconcile(ctx context.Context, row store.ProjectExtension) (bool, error) {
	project, err := p.storage.GetProject(ctx, row.ProjectID)
	if err != nil {
		return false, fmt.Errorf("loading project: %w", err)
	}

	status := parseStatus(row.Status)
	var spec Spec
	if err := json.Unmarshal(row.Spec, &spec); err != nil {
		status.State = StateFailed
		status.Error = err.Error()
		if werr := p.writeStatus(ctx, row, status); werr != nil {
			return false, werr
		}
		return false, err
	}

	from := status.State
	switch status.State {
	case StatePending:
		finalizer := idgen.FinalizerName(Type, row.Extension)
		if err := p.storage.AddFinalizer(ctx, project.ID, finalizer); err != nil {
			return false, fmt.Errorf("adding finalizer: %w", err)
		}
		status.Role = resourceName(project.Name, row.Extension)
		status.Database = resourceName(project.Name, row.Extension)
		status.State = StateCreatingRole
		status.Error = ""

	case StateCreatingRole:
		exists, err := p.admin.RoleExists(ctx, status.Role)
		if err != nil {
			return p.toFailed(ctx, row, status, err)
		}
		if !exists {
			password := idgen.RawToken(24)
			encrypted, err := encryption.EncryptString(ctx, p.enc, password)
			if err != nil {
				return p.toFailed(ctx, row, status, fmt.Errorf("encrypting password: %w", err))
			}
			stmt := fmt.Sprintf("CREATE ROLE %s LOGIN PASSWORD '%s'",
				pgx.Identifier{status.Role}.Sanitize(), password)
			if err := p.admin.Exec(ctx, stmt); err != nil {
				return p.toFailed(ctx, row, status, fmt.Errorf("creating role: %w", err))
			}
			status.PasswordEncrypted = encrypted
		} else if status.PasswordEncrypted == "" {
			// Role survived a crash but the password never landed in
			// status; rotate it so the credential is known again.
			password := idgen.RawToken(24)
			encrypted, err := encryption.EncryptString(ctx, p.enc, password)
			if err != nil {
				return p.toFailed(ctx, row, status, fmt.Errorf("encrypting password: %w", err))
			}
			stmt := fmt.Sprintf("ALTER ROLE %s PASSWORD '%s'",
				pgx.Identifier{status.Role}.Sanitize(), password)
			if err := p.admin.Exec(ctx, stmt); err != nil {
				return p.toFailed(ctx, row, status, fmt.Errorf("rotating role password: %w", err))
			}
			status.PasswordEncrypted = encrypted
		}
		status.State = StateCreatingDatabase

	case StateCreatingDatabase:
		exists, err := p.admin.DatabaseExists(ctx, status.Database)
		if err != nil {
			return p.toFailed(ctx, row, status, err)
		}
		if !exists {
			stmt := fmt.Sprintf("CREATE DATABASE %s OWNER %s",
				pgx.Identifier{status.Database}.Sanitize(),
				pgx.Identifier{status.Role}.Sanitize())
			if err := p.admin.Exec(ctx, stmt); err != nil {
				return p.toFailed(ctx, row, status, fmt.Errorf("creating database: %w", err))
			}
		}
		status.State = StateGrantingAccess

	case StateGrantingAccess:
		stmt := fmt.Sprintf("GRANT ALL PRIVILEGES ON DATABASE %s TO %s",
			pgx.Identifier{status.Database}.Sanitize(),
			pgx.Identifier{status.Role}.Sanitize())
		if err := p.admin.Exec(ctx, stmt); err != nil {
			return p.toFailed(ctx, row, status, fmt.Errorf("granting access: %w", err))
		}
		for _, ext := range spec.Extensions {
			stmt := fmt.Sprintf("CREATE EXTENSION IF NOT EXISTS %s", pgx.Identifier{ext}.Sanitize())
			if err := p.admin.ExecInDatabase(ctx, status.Database, stmt); err != nil {
				return p.toFailed(ctx, row, status, fmt.Errorf("enabling extension %s: %w", ext, err))
			}
		}
		status.State = StateAvailable
		status.Error = ""

	case StateAvailable:
		return false, nil

	case StateFailed:
		status.State = StatePending

	default:
		return false, fmt.Errorf("unknown state %q", status.State)
	}

	if err := p.writeStatus(ctx, row, status); err != nil {
		return false, err
	}
	if from != status.State {
		telemetry.ReconcileStateTransitionsTotal.WithLabelValues(Type, from, status.State).Inc()
	}
	return status.State != StateAvailable, nil
}

// ReconcileDeletion drops the database and role, then releases the
// finalizer and the row.
func (p *Provider) ReconcileDeletion(ctx context.Context, row store.ProjectExtension) (bool, error) {
	status := parseStatus(row.Status)
	if status.State != StateDeleting {
		status.State = StateDeleting
		if err := p.writeStatus(ctx, row, status); err != nil {
			return false, err
		}
	}

	if status.Database != "" {
		stmt := fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)",
			pgx.Identifier{status.Database}.Sanitize())
		if err := p.admin.Exec(ctx, stmt); err != nil {
			return false, fmt.Errorf("dropping database: %w", err)
		}
	}
	if status.Role != "" {
		stmt := fmt.Sprintf("DROP ROLE IF EXISTS %s", pgx.Identifier{status.Role}.Sanitize())
		if err := p.admin.Exec(ctx, stmt); err != nil {
			return false, fmt.Errorf("dropping role: %w", err)
		}
	}

	finalizer := idgen.FinalizerName(Type, row.Extension)
	if err := p.storage.RemoveFinalizer(ctx, row.ProjectID, finalizer); err != nil {
		return false, fmt.Errorf("removing finalizer: %w", err)
	}
	if err := p.storage.HardDeleteExtension(ctx, row.ProjectID, row.Extension); err != nil {
		return false, err
	}

	p.logger.Info("database extension deleted",
		"project_id", row.ProjectID, "extension", row.Extension)
	return true, nil
}

// BeforeDeployment injects {PREFIX}_DATABASE_URL with the decrypted role
// password.
func (p *Provider) BeforeDeployment(ctx context.Context, deploymentID, projectID, _ string) error {
	rows, err := p.storage.ListExtensionsForProject(ctx, projectID)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if row.ExtensionType != Type || row.IsDeleting() {
			continue
		}
		status := parseStatus(row.Status)
		if status.State != StateAvailable {
			return fmt.Errorf("extension %q: database is not ready (state %s)", row.Extension, status.State)
		}

		password, err := encryption.DecryptString(ctx, p.enc, status.PasswordEncrypted)
		if err != nil {
			return fmt.Errorf("extension %q: decrypting password: %w", row.Extension, err)
		}

		dsn := (&url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(status.Role, password),
			Host:   fmt.Sprintf("%s:%d", p.clusterHost, p.clusterPort),
			Path:   "/" + status.Database,
		}).String()

		key := envPrefix(row.Extension) + "_DATABASE_URL"
		if err := p.storage.InsertDeploymentEnvVar(ctx, deploymentID, key, dsn, true); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) toFailed(ctx context.Context, row store.ProjectExtension, status Status, cause error) (bool, error) {
	from := status.State
	status.State = StateFailed
	status.Error = cause.Error()
	if err := p.writeStatus(ctx, row, status); err != nil {
		return false, err
	}
	telemetry.ReconcileStateTransitionsTotal.WithLabelValues(Type, from, StateFailed).Inc()
	return false, cause
}

func (p *Provider) writeStatus(ctx context.Context, row store.ProjectExtension, status Status) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}
	return p.storage.UpdateExtensionStatus(ctx, row.ProjectID, row.Extension, raw)
}

// resourceName derives the deterministic role/database name.
func resourceName(projectName, extensionName string) string {
	var b strings.Builder
	for _, r := range strings.ToLower("rise_" + projectName + "_" + extensionName) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func envPrefix(extensionName string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(extensionName) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func isSafeIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_') {
			return false
		}
	}
	return true
}
