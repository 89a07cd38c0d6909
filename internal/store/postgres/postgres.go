// Package postgres implements internal/store.Storage with pgx directly:
// query/scan, wrapped errors, no ORM.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/risedotdev/rise/internal/apierr"
	"github.com/risedotdev/rise/internal/idgen"
	"github.com/risedotdev/rise/internal/store"
)

// Store implements store.Storage over a pgxpool.Pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a postgres-backed Storage.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ store.Storage = (*Store)(nil)

// --- Users ---

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*store.User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, email, is_platform_user, created, updated FROM users WHERE email = $1`,
		email,
	)
	var u store.User
	if err := row.Scan(&u.ID, &u.Email, &u.IsPlatformUser, &u.Created, &u.Updated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.Wrap(apierr.NotFound, "user not found", err)
		}
		return nil, apierr.Wrap(apierr.Internal, "querying user", err)
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, email string, isPlatformUser bool) (*store.User, error) {
	id := idgen.NewID().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, is_platform_user, created, updated) VALUES ($1, $2, $3, $4, $4)`,
		id, email, isPlatformUser, now,
	)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "creating user", err)
	}
	return &store.User{ID: id, Email: email, IsPlatformUser: isPlatformUser, Created: now, Updated: now}, nil
}

func (s *Store) SetIsPlatformUser(ctx context.Context, userID string, isPlatformUser bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET is_platform_user = $1, updated = now() WHERE id = $2`,
		isPlatformUser, userID,
	)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "updating user platform flag", err)
	}
	return nil
}

// --- Teams ---

func (s *Store) GetTeamByName(ctx context.Context, name string) (*store.Team, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, idp_managed, created, updated FROM teams WHERE lower(name) = lower($1)`, name)
	var t store.Team
	if err := row.Scan(&t.ID, &t.Name, &t.IdPManaged, &t.Created, &t.Updated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.Wrap(apierr.NotFound, "team not found", err)
		}
		return nil, apierr.Wrap(apierr.Internal, "querying team", err)
	}
	return &t, nil
}

func (s *Store) CreateIdPManagedTeam(ctx context.Context, name string) (*store.Team, error) {
	id := idgen.NewID().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO teams (id, name, idp_managed, created, updated) VALUES ($1, $2, true, $3, $3)`,
		id, name, now,
	)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "creating idp-managed team", err)
	}
	return &store.Team{ID: id, Name: name, IdPManaged: true, Created: now, Updated: now}, nil
}

func (s *Store) ListIdPManagedTeamsForUser(ctx context.Context, userID string) ([]store.Team, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.id, t.name, t.idp_managed, t.created, t.updated
		 FROM teams t JOIN team_memberships m ON m.team_id = t.id
		 WHERE m.user_id = $1 AND t.idp_managed = true`, userID)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "listing idp-managed teams", err)
	}
	defer rows.Close()

	var out []store.Team
	for rows.Next() {
		var t store.Team
		if err := rows.Scan(&t.ID, &t.Name, &t.IdPManaged, &t.Created, &t.Updated); err != nil {
			return nil, apierr.Wrap(apierr.Internal, "scanning team", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) ListMembers(ctx context.Context, teamID string) ([]store.TeamMembership, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT team_id, user_id, role FROM team_memberships WHERE team_id = $1`, teamID)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "listing team members", err)
	}
	defer rows.Close()

	var out []store.TeamMembership
	for rows.Next() {
		var m store.TeamMembership
		if err := rows.Scan(&m.TeamID, &m.UserID, &m.Role); err != nil {
			return nil, apierr.Wrap(apierr.Internal, "scanning membership", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) AddMember(ctx context.Context, teamID, userID string, role store.TeamRole) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO team_memberships (team_id, user_id, role) VALUES ($1, $2, $3)
		 ON CONFLICT (team_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		teamID, userID, role,
	)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "adding team member", err)
	}
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, teamID, userID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM team_memberships WHERE team_id = $1 AND user_id = $2`, teamID, userID)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "removing team member", err)
	}
	return nil
}

func (s *Store) IsMember(ctx context.Context, teamID, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM team_memberships WHERE team_id = $1 AND user_id = $2)`,
		teamID, userID,
	).Scan(&exists)
	if err != nil {
		return false, apierr.Wrap(apierr.Internal, "checking team membership", err)
	}
	return exists, nil
}

// --- Projects ---

func (s *Store) GetProject(ctx context.Context, projectID string) (*store.Project, error) {
	return s.scanProject(ctx, `WHERE id = $1`, projectID)
}

func (s *Store) GetProjectByName(ctx context.Context, name string) (*store.Project, error) {
	return s.scanProject(ctx, `WHERE name = $1`, name)
}

func (s *Store) scanProject(ctx context.Context, where string, arg any) (*store.Project, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT id, name, status, access_class, owner_user_id, owner_team_id,
		        active_deployment_id, finalizers, created, updated
		 FROM projects %s`, where), arg)

	var p store.Project
	if err := row.Scan(&p.ID, &p.Name, &p.Status, &p.AccessClass, &p.OwnerUserID, &p.OwnerTeamID,
		&p.ActiveDeploymentID, &p.Finalizers, &p.Created, &p.Updated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.Wrap(apierr.NotFound, "project not found", err)
		}
		return nil, apierr.Wrap(apierr.Internal, "querying project", err)
	}
	return &p, nil
}

// AddFinalizer appends finalizer to the project's ordered set if absent.
// Callable before any external resource exists, so providers can claim
// the project ahead of their first cloud call.
func (s *Store) AddFinalizer(ctx context.Context, projectID, finalizer string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE projects SET finalizers = CASE
		     WHEN $2::text = ANY(finalizers) THEN finalizers
		     ELSE array_append(finalizers, $2::text)
		 END, updated = now() WHERE id = $1`,
		projectID, finalizer,
	)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "adding finalizer", err)
	}
	return nil
}

// RemoveFinalizer removes finalizer from the project's set. Idempotent:
// removing an absent finalizer, or from an absent project, is not an
// error, so teardown can complete even after its row was pruned.
func (s *Store) RemoveFinalizer(ctx context.Context, projectID, finalizer string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE projects SET finalizers = array_remove(finalizers, $2), updated = now() WHERE id = $1`,
		projectID, finalizer,
	)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "removing finalizer", err)
	}
	return nil
}

func (s *Store) IsAppUser(ctx context.Context, projectID, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM project_app_users WHERE project_id = $1 AND user_id = $2)`,
		projectID, userID,
	).Scan(&exists)
	if err != nil {
		return false, apierr.Wrap(apierr.Internal, "checking project app user", err)
	}
	return exists, nil
}

func (s *Store) IsAppTeamMember(ctx context.Context, projectID, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(
		     SELECT 1 FROM project_app_teams pat
		     JOIN team_memberships m ON m.team_id = pat.team_id
		     WHERE pat.project_id = $1 AND m.user_id = $2
		 )`,
		projectID, userID,
	).Scan(&exists)
	if err != nil {
		return false, apierr.Wrap(apierr.Internal, "checking project app team membership", err)
	}
	return exists, nil
}

// --- Extensions ---

func (s *Store) GetExtension(ctx context.Context, projectID, extension string) (*store.ProjectExtension, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT project_id, extension, extension_type, spec, status, created, updated, deleted_at
		 FROM project_extensions WHERE project_id = $1 AND extension = $2`,
		projectID, extension,
	)
	var e store.ProjectExtension
	if err := row.Scan(&e.ProjectID, &e.Extension, &e.ExtensionType, &e.Spec, &e.Status,
		&e.Created, &e.Updated, &e.DeletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.Wrap(apierr.NotFound, "extension not found", err)
		}
		return nil, apierr.Wrap(apierr.Internal, "querying extension", err)
	}
	return &e, nil
}

func (s *Store) UpdateExtensionSpec(ctx context.Context, projectID, extension string, spec []byte) error {
	if !json.Valid(spec) {
		return apierr.New(apierr.Internal, "extension spec is not valid JSON")
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE project_extensions SET spec = $3, updated = now()
		 WHERE project_id = $1 AND extension = $2`,
		projectID, extension, spec,
	)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "updating extension spec", err)
	}
	return nil
}

func (s *Store) ListExtensionsByType(ctx context.Context, extensionType string) ([]store.ProjectExtension, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT project_id, extension, extension_type, spec, status, created, updated, deleted_at
		 FROM project_extensions WHERE extension_type = $1`, extensionType)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "listing extensions by type", err)
	}
	defer rows.Close()
	return scanExtensions(rows)
}

func (s *Store) ListExtensionsForProject(ctx context.Context, projectID string) ([]store.ProjectExtension, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT project_id, extension, extension_type, spec, status, created, updated, deleted_at
		 FROM project_extensions WHERE project_id = $1`, projectID)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "listing extensions for project", err)
	}
	defer rows.Close()
	return scanExtensions(rows)
}

func scanExtensions(rows pgx.Rows) ([]store.ProjectExtension, error) {
	var out []store.ProjectExtension
	for rows.Next() {
		var e store.ProjectExtension
		if err := rows.Scan(&e.ProjectID, &e.Extension, &e.ExtensionType, &e.Spec, &e.Status,
			&e.Created, &e.Updated, &e.DeletedAt); err != nil {
			return nil, apierr.Wrap(apierr.Internal, "scanning extension", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) UpdateExtensionStatus(ctx context.Context, projectID, extension string, status []byte) error {
	// A malformed status blob must never be persisted.
	if !json.Valid(status) {
		return apierr.New(apierr.Internal, "extension status is not valid JSON")
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE project_extensions SET status = $3, updated = now()
		 WHERE project_id = $1 AND extension = $2`,
		projectID, extension, status,
	)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "updating extension status", err)
	}
	return nil
}

func (s *Store) HardDeleteExtension(ctx context.Context, projectID, extension string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM project_extensions WHERE project_id = $1 AND extension = $2`,
		projectID, extension,
	)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "hard-deleting extension", err)
	}
	return nil
}

// --- Deployments ---

// InsertDeploymentEnvVar writes one key into the deployment's immutable
// env var snapshot. The unique constraint on (deployment_id, key) turns
// a concurrent duplicate write from two providers into a Conflict:
// exactly one writer wins.
func (s *Store) InsertDeploymentEnvVar(ctx context.Context, deploymentID, key, value string, isSecret bool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deployment_env_vars (deployment_id, key, value, is_secret) VALUES ($1, $2, $3, $4)`,
		deploymentID, key, value, isSecret,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apierr.Wrap(apierr.Conflict, fmt.Sprintf("deployment env var %q already set by another extension", key), err)
		}
		return apierr.Wrap(apierr.Internal, "inserting deployment env var", err)
	}
	return nil
}

func (s *Store) ListDeploymentEnvVars(ctx context.Context, deploymentID string) ([]store.DeploymentEnvVar, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT deployment_id, key, value, is_secret FROM deployment_env_vars WHERE deployment_id = $1`,
		deploymentID,
	)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "listing deployment env vars", err)
	}
	defer rows.Close()

	var out []store.DeploymentEnvVar
	for rows.Next() {
		var v store.DeploymentEnvVar
		if err := rows.Scan(&v.DeploymentID, &v.Key, &v.Value, &v.IsSecret); err != nil {
			return nil, apierr.Wrap(apierr.Internal, "scanning deployment env var", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) ListActiveDeploymentGroups(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT deployment_group FROM deployments
		 WHERE project_id = $1 AND status NOT IN ('superseded', 'failed', 'stopped', 'expired')`,
		projectID,
	)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "listing active deployment groups", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, apierr.Wrap(apierr.Internal, "scanning deployment group", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// --- Custom domains ---

func (s *Store) GetCustomDomainByName(ctx context.Context, domainName string) (*store.CustomDomain, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, project_id, domain_name, verification_status, verified_at,
		        certificate_status, cert_issued_at, cert_expires_at
		 FROM custom_domains WHERE domain_name = $1`, domainName)
	var d store.CustomDomain
	if err := row.Scan(&d.ID, &d.ProjectID, &d.DomainName, &d.VerificationStatus, &d.VerifiedAt,
		&d.CertificateStatus, &d.CertIssuedAt, &d.CertExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.Wrap(apierr.NotFound, "custom domain not found", err)
		}
		return nil, apierr.Wrap(apierr.Internal, "querying custom domain", err)
	}
	return &d, nil
}

func (s *Store) ListCustomDomains(ctx context.Context) ([]store.CustomDomain, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, domain_name, verification_status, verified_at,
		        certificate_status, cert_issued_at, cert_expires_at
		 FROM custom_domains`)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "listing custom domains", err)
	}
	defer rows.Close()

	var out []store.CustomDomain
	for rows.Next() {
		var d store.CustomDomain
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.DomainName, &d.VerificationStatus, &d.VerifiedAt,
			&d.CertificateStatus, &d.CertIssuedAt, &d.CertExpiresAt); err != nil {
			return nil, apierr.Wrap(apierr.Internal, "scanning custom domain", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCustomDomainCert(ctx context.Context, domainID string, status store.CustomDomainCertificateStatus, issuedAt, expiresAt *time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE custom_domains SET certificate_status = $2, cert_issued_at = $3, cert_expires_at = $4
		 WHERE id = $1`,
		domainID, status, issuedAt, expiresAt,
	)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "updating custom domain certificate", err)
	}
	return nil
}

func (s *Store) CreateAcmeChallenge(ctx context.Context, ch store.AcmeChallenge) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO acme_challenges (id, domain_id, challenge_type, record_name, record_value, status, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ch.ID, ch.DomainID, ch.ChallengeType, ch.RecordName, ch.RecordValue, ch.Status, ch.ExpiresAt,
	)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "creating acme challenge", err)
	}
	return nil
}

func (s *Store) DeleteAcmeChallengesForDomain(ctx context.Context, domainID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM acme_challenges WHERE domain_id = $1`, domainID)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "deleting acme challenges", err)
	}
	return nil
}

// --- Registry credentials ---

func (s *Store) GetRegistryCredential(ctx context.Context, projectID string) (*store.RegistryCredential, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT project_id, provider, username, encrypted_password, updated
		 FROM registry_credentials WHERE project_id = $1`, projectID)
	var c store.RegistryCredential
	if err := row.Scan(&c.ProjectID, &c.Provider, &c.Username, &c.EncryptedPassword, &c.Updated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.Wrap(apierr.NotFound, "registry credential not found", err)
		}
		return nil, apierr.Wrap(apierr.Internal, "querying registry credential", err)
	}
	return &c, nil
}

// isUniqueViolation matches the Postgres unique_violation SQLSTATE without
// importing pgconn's error type at every call site.
func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
