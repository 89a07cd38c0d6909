package store

import (
	"context"
	"time"
)

// UserStore resolves and creates User rows for the sign-in flow.
type UserStore interface {
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	CreateUser(ctx context.Context, email string, isPlatformUser bool) (*User, error)
	SetIsPlatformUser(ctx context.Context, userID string, isPlatformUser bool) error
}

// TeamStore manages Team/TeamMembership rows for IdP group sync and
// membership checks.
type TeamStore interface {
	// GetTeamByName matches the name case-insensitively, the convention
	// for group/team name comparison throughout the platform.
	GetTeamByName(ctx context.Context, name string) (*Team, error)
	CreateIdPManagedTeam(ctx context.Context, name string) (*Team, error)
	ListIdPManagedTeamsForUser(ctx context.Context, userID string) ([]Team, error)
	ListMembers(ctx context.Context, teamID string) ([]TeamMembership, error)
	AddMember(ctx context.Context, teamID, userID string, role TeamRole) error
	RemoveMember(ctx context.Context, teamID, userID string) error
	IsMember(ctx context.Context, teamID, userID string) (bool, error)
}

// ProjectStore resolves projects and manages the finalizer set.
type ProjectStore interface {
	GetProject(ctx context.Context, projectID string) (*Project, error)
	GetProjectByName(ctx context.Context, name string) (*Project, error)
	AddFinalizer(ctx context.Context, projectID, finalizer string) error
	RemoveFinalizer(ctx context.Context, projectID, finalizer string) error
	// IsAppUser / IsAppTeamMember back the Member tier of the ingress
	// verifier.
	IsAppUser(ctx context.Context, projectID, userID string) (bool, error)
	IsAppTeamMember(ctx context.Context, projectID, userID string) (bool, error)
}

// ExtensionStore is the persistence surface the extension runtime and the
// token re-issuance server use.
type ExtensionStore interface {
	GetExtension(ctx context.Context, projectID, extension string) (*ProjectExtension, error)
	ListExtensionsByType(ctx context.Context, extensionType string) ([]ProjectExtension, error)
	ListExtensionsForProject(ctx context.Context, projectID string) ([]ProjectExtension, error)
	UpdateExtensionSpec(ctx context.Context, projectID, extension string, spec []byte) error
	UpdateExtensionStatus(ctx context.Context, projectID, extension string, status []byte) error
	HardDeleteExtension(ctx context.Context, projectID, extension string) error
}

// CustomDomainStore resolves custom domains for the ingress verifier and
// backs the certificate issuance loop.
type CustomDomainStore interface {
	GetCustomDomainByName(ctx context.Context, domainName string) (*CustomDomain, error)
	ListCustomDomains(ctx context.Context) ([]CustomDomain, error)
	UpdateCustomDomainCert(ctx context.Context, domainID string, status CustomDomainCertificateStatus, issuedAt, expiresAt *time.Time) error
	CreateAcmeChallenge(ctx context.Context, ch AcmeChallenge) error
	DeleteAcmeChallengesForDomain(ctx context.Context, domainID string) error
}

// DeploymentStore is the persistence surface deployment preparation and
// the before-deployment fan-out write through.
type DeploymentStore interface {
	InsertDeploymentEnvVar(ctx context.Context, deploymentID, key, value string, isSecret bool) error
	ListDeploymentEnvVars(ctx context.Context, deploymentID string) ([]DeploymentEnvVar, error)
	// ListActiveDeploymentGroups returns the deployment groups of a
	// project that still have a non-terminal deployment; providers use it
	// to garbage-collect per-group resources.
	ListActiveDeploymentGroups(ctx context.Context, projectID string) ([]string, error)
}

// RegistryStore reads the project's image registry credential.
type RegistryStore interface {
	GetRegistryCredential(ctx context.Context, projectID string) (*RegistryCredential, error)
}

// Storage is the union every component depends on, implemented once by
// internal/store/postgres.
type Storage interface {
	UserStore
	TeamStore
	ProjectStore
	ExtensionStore
	CustomDomainStore
	DeploymentStore
	RegistryStore
}
