// Package store defines the persistent entities of the platform and the
// interfaces each component uses to read or write them. Concrete
// persistence lives in internal/store/postgres; the plain CRUD HTTP
// surface over these entities lives outside this module — only the
// operations the auth, ingress, extension, and deployment cores need are
// exposed here.
package store

import "time"

// ProjectStatus enumerates the lifecycle of a Project.
type ProjectStatus string

const (
	ProjectStatusActive   ProjectStatus = "active"
	ProjectStatusDeleting ProjectStatus = "deleting"
)

// Project is a deployable unit owned by exactly one user or one team.
// It may not be hard-deleted while Finalizers is non-empty.
type Project struct {
	ID                 string
	Name               string
	Status             ProjectStatus
	AccessClass        string
	OwnerUserID        *string
	OwnerTeamID        *string
	ActiveDeploymentID *string
	Finalizers         []string
	Created            time.Time
	Updated            time.Time
}

// HasFinalizer reports whether name is present in the project's finalizer set.
func (p *Project) HasFinalizer(name string) bool {
	for _, f := range p.Finalizers {
		if f == name {
			return true
		}
	}
	return false
}

// User is created on first successful IdP login; IsPlatformUser is
// re-evaluated against the access policy on every login.
type User struct {
	ID             string
	Email          string
	IsPlatformUser bool
	Created        time.Time
	Updated        time.Time
}

// TeamRole is a TeamMembership role.
type TeamRole string

const (
	TeamRoleOwner  TeamRole = "owner"
	TeamRoleMember TeamRole = "member"
)

// Team groups users. IdP-managed teams are overwritten from the IdP
// groups claim on each login; user-created teams are never touched by
// sync.
type Team struct {
	ID         string
	Name       string
	IdPManaged bool
	Created    time.Time
	Updated    time.Time
}

// TeamMembership links a user into a team with a role.
type TeamMembership struct {
	TeamID string
	UserID string
	Role   TeamRole
}

// DeploymentStatus is the deployment lifecycle state. The full member
// set belongs to the deployment controller; this module treats it as an
// opaque string it reads and compares, never a closed enum it switches
// over exhaustively.
type DeploymentStatus string

const (
	DeploymentStatusPending    DeploymentStatus = "pending"
	DeploymentStatusRunning    DeploymentStatus = "running"
	DeploymentStatusSuperseded DeploymentStatus = "superseded"
	DeploymentStatusFailed     DeploymentStatus = "failed"
)

// Deployment is one pushed image running (or having run) in a project's
// deployment group.
type Deployment struct {
	ID                 string
	DeploymentID       string // human-readable YYYYMMDD-HHMMSS-xxxx
	ProjectID          string
	CreatedByID        string
	DeploymentGroup    string
	Status             DeploymentStatus
	Image              string
	ImageDigest        string
	ExpiresAt          *time.Time
	ControllerMetadata []byte // opaque JSON
	Created            time.Time
}

// DeploymentEnvVar is one entry of the env var snapshot taken at
// deployment creation; the snapshot is immutable afterward.
type DeploymentEnvVar struct {
	DeploymentID string
	Key          string
	Value        string
	IsSecret     bool
}

// ProjectEnvVar is a mutable project-level env var, encrypted at rest
// when secret.
type ProjectEnvVar struct {
	ProjectID              string
	Key                    string
	ValueEncryptedIfSecret string
	IsSecret               bool
	IsProtected            bool
}

// ProjectExtension is a per-project declarative resource: Spec is the
// user-declared desired state, Status the observed state owned by
// exactly one provider loop (the one whose type matches ExtensionType).
type ProjectExtension struct {
	ProjectID     string
	Extension     string // per-project unique name
	ExtensionType string // selects the owning provider
	Spec          []byte // user-declared desired state (JSON)
	Status        []byte // provider-owned observed state (JSON)
	Created       time.Time
	Updated       time.Time
	DeletedAt     *time.Time
}

// IsDeleting reports whether the row has been soft-deleted and is in the
// deletion substate machine.
func (e *ProjectExtension) IsDeleting() bool {
	return e.DeletedAt != nil
}

// CustomDomainVerificationStatus tracks domain ownership verification.
type CustomDomainVerificationStatus string

const (
	DomainVerificationPending  CustomDomainVerificationStatus = "pending"
	DomainVerificationVerified CustomDomainVerificationStatus = "verified"
	DomainVerificationFailed   CustomDomainVerificationStatus = "failed"
)

// CustomDomainCertificateStatus tracks certificate issuance.
type CustomDomainCertificateStatus string

const (
	CertStatusNone    CustomDomainCertificateStatus = "none"
	CertStatusPending CustomDomainCertificateStatus = "pending"
	CertStatusIssued  CustomDomainCertificateStatus = "issued"
	CertStatusFailed  CustomDomainCertificateStatus = "failed"
	CertStatusExpired CustomDomainCertificateStatus = "expired"
)

// CustomDomain maps a user-owned hostname onto a project.
type CustomDomain struct {
	ID                 string
	ProjectID          string
	DomainName         string
	VerificationStatus CustomDomainVerificationStatus
	VerifiedAt         *time.Time
	CertificateStatus  CustomDomainCertificateStatus
	CertIssuedAt       *time.Time
	CertExpiresAt      *time.Time
}

// AcmeChallenge is one outstanding DNS record the domain owner must
// publish for certificate issuance.
type AcmeChallenge struct {
	ID            string
	DomainID      string
	ChallengeType string
	RecordName    string
	RecordValue   string
	Status        string
	ExpiresAt     time.Time
}

// RegistryCredential holds a project's image registry login; the
// password is encrypted at rest and decrypted only into deployment env
// var snapshots.
type RegistryCredential struct {
	ProjectID         string
	Provider          string // "ecr" | "docker" | "artifactory"
	Username          string
	EncryptedPassword string
	Updated           time.Time
}
