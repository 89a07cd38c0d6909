// Package extensions is the extension runtime: a registry of providers,
// one level-triggered reconciliation loop per provider driving a state
// machine over each project_extensions row, finalizer-ordered deletion,
// and the before-deployment fan-out that injects resources into new
// deployments.
package extensions

import (
	"context"
	"encoding/json"

	"github.com/risedotdev/rise/internal/store"
)

// Provider is the capability set an extension provider implements. One
// provider owns every row whose extension_type matches; no two providers
// ever write the same row's status.
type Provider interface {
	// ExtensionType is the stable tag selecting rows in the database.
	ExtensionType() string

	// Discovery metadata.
	DisplayName() string
	Description() string
	Documentation() string
	SpecSchema() json.RawMessage

	// ValidateSpec runs synchronously before any spec write.
	ValidateSpec(spec []byte) error

	// FormatStatus renders a short human string for read APIs.
	FormatStatus(status []byte) string

	// Reconcile drives one live row toward its desired state. Handlers
	// are idempotent and crash-safe: external resources are looked up by
	// deterministic name before being created. requeue reports that the
	// row is still transitional and wants the fast poll interval.
	Reconcile(ctx context.Context, row store.ProjectExtension) (requeue bool, err error)

	// ReconcileDeletion drives teardown of a soft-deleted row. Once every
	// external resource is freed the provider removes its finalizer from
	// the project and hard-deletes the row, then reports done.
	ReconcileDeletion(ctx context.Context, row store.ProjectExtension) (done bool, err error)

	// BeforeDeployment runs synchronously at deployment creation for
	// every project that has at least one row of this provider's type; it
	// may write rows into the deployment's env var snapshot. Returning an
	// error aborts the deployment.
	BeforeDeployment(ctx context.Context, deploymentID, projectID, deploymentGroup string) error
}

// SpecUpdateHandler is implemented by providers that need to react to a
// spec change immediately instead of waiting for the next tick.
type SpecUpdateHandler interface {
	OnSpecUpdated(ctx context.Context, projectID, extension string, oldSpec, newSpec []byte) error
}

// StatusEnvelope is the shared shape of every provider's status blob:
// a state tag plus the last error, with provider-specific fields around
// it.
type StatusEnvelope struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// StateOf extracts the state tag from a status blob, defaulting to
// "Pending" for an empty or unparseable one.
func StateOf(status []byte) string {
	if len(status) == 0 {
		return "Pending"
	}
	var env StatusEnvelope
	if err := json.Unmarshal(status, &env); err != nil || env.State == "" {
		return "Pending"
	}
	return env.State
}
