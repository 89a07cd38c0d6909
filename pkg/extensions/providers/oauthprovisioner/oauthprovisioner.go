// Package oauthprovisioner manages "oauth" extensions: it validates the
// upstream delegation spec, mints the Rise-issued confidential client
// credentials the token re-issuance surface verifies, and injects the
// per-project OAuth endpoints into deployments.
package oauthprovisioner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/risedotdev/rise/internal/idgen"
	"github.com/risedotdev/rise/internal/store"
	"github.com/risedotdev/rise/internal/telemetry"
	"github.com/risedotdev/rise/pkg/encryption"
	"github.com/risedotdev/rise/pkg/extensions"
	"github.com/risedotdev/rise/pkg/oauth2server"
)

// States. There is no cloud resource here; provisioning mints the Rise
// client credentials and settles.
const (
	StatePending            = "Pending"
	StateProvisioningClient = "ProvisioningClient"
	StateAvailable          = "Available"
	StateFailed             = "Failed"
	StateDeleting           = "Deleting"
)

// Status is the provider-owned observed state. InitialClientSecret is
// surfaced exactly once: it is present while the row settles into
// Available and blanked on the next pass.
type Status struct {
	State               string `json:"state"`
	Error               string `json:"error,omitempty"`
	RiseClientID        string `json:"rise_client_id,omitempty"`
	InitialClientSecret string `json:"initial_client_secret,omitempty"`
}

// Storage is the persistence slice the provider needs.
type Storage interface {
	store.ProjectStore
	store.ExtensionStore
	store.DeploymentStore
}

// Provider implements extensions.Provider for upstream OAuth delegation.
type Provider struct {
	enc       encryption.Encryptor
	storage   Storage
	publicURL string
	logger    *slog.Logger
}

var _ extensions.Provider = (*Provider)(nil)
var _ extensions.SpecUpdateHandler = (*Provider)(nil)

func New(enc encryption.Encryptor, storage Storage, publicURL string, logger *slog.Logger) *Provider {
	return &Provider{
		enc:       enc,
		storage:   storage,
		publicURL: strings.TrimRight(publicURL, "/"),
		logger:    logger.With("provider", oauth2server.ExtensionType),
	}
}

func (p *Provider) ExtensionType() string { return oauth2server.ExtensionType }
func (p *Provider) DisplayName() string   { return "OAuth Provider Delegation" }

func (p *Provider) Description() string {
	return "Re-issues tokens from an upstream OAuth provider through a project-scoped authorization server."
}

func (p *Provider) Documentation() string {
	return "Declare the upstream authorize/token URLs and client credentials; the app talks to /oidc/{project}/{extension} and never sees the upstream secret."
}

func (p *Provider) SpecSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"provider": {"type": "string"},
			"authorize_url": {"type": "string"},
			"token_url": {"type": "string"},
			"client_id": {"type": "string"},
			"client_secret_env": {"type": "string"},
			"client_secret_encrypted": {"type": "string"},
			"scopes": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["authorize_url", "token_url", "client_id"]
	}`)
}

func (p *Provider) ValidateSpec(raw []byte) error {
	_, err := oauth2server.ParseSpec(raw)
	return err
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

func (p *Provider) Reconcile(ctx context.Context, row store.ProjectExtension) (bool, error) {
	status := parseStatus(row.Status)
	spec, err := oauth2server.ParseSpec(row.Spec)
	if err != nil {
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
		finalizer := idgen.FinalizerName(oauth2server.ExtensionType, row.Extension)
		if err := p.storage.AddFinalizer(ctx, row.ProjectID, finalizer); err != nil {
			return false, fmt.Errorf("adding finalizer: %w", err)
		}
		status.State = StateProvisioningClient
		status.Error = ""

	case StateProvisioningClient:
		if spec.RiseClientID == "" {
			secret := idgen.RawToken(24)
			encrypted, err := encryption.EncryptString(ctx, p.enc, secret)
			if err != nil {
				return p.toFailed(ctx, row, status, fmt.Errorf("encrypting rise client secret: %w", err))
			}
			spec.RiseClientID = "rise_" + idgen.RawToken(8)
			spec.RiseClientSecretEncrypted = encrypted

			rawSpec, err := json.Marshal(spec)
			if err != nil {
				return p.toFailed(ctx, row, status, fmt.Errorf("encoding spec: %w", err))
			}
			if err := p.storage.UpdateExtensionSpec(ctx, row.ProjectID, row.Extension, rawSpec); err != nil {
				return p.toFailed(ctx, row, status, err)
			}
			// The plaintext secret is readable from status until the next
			// pass blanks it; after that only the encrypted copy exists.
			status.InitialClientSecret = secret
		}
		status.RiseClientID = spec.RiseClientID
		status.State = StateAvailable
		status.Error = ""

	case StateAvailable:
		if status.InitialClientSecret != "" {
			status.InitialClientSecret = ""
			if err := p.writeStatus(ctx, row, status); err != nil {
				return false, err
			}
		}
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
		telemetry.ReconcileStateTransitionsTotal.WithLabelValues(oauth2server.ExtensionType, from, status.State).Inc()
	}
	return status.State != StateAvailable, nil
}

// ReconcileDeletion has no external resources to free: the credentials
// die with the row.
func (p *Provider) ReconcileDeletion(ctx context.Context, row store.ProjectExtension) (bool, error) {
	finalizer := idgen.FinalizerName(oauth2server.ExtensionType, row.Extension)
	if err := p.storage.RemoveFinalizer(ctx, row.ProjectID, finalizer); err != nil {
		return false, fmt.Errorf("removing finalizer: %w", err)
	}
	if err := p.storage.HardDeleteExtension(ctx, row.ProjectID, row.Extension); err != nil {
		return false, err
	}
	p.logger.Info("oauth extension deleted",
		"project_id", row.ProjectID, "extension", row.Extension)
	return true, nil
}

// BeforeDeployment injects the endpoints and Rise client credentials the
// app uses against the re-issuance surface.
func (p *Provider) BeforeDeployment(ctx context.Context, deploymentID, projectID, _ string) error {
	rows, err := p.storage.ListExtensionsForProject(ctx, projectID)
	if err != nil {
		return err
	}
	project, err := p.storage.GetProject(ctx, projectID)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if row.ExtensionType != oauth2server.ExtensionType || row.IsDeleting() {
			continue
		}
		status := parseStatus(row.Status)
		if status.State != StateAvailable {
			return fmt.Errorf("extension %q: oauth delegation is not ready (state %s)", row.Extension, status.State)
		}
		spec, err := oauth2server.ParseSpec(row.Spec)
		if err != nil {
			return fmt.Errorf("extension %q: %w", row.Extension, err)
		}

		base := fmt.Sprintf("%s/oidc/%s/%s", p.publicURL, project.Name, row.Extension)
		prefix := envPrefix(row.Extension)

		vars := []struct {
			key    string
			value  string
			secret bool
		}{
			{prefix + "_OAUTH_AUTHORIZE_URL", base + "/authorize", false},
			{prefix + "_OAUTH_TOKEN_URL", base + "/token", false},
		}
		if spec.RiseClientID != "" {
			vars = append(vars, struct {
				key    string
				value  string
				secret bool
			}{prefix + "_OAUTH_CLIENT_ID", spec.RiseClientID, false})
		}
		if spec.RiseClientSecretEncrypted != "" {
			secret, err := spec.RiseClientSecret(ctx, p.enc)
			if err != nil {
				return fmt.Errorf("extension %q: %w", row.Extension, err)
			}
			vars = append(vars, struct {
				key    string
				value  string
				secret bool
			}{prefix + "_OAUTH_CLIENT_SECRET", secret, true})
		}

		for _, v := range vars {
			if err := p.storage.InsertDeploymentEnvVar(ctx, deploymentID, v.key, v.value, v.secret); err != nil {
				return err
			}
		}
	}
	return nil
}

// OnSpecUpdated re-validates immediately so a broken upstream URL is
// caught between ticks.
func (p *Provider) OnSpecUpdated(_ context.Context, projectID, extension string, _, newSpec []byte) error {
	if _, err := oauth2server.ParseSpec(newSpec); err != nil {
		p.logger.Warn("oauth spec updated to an invalid value",
			"project_id", projectID, "extension", extension, "error", err)
		return err
	}
	return nil
}

func (p *Provider) toFailed(ctx context.Context, row store.ProjectExtension, status Status, cause error) (bool, error) {
	status.State = StateFailed
	status.Error = cause.Error()
	if err := p.writeStatus(ctx, row, status); err != nil {
		return false, err
	}
	return false, cause
}

func (p *Provider) writeStatus(ctx context.Context, row store.ProjectExtension, status Status) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}
	return p.storage.UpdateExtensionStatus(ctx, row.ProjectID, row.Extension, raw)
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
