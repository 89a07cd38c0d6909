// Package deploy runs the synchronous preparation step of deployment
// creation: the extension before-deployment fan-out plus registry
// credential injection. The deployment CRUD surface calls Prepare once
// per new deployment, before the deployment controller picks it up.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/risedotdev/rise/internal/apierr"
	"github.com/risedotdev/rise/internal/store"
	"github.com/risedotdev/rise/pkg/encryption"
	"github.com/risedotdev/rise/pkg/extensions"
)

// Env var keys for the registry credential, shared by every project.
const (
	EnvRegistryServer   = "RISE_REGISTRY_SERVER"
	EnvRegistryUsername = "RISE_REGISTRY_USERNAME"
	EnvRegistryPassword = "RISE_REGISTRY_PASSWORD"
)

// Storage is the persistence slice Prepare needs.
type Storage interface {
	store.ExtensionStore
	store.DeploymentStore
	store.RegistryStore
}

// Service prepares new deployments.
type Service struct {
	registry *extensions.Registry
	storage  Storage
	enc      encryption.Encryptor
	logger   *slog.Logger

	// registryServer is the managed registry hostname baked into every
	// deployment's pull credentials.
	registryServer string
}

func NewService(registry *extensions.Registry, storage Storage, enc encryption.Encryptor, registryServer string, logger *slog.Logger) *Service {
	return &Service{
		registry:       registry,
		storage:        storage,
		enc:            enc,
		registryServer: registryServer,
		logger:         logger,
	}
}

// Prepare writes the deployment's env var snapshot: registry pull
// credentials first, then every enabled extension's injection in
// parallel. The snapshot is immutable afterward; any failure aborts the
// deployment.
func (s *Service) Prepare(ctx context.Context, deploymentID, projectID, deploymentGroup string) error {
	if err := s.injectRegistryCredential(ctx, deploymentID, projectID); err != nil {
		return fmt.Errorf("injecting registry credential: %w", err)
	}

	if err := extensions.RunBeforeDeployment(ctx, s.registry, s.storage, deploymentID, projectID, deploymentGroup, s.logger); err != nil {
		return fmt.Errorf("running extension hooks: %w", err)
	}
	return nil
}

// injectRegistryCredential decrypts the project's registry password and
// snapshots it for the deployment. A project without a credential pulls
// anonymously.
func (s *Service) injectRegistryCredential(ctx context.Context, deploymentID, projectID string) error {
	cred, err := s.storage.GetRegistryCredential(ctx, projectID)
	if err != nil {
		if e, ok := apierr.As(err); ok && e.Kind == apierr.NotFound {
			return nil
		}
		return err
	}

	password, err := encryption.DecryptString(ctx, s.enc, cred.EncryptedPassword)
	if err != nil {
		// A credential that no longer decrypts must not block deploys of
		// public images; log and fall back to anonymous pulls.
		if errors.Is(err, encryption.ErrDecryptFailed) || errors.Is(err, encryption.ErrDecodeFailed) {
			s.logger.Error("registry credential is undecryptable, deploying without it",
				"project_id", projectID, "error", err)
			return nil
		}
		return err
	}

	for _, v := range []struct {
		key    string
		value  string
		secret bool
	}{
		{EnvRegistryServer, s.registryServer, false},
		{EnvRegistryUsername, cred.Username, false},
		{EnvRegistryPassword, password, true},
	} {
		if err := s.storage.InsertDeploymentEnvVar(ctx, deploymentID, v.key, v.value, v.secret); err != nil {
			return err
		}
	}
	return nil
}
