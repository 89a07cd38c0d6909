// Package providertest provides an in-memory Storage implementation for
// extension provider tests.
package providertest

import (
	"context"
	"sync"

	"github.com/risedotdev/rise/internal/apierr"
	"github.com/risedotdev/rise/internal/store"
)

// Storage implements the project/extension/deployment persistence slices
// over maps, with conflict detection on deployment env var keys matching
// the real store's unique constraint.
type Storage struct {
	mu           sync.Mutex
	project      *store.Project
	rows         map[string]*store.ProjectExtension
	envVars      map[string]store.DeploymentEnvVar
	activeGroups []string
	registryCred *store.RegistryCredential
}

func NewStorage(project *store.Project) *Storage {
	return &Storage{
		project: project,
		rows:    map[string]*store.ProjectExtension{},
		envVars: map[string]store.DeploymentEnvVar{},
	}
}

// AddRow seeds an extension row.
func (s *Storage) AddRow(row store.ProjectExtension) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := row
	s.rows[row.ProjectID+"/"+row.Extension] = &copied
}

// Row returns a snapshot of a row, or nil if it was hard-deleted.
func (s *Storage) Row(projectID, extension string) *store.ProjectExtension {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[projectID+"/"+extension]; ok {
		copied := *r
		return &copied
	}
	return nil
}

// Project returns a snapshot of the project, including its finalizers.
func (s *Storage) Project() store.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *s.project
	copied.Finalizers = append([]string(nil), s.project.Finalizers...)
	return copied
}

// SetActiveGroups controls what ListActiveDeploymentGroups reports.
func (s *Storage) SetActiveGroups(groups []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeGroups = groups
}

// EnvVars returns the deployment's env var snapshot keyed by name.
func (s *Storage) EnvVars(deploymentID string) map[string]store.DeploymentEnvVar {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]store.DeploymentEnvVar{}
	for _, v := range s.envVars {
		if v.DeploymentID == deploymentID {
			out[v.Key] = v
		}
	}
	return out
}

// --- store.ProjectStore ---

func (s *Storage) GetProject(_ context.Context, projectID string) (*store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project.ID == projectID {
		copied := *s.project
		return &copied, nil
	}
	return nil, apierr.New(apierr.NotFound, "project not found")
}

func (s *Storage) GetProjectByName(_ context.Context, name string) (*store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project.Name == name {
		copied := *s.project
		return &copied, nil
	}
	return nil, apierr.New(apierr.NotFound, "project not found")
}

func (s *Storage) AddFinalizer(_ context.Context, _, finalizer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.project.HasFinalizer(finalizer) {
		s.project.Finalizers = append(s.project.Finalizers, finalizer)
	}
	return nil
}

func (s *Storage) RemoveFinalizer(_ context.Context, _, finalizer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.project.Finalizers[:0]
	for _, f := range s.project.Finalizers {
		if f != finalizer {
			kept = append(kept, f)
		}
	}
	s.project.Finalizers = kept
	return nil
}

func (s *Storage) IsAppUser(context.Context, string, string) (bool, error) { return false, nil }

func (s *Storage) IsAppTeamMember(context.Context, string, string) (bool, error) {
	return false, nil
}

// --- store.ExtensionStore ---

func (s *Storage) GetExtension(_ context.Context, projectID, extension string) (*store.ProjectExtension, error) {
	if r := s.Row(projectID, extension); r != nil {
		return r, nil
	}
	return nil, apierr.New(apierr.NotFound, "extension not found")
}

func (s *Storage) ListExtensionsByType(_ context.Context, extensionType string) ([]store.ProjectExtension, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ProjectExtension
	for _, r := range s.rows {
		if r.ExtensionType == extensionType {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *Storage) ListExtensionsForProject(_ context.Context, projectID string) ([]store.ProjectExtension, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ProjectExtension
	for _, r := range s.rows {
		if r.ProjectID == projectID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *Storage) UpdateExtensionSpec(_ context.Context, projectID, extension string, spec []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[projectID+"/"+extension]; ok {
		r.Spec = spec
	}
	return nil
}

func (s *Storage) UpdateExtensionStatus(_ context.Context, projectID, extension string, status []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[projectID+"/"+extension]; ok {
		r.Status = status
	}
	return nil
}

func (s *Storage) HardDeleteExtension(_ context.Context, projectID, extension string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, projectID+"/"+extension)
	return nil
}

// --- store.DeploymentStore ---

func (s *Storage) InsertDeploymentEnvVar(_ context.Context, deploymentID, key, value string, isSecret bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := deploymentID + "/" + key
	if _, exists := s.envVars[k]; exists {
		return apierr.New(apierr.Conflict, "deployment env var already set")
	}
	s.envVars[k] = store.DeploymentEnvVar{DeploymentID: deploymentID, Key: key, Value: value, IsSecret: isSecret}
	return nil
}

func (s *Storage) ListDeploymentEnvVars(_ context.Context, deploymentID string) ([]store.DeploymentEnvVar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.DeploymentEnvVar
	for _, v := range s.envVars {
		if v.DeploymentID == deploymentID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *Storage) ListActiveDeploymentGroups(context.Context, string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.activeGroups...), nil
}

// --- store.RegistryStore ---

// SetRegistryCredential seeds the project's registry credential.
func (s *Storage) SetRegistryCredential(cred *store.RegistryCredential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registryCred = cred
}

func (s *Storage) GetRegistryCredential(_ context.Context, projectID string) (*store.RegistryCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registryCred != nil && s.registryCred.ProjectID == projectID {
		copied := *s.registryCred
		return &copied, nil
	}
	return nil, apierr.New(apierr.NotFound, "registry credential not found")
}
