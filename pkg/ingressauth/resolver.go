// Package ingressauth implements the auth-subrequest endpoint the cluster
// ingress mirrors every request to: the hostname resolves to a project,
// the project's access class selects a requirement tier, and the request
// token is verified against it.
package ingressauth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/risedotdev/rise/internal/apierr"
	"github.com/risedotdev/rise/internal/store"
)

// Resolved is the outcome of mapping a requested hostname to a project.
type Resolved struct {
	Project         *store.Project
	DeploymentGroup string
	ViaCustomDomain bool
}

// Resolver maps hostnames to projects: verified custom domains first,
// then the production and staging ingress URL templates inverted.
type Resolver struct {
	domains  store.CustomDomainStore
	projects store.ProjectStore
	prod     *hostMatcher
	staging  *hostMatcher
}

// NewResolver compiles the ingress URL templates. The production template
// must contain {project_name}; the staging one, when set, must also
// contain {deployment_group}. Both were validated at startup.
func NewResolver(domains store.CustomDomainStore, projects store.ProjectStore, prodTemplate, stagingTemplate string) (*Resolver, error) {
	prod, err := newHostMatcher(prodTemplate)
	if err != nil {
		return nil, fmt.Errorf("compiling production ingress template: %w", err)
	}

	r := &Resolver{domains: domains, projects: projects, prod: prod}
	if stagingTemplate != "" {
		staging, err := newHostMatcher(stagingTemplate)
		if err != nil {
			return nil, fmt.Errorf("compiling staging ingress template: %w", err)
		}
		r.staging = staging
	}
	return r, nil
}

// Resolve maps host to a project, returning NotFound when nothing claims
// the hostname.
func (r *Resolver) Resolve(ctx context.Context, host string) (*Resolved, error) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	domain, err := r.domains.GetCustomDomainByName(ctx, host)
	switch {
	case err == nil:
		if domain.VerificationStatus != store.DomainVerificationVerified {
			return nil, apierr.New(apierr.NotFound, "domain not verified")
		}
		project, err := r.projects.GetProject(ctx, domain.ProjectID)
		if err != nil {
			return nil, err
		}
		return &Resolved{Project: project, ViaCustomDomain: true}, nil
	case !isNotFound(err):
		return nil, err
	}

	for _, m := range []*hostMatcher{r.staging, r.prod} {
		if m == nil {
			continue
		}
		projectName, group, ok := m.match(host)
		if !ok {
			continue
		}
		project, err := r.projects.GetProjectByName(ctx, projectName)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		return &Resolved{Project: project, DeploymentGroup: group}, nil
	}

	return nil, apierr.New(apierr.NotFound, "no project serves this host")
}

// hostMatcher inverts an ingress URL template like
// "https://{project_name}.apps.rise.dev" into a hostname regexp.
type hostMatcher struct {
	re       *regexp.Regexp
	hasGroup bool
}

func newHostMatcher(template string) (*hostMatcher, error) {
	// url.Parse rejects the braces of a placeholder host, so the scheme and
	// path are cut off by hand.
	host := template
	if _, rest, ok := strings.Cut(host, "://"); ok {
		host = rest
	}
	host, _, _ = strings.Cut(host, "/")

	quoted := regexp.QuoteMeta(strings.ToLower(host))
	pattern := strings.NewReplacer(
		regexp.QuoteMeta("{project_name}"), `(?P<project_name>[a-z0-9][a-z0-9-]*)`,
		regexp.QuoteMeta("{deployment_group}"), `(?P<deployment_group>[a-z0-9][a-z0-9-]*)`,
	).Replace(quoted)

	re, err := regexp.Compile("^" + pattern + "$")
	if err != nil {
		return nil, fmt.Errorf("template %q: %w", template, err)
	}
	return &hostMatcher{re: re, hasGroup: strings.Contains(host, "{deployment_group}")}, nil
}

func (m *hostMatcher) match(host string) (projectName, deploymentGroup string, ok bool) {
	sub := m.re.FindStringSubmatch(host)
	if sub == nil {
		return "", "", false
	}
	for i, name := range m.re.SubexpNames() {
		switch name {
		case "project_name":
			projectName = sub[i]
		case "deployment_group":
			deploymentGroup = sub[i]
		}
	}
	return projectName, deploymentGroup, projectName != ""
}

func isNotFound(err error) bool {
	var e *apierr.Error
	return errors.As(err, &e) && e.Kind == apierr.NotFound
}
