package ingressauth

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/risedotdev/rise/internal/store"
	"github.com/risedotdev/rise/internal/telemetry"
	"github.com/risedotdev/rise/pkg/auth"
)

// Requirement is the authentication tier an access class demands.
type Requirement string

const (
	RequirementNone          Requirement = "None"
	RequirementAuthenticated Requirement = "Authenticated"
	RequirementMember        Requirement = "Member"
)

// Subrequest headers set by the ingress and response headers it consumes.
const (
	HeaderOriginalHost = "X-Original-Host"
	HeaderOriginalURI  = "X-Original-URI"
	HeaderUserEmail    = "X-Rise-User-Email"
	HeaderUserID       = "X-Rise-User-Id"
	HeaderProject      = "X-Rise-Project"
	HeaderSignInURL    = "X-Rise-Sign-In-URL"
)

// Config is the verifier's static configuration.
type Config struct {
	// AccessRequirements maps access_class ids to requirement tiers.
	AccessRequirements map[string]Requirement
	// AdminEmails always pass the Member tier, matched case-insensitively.
	AdminEmails []string
	// SignInBaseURL is the public platform URL hosting /auth/signin/start.
	SignInBaseURL string
}

// Verifier answers the ingress auth subrequest.
type Verifier struct {
	cfg      Config
	resolver *Resolver
	tokens   *auth.TokenIssuer
	projects store.ProjectStore
	teams    store.TeamStore
	logger   *slog.Logger
}

func NewVerifier(cfg Config, resolver *Resolver, tokens *auth.TokenIssuer, projects store.ProjectStore, teams store.TeamStore, logger *slog.Logger) *Verifier {
	return &Verifier{
		cfg:      cfg,
		resolver: resolver,
		tokens:   tokens,
		projects: projects,
		teams:    teams,
		logger:   logger,
	}
}

// Mount attaches the subrequest endpoint.
func (v *Verifier) Mount(r chi.Router) {
	r.Get("/auth/ingress", v.HandleVerify)
}

// HandleVerify resolves the project behind X-Original-Host, applies its
// access requirement, and answers 200 (allow) or 401 with a sign-in URL.
// Any lookup failure on the membership path denies: this endpoint fails
// closed.
func (v *Verifier) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	host := r.Header.Get(HeaderOriginalHost)
	if host == "" {
		telemetry.IngressVerifyTotal.WithLabelValues("bad_request").Inc()
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	resolved, err := v.resolver.Resolve(ctx, host)
	if err != nil {
		if isNotFound(err) {
			telemetry.IngressVerifyTotal.WithLabelValues("unknown_host").Inc()
			w.WriteHeader(http.StatusNotFound)
			return
		}
		v.logger.Error("ingress verify: resolving host", "host", host, "error", err)
		w.WriteHeader(http.StatusNotFound)
		return
	}
	project := resolved.Project

	requirement, ok := v.cfg.AccessRequirements[project.AccessClass]
	if !ok {
		// An unmapped class falls back to the Member tier rather than
		// opening the app.
		v.logger.Warn("ingress verify: project has unmapped access class, requiring membership",
			"project", project.Name, "access_class", project.AccessClass)
		requirement = RequirementMember
	}

	if requirement == RequirementNone {
		telemetry.IngressVerifyTotal.WithLabelValues("allow").Inc()
		w.Header().Set(HeaderProject, project.Name)
		w.WriteHeader(http.StatusOK)
		return
	}

	raw := auth.BearerOrCookieToken(r, auth.IngressCookieName)
	if raw == "" {
		v.deny(w, r, resolved, "no_token")
		return
	}

	claims, err := v.tokens.VerifyIngressToken(raw)
	if err != nil {
		v.logger.Debug("ingress verify: token rejected", "host", host, "error", err)
		v.deny(w, r, resolved, "invalid_token")
		return
	}
	if claims.Project != project.Name {
		v.deny(w, r, resolved, "wrong_project")
		return
	}

	if requirement == RequirementMember && !v.isAdmin(claims.Email) {
		member, err := v.isMember(ctx, project, claims.Subject)
		if err != nil {
			v.logger.Error("ingress verify: membership lookup failed, denying",
				"project", project.Name, "error", err)
			v.deny(w, r, resolved, "lookup_failed")
			return
		}
		if !member {
			v.deny(w, r, resolved, "not_member")
			return
		}
	}

	telemetry.IngressVerifyTotal.WithLabelValues("allow").Inc()
	w.Header().Set(HeaderUserEmail, claims.Email)
	w.Header().Set(HeaderUserID, claims.Subject)
	w.Header().Set(HeaderProject, project.Name)
	w.WriteHeader(http.StatusOK)
}

// isMember checks the four Member-tier grants: owner user, owner team
// member, app user, app team member.
func (v *Verifier) isMember(ctx context.Context, project *store.Project, userID string) (bool, error) {
	if project.OwnerUserID != nil && *project.OwnerUserID == userID {
		return true, nil
	}
	if project.OwnerTeamID != nil {
		ok, err := v.teams.IsMember(ctx, *project.OwnerTeamID, userID)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	ok, err := v.projects.IsAppUser(ctx, project.ID, userID)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	return v.projects.IsAppTeamMember(ctx, project.ID, userID)
}

func (v *Verifier) isAdmin(email string) bool {
	for _, admin := range v.cfg.AdminEmails {
		if strings.EqualFold(admin, email) {
			return true
		}
	}
	return false
}

// deny answers 401 with the sign-in URL the ingress turns into a
// redirect. The body stays empty.
func (v *Verifier) deny(w http.ResponseWriter, r *http.Request, resolved *Resolved, reason string) {
	telemetry.IngressVerifyTotal.WithLabelValues(reason).Inc()
	w.Header().Set(HeaderSignInURL, v.signInURL(r, resolved))
	w.WriteHeader(http.StatusUnauthorized)
}

func (v *Verifier) signInURL(r *http.Request, resolved *Resolved) string {
	host := r.Header.Get(HeaderOriginalHost)
	uri := r.Header.Get(HeaderOriginalURI)
	if uri == "" {
		uri = "/"
	}

	params := url.Values{}
	params.Set("project_name", resolved.Project.Name)
	params.Set("redirect_url", "https://"+host+uri)
	if resolved.ViaCustomDomain {
		params.Set("custom_domain_callback_url", "https://"+host+"/auth/callback/custom-domain")
	}

	return strings.TrimRight(v.cfg.SignInBaseURL, "/") + "/auth/signin/start?" + params.Encode()
}
