package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/risedotdev/rise/internal/apierr"
	"github.com/risedotdev/rise/internal/httpserver"
	"github.com/risedotdev/rise/internal/idgen"
	"github.com/risedotdev/rise/internal/store"
	"github.com/risedotdev/rise/internal/telemetry"
	"github.com/risedotdev/rise/pkg/accesspolicy"
	"github.com/risedotdev/rise/pkg/team"
)

// Flow types recorded in OAuth2State.
const (
	flowPlatform = "platform"
	flowIngress  = "ingress"
	flowDevice   = "device"
)

// FlowConfig carries the static configuration of the sign-in flow.
type FlowConfig struct {
	// PublicURL is the externally visible base URL; the IdP redirects back
	// to PublicURL + "/auth/callback".
	PublicURL        string
	Cookie           CookieConfig
	Policy           accesspolicy.Config
	GroupSyncEnabled bool
}

// Flow orchestrates sign-in: PKCE generation, the IdP round trip, user
// resolution, token minting and cookie handling.
type Flow struct {
	cfg       FlowConfig
	idp       *IdPClient
	tokens    *TokenIssuer
	states    *StateStore
	completed *CompletedAuthStore
	devices   *DeviceStore
	users     store.UserStore
	teamSync  *team.Syncer
	logger    *slog.Logger
}

func NewFlow(
	cfg FlowConfig,
	idp *IdPClient,
	tokens *TokenIssuer,
	cache StateCache,
	users store.UserStore,
	teamSync *team.Syncer,
	logger *slog.Logger,
) *Flow {
	return &Flow{
		cfg:       cfg,
		idp:       idp,
		tokens:    tokens,
		states:    NewStateStore(cache),
		completed: NewCompletedAuthStore(cache),
		devices:   NewDeviceStore(cache),
		users:     users,
		teamSync:  teamSync,
		logger:    logger,
	}
}

// Mount attaches the sign-in surface to the router.
func (f *Flow) Mount(r chi.Router) {
	r.Get("/auth/signin/start", f.HandleSignInStart)
	r.Get("/auth/callback", f.HandleCallback)
	r.Get("/auth/callback/custom-domain", f.HandleCustomDomainCallback)
	r.Get("/auth/logout", f.HandleLogout)
	r.Get("/me", f.HandleMe)
	r.Post("/auth/device/code", f.HandleDeviceCode)
	r.Get("/auth/device/approve", f.HandleDeviceApprove)
	r.Post("/auth/device/token", f.HandleDeviceToken)
}

// HandleSignInStart begins the authorization-code flow: PKCE material is
// generated, the flow state is stashed under a random token, and the
// client is redirected to the IdP.
func (f *Flow) HandleSignInStart(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	state := OAuth2State{
		CodeVerifier:            idgen.CodeVerifier(),
		RedirectURL:             q.Get("redirect_url"),
		ProjectName:             q.Get("project_name"),
		CustomDomainCallbackURL: q.Get("custom_domain_callback_url"),
		FlowType:                flowPlatform,
		DeviceCode:              q.Get("device_code"),
	}
	if state.ProjectName != "" {
		state.FlowType = flowIngress
	} else if state.DeviceCode != "" {
		state.FlowType = flowDevice
	}

	stateToken := idgen.State()
	if err := f.states.Put(r.Context(), stateToken, state); err != nil {
		f.fail(w, r, apierr.Wrap(apierr.Internal, "failed to start sign-in", err))
		return
	}

	telemetry.SignInsStartedTotal.Inc()

	challenge := idgen.CodeChallengeS256(state.CodeVerifier)
	http.Redirect(w, r, f.idp.AuthCodeURL(stateToken, challenge), http.StatusFound)
}

// HandleCallback completes the flow when the IdP redirects back.
func (f *Flow) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if errParam := q.Get("error"); errParam != "" {
		f.logger.Warn("idp returned error on callback",
			"error", errParam, "description", q.Get("error_description"))
		f.fail(w, r, apierr.New(apierr.Unauthorized, "authentication failed: "+errParam))
		return
	}

	stateToken := q.Get("state")
	if stateToken == "" {
		f.fail(w, r, apierr.New(apierr.BadRequest, "missing state parameter"))
		return
	}
	state, err := f.states.Take(ctx, stateToken)
	switch {
	case errors.Is(err, ErrStateExpired):
		f.fail(w, r, apierr.New(apierr.BadRequest, "sign-in session expired, start again"))
		return
	case errors.Is(err, ErrStateNotFound):
		f.fail(w, r, apierr.New(apierr.BadRequest, "unknown sign-in state"))
		return
	case err != nil:
		f.fail(w, r, apierr.Wrap(apierr.Internal, "failed to load sign-in state", err))
		return
	}

	code := q.Get("code")
	if code == "" {
		f.fail(w, r, apierr.New(apierr.BadRequest, "missing code parameter"))
		return
	}

	claims, err := f.idp.Exchange(ctx, code, state.CodeVerifier)
	if err != nil {
		f.fail(w, r, apierr.Wrap(apierr.Unauthorized, "code exchange failed", err))
		return
	}

	user, err := f.resolveUser(ctx, claims)
	if err != nil {
		f.fail(w, r, err)
		return
	}

	if f.cfg.GroupSyncEnabled && claims.Groups != nil {
		if err := f.teamSync.Sync(ctx, user.ID, claims.Groups); err != nil {
			// Group sync failure degrades membership freshness, not login.
			f.logger.Error("idp group sync failed", "user_id", user.ID, "error", err)
		}
	}

	platformToken, err := f.tokens.MintPlatformToken(PlatformClaims{
		Subject: user.ID, Email: user.Email, Name: claims.Name,
	})
	if err != nil {
		f.fail(w, r, apierr.Wrap(apierr.Internal, "failed to issue session token", err))
		return
	}

	// The ingress token is project-scoped; a sign-in that carries no
	// project yields only the platform cookie.
	var ingressToken string
	if state.ProjectName != "" {
		ingressToken, err = f.tokens.MintIngressToken(IngressClaims{
			Subject: user.ID, Email: user.Email, Name: claims.Name, Project: state.ProjectName,
		})
		if err != nil {
			f.fail(w, r, apierr.Wrap(apierr.Internal, "failed to issue ingress token", err))
			return
		}
	}

	if state.FlowType == flowDevice && state.DeviceCode != "" {
		if err := f.devices.Approve(ctx, state.DeviceCode, platformToken); err != nil {
			f.fail(w, r, apierr.Wrap(apierr.Internal, "failed to complete device sign-in", err))
			return
		}
		telemetry.SignInsCompletedTotal.Inc()
		httpserver.Respond(w, http.StatusOK, map[string]string{
			"status": "signed in, return to your terminal",
		})
		return
	}

	SetAuthCookies(w, f.cfg.Cookie, platformToken, ingressToken)
	telemetry.SignInsCompletedTotal.Inc()

	// An ingress flow that started on a custom domain cannot rely on the
	// parent-domain cookie; bridge the finished session across with a
	// one-time token redeemed on the custom domain.
	if state.FlowType == flowIngress && state.CustomDomainCallbackURL != "" {
		sessionToken := idgen.CompletedAuthSessionToken()
		err := f.completed.Put(ctx, sessionToken, CompletedAuthSession{
			PlatformToken: platformToken,
			IngressToken:  ingressToken,
			RedirectURL:   state.RedirectURL,
		})
		if err != nil {
			f.fail(w, r, apierr.Wrap(apierr.Internal, "failed to bridge sign-in session", err))
			return
		}
		cb, err := url.Parse(state.CustomDomainCallbackURL)
		if err != nil {
			f.fail(w, r, apierr.New(apierr.BadRequest, "invalid custom domain callback url"))
			return
		}
		params := cb.Query()
		params.Set("auth_session", sessionToken)
		cb.RawQuery = params.Encode()
		http.Redirect(w, r, cb.String(), http.StatusFound)
		return
	}

	redirect := state.RedirectURL
	if redirect == "" {
		redirect = "/"
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// HandleCustomDomainCallback redeems the one-time completed-auth token on
// a custom domain and sets host-scoped cookies there.
func (f *Flow) HandleCustomDomainCallback(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("auth_session")
	if token == "" {
		f.fail(w, r, apierr.New(apierr.BadRequest, "missing auth_session parameter"))
		return
	}

	session, err := f.completed.Take(r.Context(), token)
	switch {
	case errors.Is(err, ErrStateNotFound), errors.Is(err, ErrStateExpired):
		f.fail(w, r, apierr.New(apierr.BadRequest, "sign-in session invalid or expired"))
		return
	case err != nil:
		f.fail(w, r, apierr.Wrap(apierr.Internal, "failed to load sign-in session", err))
		return
	}

	// Host-only cookies: the Domain attribute is dropped so the browser
	// scopes them to the custom domain serving this request.
	hostCookie := CookieConfig{Secure: f.cfg.Cookie.Secure, MaxAge: f.cfg.Cookie.MaxAge}
	SetAuthCookies(w, hostCookie, session.PlatformToken, session.IngressToken)

	redirect := session.RedirectURL
	if redirect == "" {
		redirect = "/"
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// HandleLogout clears both cookies and returns to the root.
func (f *Flow) HandleLogout(w http.ResponseWriter, r *http.Request) {
	ClearAuthCookies(w, f.cfg.Cookie)
	http.Redirect(w, r, "/", http.StatusFound)
}

// HandleMe returns the authenticated platform principal.
func (f *Flow) HandleMe(w http.ResponseWriter, r *http.Request) {
	raw := BearerOrCookieToken(r, SessionCookieName)
	if raw == "" {
		f.fail(w, r, apierr.New(apierr.Unauthorized, "not signed in"))
		return
	}
	claims, err := f.tokens.VerifyPlatformToken(raw)
	if err != nil {
		f.fail(w, r, apierr.Wrap(apierr.Unauthorized, "invalid session", err))
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{
		"id":    claims.Subject,
		"email": claims.Email,
		"name":  claims.Name,
	})
}

// resolveUser finds or creates the user row and re-evaluates platform
// access on every login.
func (f *Flow) resolveUser(ctx context.Context, claims *IdPClaims) (*store.User, error) {
	isPlatform := accesspolicy.Evaluate(f.cfg.Policy, claims.Email, claims.Groups)

	user, err := f.users.FindUserByEmail(ctx, claims.Email)
	if err != nil {
		if e, ok := apierr.As(err); ok && e.Kind == apierr.NotFound {
			created, err := f.users.CreateUser(ctx, claims.Email, isPlatform)
			if err != nil {
				return nil, apierr.Wrap(apierr.Internal, "failed to create user", err)
			}
			f.logger.Info("created user on first login", "user_id", created.ID, "email", created.Email)
			return created, nil
		}
		return nil, apierr.Wrap(apierr.Internal, "failed to resolve user", err)
	}

	if user.IsPlatformUser != isPlatform {
		if err := f.users.SetIsPlatformUser(ctx, user.ID, isPlatform); err != nil {
			return nil, apierr.Wrap(apierr.Internal, "failed to update platform access", err)
		}
		user.IsPlatformUser = isPlatform
	}
	return user, nil
}

func (f *Flow) fail(w http.ResponseWriter, r *http.Request, err error) {
	httpserver.WriteAPIError(w, f.logger, httpserver.RequestIDFromContext(r.Context()), err)
}

// BearerOrCookieToken extracts a token from the Authorization header or,
// failing that, the named cookie.
func BearerOrCookieToken(r *http.Request, cookieName string) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie(cookieName); err == nil {
		return c.Value
	}
	return ""
}
