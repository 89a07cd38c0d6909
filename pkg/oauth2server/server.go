package oauth2server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"github.com/risedotdev/rise/internal/apierr"
	"github.com/risedotdev/rise/internal/idgen"
	"github.com/risedotdev/rise/internal/store"
	"github.com/risedotdev/rise/internal/telemetry"
	"github.com/risedotdev/rise/pkg/auth"
	"github.com/risedotdev/rise/pkg/encryption"
)

// Server serves the /oidc/{project}/{extension} authorization surface.
type Server struct {
	publicURL  string
	projects   store.ProjectStore
	extensions store.ExtensionStore
	enc        encryption.Encryptor
	cache      auth.StateCache
	logger     *slog.Logger
}

func NewServer(publicURL string, projects store.ProjectStore, extensions store.ExtensionStore, enc encryption.Encryptor, cache auth.StateCache, logger *slog.Logger) *Server {
	return &Server{
		publicURL:  strings.TrimRight(publicURL, "/"),
		projects:   projects,
		extensions: extensions,
		enc:        enc,
		cache:      cache,
		logger:     logger,
	}
}

// Mount attaches the surface. The upstream callback is shared by every
// project/extension pair; the flow state disambiguates.
func (s *Server) Mount(r chi.Router) {
	r.Get("/oidc/{project}/{extension}/authorize", s.HandleAuthorize)
	r.Get("/oidc/callback", s.HandleCallback)
	r.Post("/oidc/{project}/{extension}/token", s.HandleToken)
}

func (s *Server) callbackURL() string {
	return s.publicURL + "/oidc/callback"
}

// loadSpec resolves the oauth extension behind a project/extension path
// pair. Soft-deleted rows no longer serve tokens.
func (s *Server) loadSpec(ctx context.Context, projectName, extensionName string) (*ExtensionSpec, error) {
	project, err := s.projects.GetProjectByName(ctx, projectName)
	if err != nil {
		return nil, err
	}
	row, err := s.extensions.GetExtension(ctx, project.ID, extensionName)
	if err != nil {
		return nil, err
	}
	if row.ExtensionType != ExtensionType {
		return nil, apierr.New(apierr.NotFound, "extension is not an oauth extension")
	}
	if row.IsDeleting() {
		return nil, apierr.New(apierr.NotFound, "extension is being deleted")
	}
	spec, err := ParseSpec(row.Spec)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "extension spec is invalid", err)
	}
	return spec, nil
}

// HandleAuthorize starts the server's own PKCE flow against the upstream
// provider, remembering the caller's redirect and challenge.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectName := chi.URLParam(r, "project")
	extensionName := chi.URLParam(r, "extension")
	q := r.URL.Query()

	spec, err := s.loadSpec(ctx, projectName, extensionName)
	if err != nil {
		s.logger.Debug("oauth authorize: extension lookup failed",
			"project", projectName, "extension", extensionName, "error", err)
		http.NotFound(w, r)
		return
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is required")
		return
	}
	method := q.Get("code_challenge_method")
	if method != "" && method != "S256" && method != "plain" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "code_challenge_method must be S256 or plain")
		return
	}

	state := flowState{
		ProjectName:           projectName,
		ExtensionName:         extensionName,
		UpstreamCodeVerifier:  idgen.CodeVerifier(),
		ClientRedirectURI:     redirectURI,
		ClientState:           q.Get("state"),
		ClientCodeChallenge:   q.Get("code_challenge"),
		ClientChallengeMethod: method,
	}
	stateToken := idgen.State()
	if err := putJSON(ctx, s.cache, "oauth2srv_state:"+stateToken, state, flowStateTTL); err != nil {
		s.logger.Error("oauth authorize: storing flow state", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	upstream := s.upstreamConfig(spec)
	authURL := upstream.AuthCodeURL(stateToken,
		oauth2.SetAuthURLParam("code_challenge", idgen.CodeChallengeS256(state.UpstreamCodeVerifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleCallback completes the upstream exchange, encrypts the returned
// tokens, and hands the caller a one-time authorization code.
func (s *Server) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	stateToken := q.Get("state")
	if stateToken == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "missing state")
		return
	}
	var state flowState
	if err := takeJSON(ctx, s.cache, "oauth2srv_state:"+stateToken, &state); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "unknown or expired state")
		return
	}

	if errParam := q.Get("error"); errParam != "" {
		s.redirectError(w, r, state, errParam, q.Get("error_description"))
		return
	}
	code := q.Get("code")
	if code == "" {
		s.redirectError(w, r, state, "invalid_request", "missing code")
		return
	}

	spec, err := s.loadSpec(ctx, state.ProjectName, state.ExtensionName)
	if err != nil {
		s.redirectError(w, r, state, "server_error", "extension no longer available")
		return
	}
	secret, err := spec.UpstreamClientSecret(ctx, s.enc)
	if err != nil {
		s.logger.Error("oauth callback: resolving upstream client secret", "error", err)
		s.redirectError(w, r, state, "server_error", "")
		return
	}

	upstream := s.upstreamConfig(spec)
	upstream.ClientSecret = secret
	token, err := upstream.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", state.UpstreamCodeVerifier))
	if err != nil {
		s.logger.Error("oauth callback: upstream exchange failed",
			"project", state.ProjectName, "extension", state.ExtensionName, "error", err)
		s.redirectError(w, r, state, "server_error", "upstream exchange failed")
		return
	}

	codeSt := codeState{
		ProjectName:           state.ProjectName,
		ExtensionName:         state.ExtensionName,
		ClientCodeChallenge:   state.ClientCodeChallenge,
		ClientChallengeMethod: state.ClientChallengeMethod,
		Scope:                 tokenExtraString(token, "scope"),
	}
	if !token.Expiry.IsZero() {
		codeSt.ExpiresIn = int64(token.ExpiresIn)
	}

	codeSt.EncryptedAccessToken, err = encryption.EncryptString(ctx, s.enc, token.AccessToken)
	if err == nil && token.RefreshToken != "" {
		codeSt.EncryptedRefreshToken, err = encryption.EncryptString(ctx, s.enc, token.RefreshToken)
	}
	if idToken := tokenExtraString(token, "id_token"); err == nil && idToken != "" {
		codeSt.EncryptedIDToken, err = encryption.EncryptString(ctx, s.enc, idToken)
	}
	if err != nil {
		s.logger.Error("oauth callback: encrypting upstream tokens", "error", err)
		s.redirectError(w, r, state, "server_error", "")
		return
	}

	authCode := idgen.AuthorizationCode()
	if err := putJSON(ctx, s.cache, "oauth2srv_code:"+authCode, codeSt, authCodeTTL); err != nil {
		s.logger.Error("oauth callback: storing code state", "error", err)
		s.redirectError(w, r, state, "server_error", "")
		return
	}

	dest, err := url.Parse(state.ClientRedirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid redirect_uri")
		return
	}
	params := dest.Query()
	params.Set("code", authCode)
	if state.ClientState != "" {
		params.Set("state", state.ClientState)
	}
	dest.RawQuery = params.Encode()
	http.Redirect(w, r, dest.String(), http.StatusFound)
}

// HandleToken is the RFC 6749 token endpoint: authorization_code with
// PKCE or client secret, and refresh_token pass-through to the upstream.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		s.handleAuthorizationCodeGrant(w, r)
	case "refresh_token":
		s.handleRefreshTokenGrant(w, r)
	default:
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "unsupported grant_type")
	}
}

func (s *Server) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectName := chi.URLParam(r, "project")
	extensionName := chi.URLParam(r, "extension")

	code := r.PostForm.Get("code")
	if code == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	// GetDel makes the code single-use: a replay finds nothing.
	var st codeState
	if err := takeJSON(ctx, s.cache, "oauth2srv_code:"+code, &st); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "code is invalid, expired, or already used")
		return
	}
	if st.ProjectName != projectName || st.ExtensionName != extensionName {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "code was issued to a different client")
		return
	}

	if st.ClientCodeChallenge != "" {
		verifier := r.PostForm.Get("code_verifier")
		if verifier == "" {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request", "code_verifier is required")
			return
		}
		if !verifyPKCE(st.ClientCodeChallenge, st.ClientChallengeMethod, verifier) {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "code_verifier does not match challenge")
			return
		}
	} else {
		// No challenge stored: the caller must be a confidential client.
		spec, err := s.loadSpec(ctx, projectName, extensionName)
		if err != nil {
			writeOAuthError(w, http.StatusBadRequest, apierr.OAuth2Code(apierr.KindOf(err)), "extension not available")
			return
		}
		if !s.verifyConfidentialClient(ctx, spec, r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")) {
			writeOAuthError(w, http.StatusUnauthorized, "unauthorized_client", "client authentication failed")
			return
		}
	}

	resp := tokenResponse{TokenType: "Bearer", ExpiresIn: st.ExpiresIn, Scope: st.Scope}
	var err error
	resp.AccessToken, err = encryption.DecryptString(ctx, s.enc, st.EncryptedAccessToken)
	if err == nil && st.EncryptedRefreshToken != "" {
		resp.RefreshToken, err = encryption.DecryptString(ctx, s.enc, st.EncryptedRefreshToken)
	}
	if err == nil && st.EncryptedIDToken != "" {
		resp.IDToken, err = encryption.DecryptString(ctx, s.enc, st.EncryptedIDToken)
	}
	if err != nil {
		s.logger.Error("oauth token: decrypting stored tokens", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	telemetry.OAuth2TokenIssuedTotal.WithLabelValues("authorization_code").Inc()
	writeTokenResponse(w, resp)
}

func (s *Server) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectName := chi.URLParam(r, "project")
	extensionName := chi.URLParam(r, "extension")

	refreshToken := r.PostForm.Get("refresh_token")
	if refreshToken == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	spec, err := s.loadSpec(ctx, projectName, extensionName)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, apierr.OAuth2Code(apierr.KindOf(err)), "extension not available")
		return
	}
	secret, err := spec.UpstreamClientSecret(ctx, s.enc)
	if err != nil {
		s.logger.Error("oauth refresh: resolving upstream client secret", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	upstream := s.upstreamConfig(spec)
	upstream.ClientSecret = secret
	token, err := upstream.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		s.logger.Warn("oauth refresh: upstream refresh failed",
			"project", projectName, "extension", extensionName, "error", err)
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "upstream rejected the refresh token")
		return
	}

	resp := tokenResponse{
		AccessToken: token.AccessToken,
		TokenType:   "Bearer",
		Scope:       tokenExtraString(token, "scope"),
		IDToken:     tokenExtraString(token, "id_token"),
	}
	if !token.Expiry.IsZero() {
		resp.ExpiresIn = int64(token.ExpiresIn)
	}
	// Hand back whichever refresh token remains valid upstream.
	if token.RefreshToken != "" {
		resp.RefreshToken = token.RefreshToken
	} else {
		resp.RefreshToken = refreshToken
	}

	telemetry.OAuth2TokenIssuedTotal.WithLabelValues("refresh_token").Inc()
	writeTokenResponse(w, resp)
}

func (s *Server) verifyConfidentialClient(ctx context.Context, spec *ExtensionSpec, clientID, clientSecret string) bool {
	if spec.RiseClientID == "" || clientID != spec.RiseClientID || clientSecret == "" {
		return false
	}
	stored, err := spec.RiseClientSecret(ctx, s.enc)
	if err != nil {
		s.logger.Error("oauth token: decrypting rise client secret", "error", err)
		return false
	}
	return stored != "" && subtle.ConstantTimeCompare([]byte(stored), []byte(clientSecret)) == 1
}

func (s *Server) upstreamConfig(spec *ExtensionSpec) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    spec.ClientID,
		RedirectURL: s.callbackURL(),
		Endpoint:    oauth2.Endpoint{AuthURL: spec.AuthorizeURL, TokenURL: spec.TokenURL},
		Scopes:      spec.Scopes,
	}
}

// redirectError reports a flow failure to the caller's redirect_uri per
// RFC 6749 §4.1.2.1, falling back to a direct response when the redirect
// target is unusable.
func (s *Server) redirectError(w http.ResponseWriter, r *http.Request, state flowState, code, description string) {
	dest, err := url.Parse(state.ClientRedirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, code, description)
		return
	}
	params := dest.Query()
	params.Set("error", code)
	if description != "" {
		params.Set("error_description", description)
	}
	if state.ClientState != "" {
		params.Set("state", state.ClientState)
	}
	dest.RawQuery = params.Encode()
	http.Redirect(w, r, dest.String(), http.StatusFound)
}

// verifyPKCE checks a caller's verifier against the stored challenge.
// The default method when none was given is plain, per RFC 7636 §4.3.
func verifyPKCE(challenge, method, verifier string) bool {
	var derived string
	if method == "S256" {
		derived = idgen.CodeChallengeS256(verifier)
	} else {
		derived = verifier
	}
	return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
}

// tokenResponse is the RFC 6749 §5.1 success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

func writeTokenResponse(w http.ResponseWriter, resp tokenResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("encoding token response", "error", err)
	}
}

// writeOAuthError emits the RFC 6749 §5.2 error body.
func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	body := map[string]string{"error": code}
	if description != "" {
		body["error_description"] = description
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("encoding oauth error", "error", err)
	}
}

func tokenExtraString(token *oauth2.Token, key string) string {
	if v, ok := token.Extra(key).(string); ok {
		return v
	}
	return ""
}
