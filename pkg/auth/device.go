package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/risedotdev/rise/internal/apierr"
	"github.com/risedotdev/rise/internal/httpserver"
	"github.com/risedotdev/rise/internal/idgen"
)

// The device-code variant lets a terminal client sign in through a
// browser on another surface: the client polls /auth/device/token while
// the user completes the regular flow carrying the device code.
const (
	deviceCodeTTL        = 10 * time.Minute
	devicePollInterval   = 5 // seconds, surfaced to the client
	deviceGrantType      = "urn:ietf:params:oauth:grant-type:device_code"
	deviceStatusPending  = "pending"
	deviceStatusApproved = "approved"
)

// DeviceState tracks one device sign-in from code issuance to approval.
type DeviceState struct {
	Status        string `json:"status"`
	UserCode      string `json:"user_code"`
	PlatformToken string `json:"platform_token,omitempty"`
}

// DeviceStore persists device sign-in state in the shared cache, keyed
// both by device code (for polling) and user code (for approval).
type DeviceStore struct {
	cache StateCache
}

func NewDeviceStore(cache StateCache) *DeviceStore {
	return &DeviceStore{cache: cache}
}

func (d *DeviceStore) put(ctx context.Context, deviceCode string, state DeviceState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding device state: %w", err)
	}
	return d.cache.Set(ctx, "device:"+deviceCode, raw, deviceCodeTTL)
}

// Start registers a new pending device sign-in.
func (d *DeviceStore) Start(ctx context.Context, deviceCode, userCode string) error {
	if err := d.cache.Set(ctx, "device_user:"+userCode, []byte(deviceCode), deviceCodeTTL); err != nil {
		return err
	}
	return d.put(ctx, deviceCode, DeviceState{Status: deviceStatusPending, UserCode: userCode})
}

// ResolveUserCode maps a user code back to its device code.
func (d *DeviceStore) ResolveUserCode(ctx context.Context, userCode string) (string, error) {
	raw, err := d.cache.Get(ctx, "device_user:"+userCode)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Approve attaches the minted platform token to a pending device code.
func (d *DeviceStore) Approve(ctx context.Context, deviceCode, platformToken string) error {
	raw, err := d.cache.Get(ctx, "device:"+deviceCode)
	if err != nil {
		return err
	}
	var state DeviceState
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("decoding device state: %w", err)
	}
	state.Status = deviceStatusApproved
	state.PlatformToken = platformToken
	return d.put(ctx, deviceCode, state)
}

// Poll reads the current state; an approved entry is consumed so the
// token is handed out once.
func (d *DeviceStore) Poll(ctx context.Context, deviceCode string) (*DeviceState, error) {
	raw, err := d.cache.Get(ctx, "device:"+deviceCode)
	if err != nil {
		return nil, err
	}
	var state DeviceState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decoding device state: %w", err)
	}
	if state.Status == deviceStatusApproved {
		if _, err := d.cache.GetDel(ctx, "device:"+deviceCode); err != nil && !errors.Is(err, ErrStateNotFound) {
			return nil, err
		}
	}
	return &state, nil
}

// HandleDeviceCode issues a device/user code pair.
func (f *Flow) HandleDeviceCode(w http.ResponseWriter, r *http.Request) {
	deviceCode := idgen.State()
	userCode := userCodeFrom(idgen.RawToken(4))

	if err := f.devices.Start(r.Context(), deviceCode, userCode); err != nil {
		f.fail(w, r, apierr.Wrap(apierr.Internal, "failed to start device sign-in", err))
		return
	}

	verification := strings.TrimRight(f.cfg.PublicURL, "/") +
		"/auth/device/approve?user_code=" + url.QueryEscape(userCode)

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"device_code":      deviceCode,
		"user_code":        userCode,
		"verification_uri": verification,
		"expires_in":       int(deviceCodeTTL.Seconds()),
		"interval":         devicePollInterval,
	})
}

// HandleDeviceApprove hands the browser over to the regular sign-in flow
// with the device code attached; the callback routes the minted token
// back to the polling client.
func (f *Flow) HandleDeviceApprove(w http.ResponseWriter, r *http.Request) {
	userCode := r.URL.Query().Get("user_code")
	if userCode == "" {
		f.fail(w, r, apierr.New(apierr.BadRequest, "missing user_code parameter"))
		return
	}
	deviceCode, err := f.devices.ResolveUserCode(r.Context(), strings.ToUpper(userCode))
	if err != nil {
		f.fail(w, r, apierr.New(apierr.BadRequest, "unknown or expired user code"))
		return
	}
	http.Redirect(w, r,
		"/auth/signin/start?device_code="+url.QueryEscape(deviceCode),
		http.StatusFound)
}

// HandleDeviceToken is the polling endpoint. Errors use the RFC 8628
// vocabulary so standard OAuth2 device clients interoperate.
func (f *Flow) HandleDeviceToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeDeviceError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	if gt := r.PostForm.Get("grant_type"); gt != deviceGrantType {
		writeDeviceError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}
	deviceCode := r.PostForm.Get("device_code")
	if deviceCode == "" {
		writeDeviceError(w, http.StatusBadRequest, "invalid_request", "missing device_code")
		return
	}

	state, err := f.devices.Poll(r.Context(), deviceCode)
	switch {
	case errors.Is(err, ErrStateNotFound):
		writeDeviceError(w, http.StatusBadRequest, "expired_token", "device code expired or already used")
		return
	case err != nil:
		writeDeviceError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	if state.Status != deviceStatusApproved {
		writeDeviceError(w, http.StatusBadRequest, "authorization_pending", "")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"access_token": state.PlatformToken,
		"token_type":   "Bearer",
		"expires_in":   int(f.tokens.expiry.Seconds()),
	})
}

func writeDeviceError(w http.ResponseWriter, status int, code, description string) {
	body := map[string]string{"error": code}
	if description != "" {
		body["error_description"] = description
	}
	httpserver.Respond(w, status, body)
}

// userCodeFrom maps random hex into the uppercase XXXX-XXXX shape users
// type by hand.
func userCodeFrom(hexStr string) string {
	up := strings.ToUpper(hexStr)
	return up[:4] + "-" + up[4:]
}
