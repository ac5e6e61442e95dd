// Package handlers implements HTTP request handlers for the runguard API.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dwsmith1983/runguard/internal/gateway"
	"github.com/dwsmith1983/runguard/internal/provider"
	"github.com/dwsmith1983/runguard/pkg/types"
)

// Identity headers set by the authenticating proxy in front of runguard.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// Handlers contains all HTTP handler dependencies.
type Handlers struct {
	gateway  *gateway.Gateway
	provider provider.Provider
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a new Handlers instance.
func New(gw *gateway.Gateway, prov provider.Provider) *Handlers {
	return &Handlers{
		gateway:  gw,
		provider: prov,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// SetLogger overrides the default logger.
func (h *Handlers) SetLogger(l *slog.Logger) {
	if l != nil {
		h.logger = l
	}
}

// SetClock overrides the clock used for Retry-After.
func (h *Handlers) SetClock(now func() time.Time) { h.now = now }

// identity reads the requester from the identity headers. Only the exact
// role "admin" grants administrative privilege.
func identity(r *http.Request) types.Identity {
	who := types.Identity{
		UserID: strings.TrimSpace(r.Header.Get(HeaderUserID)),
		Role:   types.RoleUser,
	}
	if strings.EqualFold(strings.TrimSpace(r.Header.Get(HeaderUserRole)), string(types.RoleAdmin)) {
		who.Role = types.RoleAdmin
	}
	return who
}

// StatusFor maps an error kind to its HTTP status code.
func StatusFor(kind types.ErrorKind) int {
	switch kind {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindPermission:
		return http.StatusForbidden
	case types.KindConflict, types.KindStaleState:
		return http.StatusConflict
	case types.KindCooldown:
		return http.StatusTooManyRequests
	case types.KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case types.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case types.KindUpstreamError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeRunError renders err as the API error body. Internal details are
// logged and never returned to the client.
func (h *Handlers) writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	kind := types.KindOf(err)
	status := StatusFor(kind)
	body := types.ErrorResponse{Kind: kind, Retryable: kind.UserRetryable()}

	var re *types.RunError
	if errors.As(err, &re) && kind != types.KindInternal {
		body.Error = re.Message
		body.CooldownUntil = re.CooldownUntil
	} else {
		body.Error = "internal error"
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "kind", kind, "status", status, "error", err)
	} else {
		h.logger.Info("request rejected", "path", r.URL.Path, "kind", kind, "status", status, "error", err)
	}

	if body.CooldownUntil != nil {
		secs := int(body.CooldownUntil.Sub(h.now()).Seconds()) + 1
		if secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError returns a validation error for a malformed request.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.writeRunError(w, r, types.WrapRunError(types.KindValidation, msg, err))
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
