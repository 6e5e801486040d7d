// Package admin exposes the bridge provisioning API: creating,
// inspecting and deleting bridges behind the multiplexer. The surface
// is guarded by a shared admin token and disabled when none is
// configured.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/bridgemux/bridgemux/pkg/errors"
	"github.com/bridgemux/bridgemux/pkg/logger"
	"github.com/bridgemux/bridgemux/pkg/orchestrator"
	"github.com/bridgemux/bridgemux/pkg/store"
)

const defaultRequestLimit = 50

// Provisioner is the bridge lifecycle surface the API drives. Satisfied
// by *orchestrator.Orchestrator.
type Provisioner interface {
	CreateBridge(ctx context.Context, service, owner string) (*store.Bridge, error)
	DeleteBridge(ctx context.Context, id uint) error
	CheckStatus(ctx context.Context, bridge *store.Bridge) (string, error)
}

var _ Provisioner = (*orchestrator.Orchestrator)(nil)

// API serves the /admin provisioning endpoints.
type API struct {
	token       string
	provisioner Provisioner
	store       *store.Store
	logger      *logger.Logger
}

// New builds the admin API.
func New(token string, p Provisioner, st *store.Store, log *logger.Logger) *API {
	return &API{
		token:       token,
		provisioner: p,
		store:       st,
		logger:      log.WithComponent("admin"),
	}
}

// Handler returns the admin mux. All routes require the admin token.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/bridges", a.createBridge)
	mux.HandleFunc("GET /admin/bridges", a.listBridges)
	mux.HandleFunc("GET /admin/bridges/{id}", a.getBridge)
	mux.HandleFunc("DELETE /admin/bridges/{id}", a.deleteBridge)
	mux.HandleFunc("POST /admin/bridges/{id}/status", a.checkStatus)
	mux.HandleFunc("GET /admin/requests", a.listRequests)
	return a.authenticate(mux)
}

func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if a.token == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
			a.writeError(w, errors.New(errors.KindUnauthorized, "invalid admin token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createBridgeRequest struct {
	Service string `json:"service"`
	Owner   string `json:"owner"`
}

func (a *API) createBridge(w http.ResponseWriter, r *http.Request) {
	var req createBridgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, errors.Wrap(errors.KindBadRequest, err, "decode request"))
		return
	}
	if req.Service == "" || req.Owner == "" {
		a.writeError(w, errors.New(errors.KindBadRequest, "service and owner are required"))
		return
	}

	bridge, err := a.provisioner.CreateBridge(r.Context(), req.Service, req.Owner)
	if err != nil {
		a.writeError(w, err)
		return
	}

	a.logger.Info("bridge created via admin api",
		"service", req.Service, "owner", req.Owner, "bridge_id", bridge.ID)
	a.writeJSON(w, http.StatusCreated, bridge)
}

func (a *API) listBridges(w http.ResponseWriter, r *http.Request) {
	var (
		bridges []store.Bridge
		err     error
	)
	if owner := r.URL.Query().Get("owner"); owner != "" {
		bridges, err = a.store.Bridges.ListByOwner(owner)
	} else {
		bridges, err = a.store.Bridges.List()
	}
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"bridges": bridges})
}

func (a *API) getBridge(w http.ResponseWriter, r *http.Request) {
	bridge, err := a.bridgeFromPath(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, bridge)
}

func (a *API) deleteBridge(w http.ResponseWriter, r *http.Request) {
	bridge, err := a.bridgeFromPath(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.provisioner.DeleteBridge(r.Context(), bridge.ID); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"deleted": bridge.ID})
}

func (a *API) checkStatus(w http.ResponseWriter, r *http.Request) {
	bridge, err := a.bridgeFromPath(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	status, err := a.provisioner.CheckStatus(r.Context(), bridge)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"bridge_id": bridge.ID, "status": status})
}

func (a *API) listRequests(w http.ResponseWriter, r *http.Request) {
	limit := defaultRequestLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			a.writeError(w, errors.New(errors.KindBadRequest, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	rows, err := a.store.Requests.Recent(limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"requests": rows})
}

func (a *API) bridgeFromPath(r *http.Request) (*store.Bridge, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return nil, errors.New(errors.KindBadRequest, "bridge id must be numeric")
	}
	return a.store.Bridges.GetByID(uint(id))
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("write admin response failed", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(errors.KindOf(err))
	a.writeJSON(w, status, map[string]string{"error": err.Error()})
}
