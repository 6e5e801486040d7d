package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgemux/bridgemux/pkg/config"
	"github.com/bridgemux/bridgemux/pkg/errors"
	"github.com/bridgemux/bridgemux/pkg/logger"
	"github.com/bridgemux/bridgemux/pkg/store"
)

type fakeProvisioner struct {
	st      *store.Store
	hsID    uint
	deleted []uint
	status  string
}

func (f *fakeProvisioner) CreateBridge(_ context.Context, service, owner string) (*store.Bridge, error) {
	b := &store.Bridge{
		OrchestratorID: "abc12345",
		BridgeService:  service,
		Owner:          owner,
		ASToken:        "as-abc12345",
		HomeserverID:   f.hsID,
		Status:         store.BridgeStatusStarting,
	}
	if err := f.st.Bridges.Create(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (f *fakeProvisioner) DeleteBridge(_ context.Context, id uint) error {
	f.deleted = append(f.deleted, id)
	return f.st.Bridges.SoftDeleteCascade(id)
}

func (f *fakeProvisioner) CheckStatus(_ context.Context, _ *store.Bridge) (string, error) {
	if f.status == "" {
		return store.BridgeStatusRunning, nil
	}
	return f.status, nil
}

func newAPI(t *testing.T) (*API, *fakeProvisioner, *store.Store) {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "error", Component: "test"})
	require.NoError(t, err)

	st, err := store.Open(config.StoreConfig{
		Path: filepath.Join(t.TempDir(), "test.db"),
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	hs, err := st.Homeservers.Ensure("example.org", "http://hs", "hs-secret")
	require.NoError(t, err)

	p := &fakeProvisioner{st: st, hsID: hs.ID}
	return New("admin-secret", p, st, log), p, st
}

func do(t *testing.T, api *API, method, target, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	api.Handler().ServeHTTP(w, req)
	return w
}

func TestAdminRequiresToken(t *testing.T) {
	api, _, _ := newAPI(t)

	assert.Equal(t, http.StatusUnauthorized,
		do(t, api, "GET", "/admin/bridges", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(t, api, "GET", "/admin/bridges", "", "wrong").Code)
	assert.Equal(t, http.StatusOK,
		do(t, api, "GET", "/admin/bridges", "", "admin-secret").Code)
}

func TestCreateBridge(t *testing.T) {
	api, _, st := newAPI(t)

	w := do(t, api, "POST", "/admin/bridges",
		`{"service":"whatsapp","owner":"@alice:example.org"}`, "admin-secret")
	require.Equal(t, http.StatusCreated, w.Code)

	var bridge store.Bridge
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bridge))
	assert.Equal(t, "whatsapp", bridge.BridgeService)
	assert.Equal(t, "@alice:example.org", bridge.Owner)

	stored, err := st.Bridges.GetByID(bridge.ID)
	require.NoError(t, err)
	assert.Equal(t, "@alice:example.org", stored.Owner)
}

func TestCreateBridgeValidation(t *testing.T) {
	api, _, _ := newAPI(t)

	w := do(t, api, "POST", "/admin/bridges", `{"service":"whatsapp"}`, "admin-secret")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, api, "POST", "/admin/bridges", `not json`, "admin-secret")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListBridgesByOwner(t *testing.T) {
	api, p, _ := newAPI(t)
	_, err := p.CreateBridge(context.Background(), "whatsapp", "@alice:example.org")
	require.NoError(t, err)

	w := do(t, api, "GET", "/admin/bridges?owner=@alice:example.org", "", "admin-secret")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Bridges []store.Bridge `json:"bridges"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Bridges, 1)

	w = do(t, api, "GET", "/admin/bridges?owner=@bob:example.org", "", "admin-secret")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Bridges)
}

func TestDeleteBridge(t *testing.T) {
	api, p, st := newAPI(t)
	bridge, err := p.CreateBridge(context.Background(), "whatsapp", "@alice:example.org")
	require.NoError(t, err)

	w := do(t, api, "DELETE", "/admin/bridges/1", "", "admin-secret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []uint{bridge.ID}, p.deleted)

	_, err = st.Bridges.GetByID(bridge.ID)
	assert.True(t, errors.IsKind(err, errors.KindBridgeNotFound))
}

func TestDeleteUnknownBridge(t *testing.T) {
	api, _, _ := newAPI(t)

	assert.Equal(t, http.StatusNotFound,
		do(t, api, "DELETE", "/admin/bridges/99", "", "admin-secret").Code)
	assert.Equal(t, http.StatusBadRequest,
		do(t, api, "DELETE", "/admin/bridges/abc", "", "admin-secret").Code)
}

func TestCheckStatusEndpoint(t *testing.T) {
	api, p, _ := newAPI(t)
	_, err := p.CreateBridge(context.Background(), "whatsapp", "@alice:example.org")
	require.NoError(t, err)

	w := do(t, api, "POST", "/admin/bridges/1/status", "", "admin-secret")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, store.BridgeStatusRunning, resp["status"])
}

func TestListRequests(t *testing.T) {
	api, _, st := newAPI(t)
	require.NoError(t, st.Requests.Create(&store.Request{
		Source: "homeserver", Method: "PUT", Path: "_matrix/app/v1/transactions/tx1",
	}))

	w := do(t, api, "GET", "/admin/requests?limit=10", "", "admin-secret")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Requests []store.Request `json:"requests"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Requests, 1)

	assert.Equal(t, http.StatusBadRequest,
		do(t, api, "GET", "/admin/requests?limit=zero", "", "admin-secret").Code)
}
