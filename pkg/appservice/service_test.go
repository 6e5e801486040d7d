package appservice

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bridgemux/bridgemux/pkg/config"
	"github.com/bridgemux/bridgemux/pkg/logger"
	"github.com/bridgemux/bridgemux/pkg/metrics"
	"github.com/bridgemux/bridgemux/pkg/registry"
	"github.com/bridgemux/bridgemux/pkg/store"
)

// capture records the last request a fake upstream received.
type capture struct {
	mu     sync.Mutex
	Method string
	Path   string
	Query  url.Values
	Auth   string
	Body   []byte
}

func (c *capture) record(r *http.Request, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Method = r.Method
	c.Path = r.URL.Path
	c.Query = r.URL.Query()
	c.Auth = r.Header.Get("Authorization")
	c.Body = body
}

func (c *capture) snapshot() capture {
	c.mu.Lock()
	defer c.mu.Unlock()
	return capture{Method: c.Method, Path: c.Path, Query: c.Query, Auth: c.Auth, Body: c.Body}
}

// fakeUpstream is a configurable stand-in for the homeserver or a
// bridge's client-server API.
type fakeUpstream struct {
	*httptest.Server
	cap *capture

	mu     sync.Mutex
	status int
	body   string
	delay  time.Duration
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{cap: &capture{}, status: http.StatusOK, body: `{"ok":true}`}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.cap.record(r, body)

		f.mu.Lock()
		status, respBody, delay := f.status, f.body, f.delay
		f.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respBody))
	}))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeUpstream) respond(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	f.body = body
}

func (f *fakeUpstream) hostPort(t *testing.T) (string, int) {
	t.Helper()
	u, err := url.Parse(f.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return u.Hostname(), port
}

type testEnv struct {
	svc        *Service
	st         *store.Store
	ingress    http.Handler
	homeserver *fakeUpstream
	hsRow      *store.Homeserver
	cfg        *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "error", Component: "test"})
	if err != nil {
		t.Fatal(err)
	}

	st, err := store.Open(config.StoreConfig{
		Path: filepath.Join(t.TempDir(), "test.db"),
	}, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	homeserver := newFakeUpstream(t)
	hsRow, err := st.Homeservers.Ensure("example.org", homeserver.URL, "hs-secret")
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.AppService.ID = "bridge_manager_1"
	cfg.AppService.ASToken = "root-as"
	cfg.AppService.UpstreamTimeout = 2 * time.Second
	cfg.Homeserver = config.HomeserverConfig{
		URL: homeserver.URL, Name: "example.org", HSToken: "hs-secret",
	}

	reg := registry.New(st.Bridges, log)
	svc := New(cfg, st, reg, metrics.New(), log)

	return &testEnv{
		svc:        svc,
		st:         st,
		ingress:    NewIngress(svc).Handler(),
		homeserver: homeserver,
		hsRow:      hsRow,
		cfg:        cfg,
	}
}

func (e *testEnv) seedBridge(t *testing.T, orchestratorID, service, owner string) *store.Bridge {
	t.Helper()
	b := &store.Bridge{
		OrchestratorID: orchestratorID,
		BridgeService:  service,
		Owner:          owner,
		ASToken:        "as-" + orchestratorID,
		HomeserverID:   e.hsRow.ID,
		Status:         store.BridgeStatusRunning,
	}
	if err := e.st.Bridges.Create(b); err != nil {
		t.Fatal(err)
	}
	return b
}

func (e *testEnv) seedBridgeAt(t *testing.T, orchestratorID, service string, upstream *fakeUpstream) *store.Bridge {
	t.Helper()
	host, port := upstream.hostPort(t)
	b := e.seedBridge(t, orchestratorID, service, "@owner:example.org")
	if err := e.st.DB().Model(b).Updates(map[string]interface{}{
		"address": host, "port": port,
	}).Error; err != nil {
		t.Fatal(err)
	}
	b.Address = host
	b.Port = port
	return b
}

func (e *testEnv) do(t *testing.T, method, target, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.ingress.ServeHTTP(w, req)
	return w
}

func (e *testEnv) auditRows(t *testing.T) []store.Request {
	t.Helper()
	rows, err := e.st.Requests.Recent(100)
	if err != nil {
		t.Fatal(err)
	}
	return rows
}
