package appservice

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/bridgemux/bridgemux/pkg/errors"
	"github.com/bridgemux/bridgemux/pkg/logger"
	"github.com/bridgemux/bridgemux/pkg/metrics"
)

// Ingress is the HTTP surface: one catch-all per traffic direction,
// plus health and metrics endpoints on the same server.
type Ingress struct {
	svc     *Service
	metrics *metrics.Metrics
	logger  *logger.Logger
}

// NewIngress builds the ingress over the routing core.
func NewIngress(svc *Service) *Ingress {
	return &Ingress{
		svc:     svc,
		metrics: svc.metrics,
		logger:  svc.logger.WithComponent("ingress"),
	}
}

// Handler returns the root handler for the ingress server.
func (in *Ingress) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/homeserver/", func(w http.ResponseWriter, r *http.Request) {
		in.handle(w, r, SourceHomeserver, "/homeserver/")
	})
	mux.HandleFunc("/bridge/", func(w http.ResponseWriter, r *http.Request) {
		in.handle(w, r, SourceBridge, "/bridge/")
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", in.metrics.Handler())
	return mux
}

func (in *Ingress) handle(w http.ResponseWriter, r *http.Request, source Source, prefix string) {
	path := strings.TrimPrefix(r.URL.Path, prefix)

	rc, err := in.svc.NewRequestContext(r, source, path)
	if err != nil {
		in.writeError(w, rc, source, path, err)
		return
	}

	in.metrics.RecordResolution(string(rc.ResolutionMethod))

	var resp *Response
	switch source {
	case SourceHomeserver:
		resp, err = in.svc.homeserver.Handle(rc)
	case SourceBridge:
		var bs *BridgeService
		bs, err = rc.bridgeService()
		if err == nil {
			resp, err = bs.Handle(rc)
		}
	}
	if err != nil {
		in.writeError(w, rc, source, path, err)
		return
	}

	rc.LogResponse(resp.Status, resp.Body)
	in.metrics.RecordRequest(string(source), resp.Status)
	writeResponse(w, resp)
}

// writeError maps an error to its transport status and records the
// outcome on the audit row when one exists. An unroutable transaction
// batch with no events is acknowledged instead of rejected, so the
// homeserver does not retry it forever.
func (in *Ingress) writeError(w http.ResponseWriter, rc *RequestContext, source Source, path string, err error) {
	if in.shouldAcknowledge(rc, source, path, err) {
		resp := JSONResponse(http.StatusOK, map[string]any{})
		if rc != nil {
			rc.LogResponse(resp.Status, resp.Body)
		}
		in.metrics.RecordRequest(string(source), resp.Status)
		writeResponse(w, resp)
		return
	}

	kind := errors.KindOf(err)
	status := errors.HTTPStatus(kind)
	body, _ := json.Marshal(map[string]string{"error": err.Error()})

	in.logger.Warn("request failed",
		"source", string(source), "path", path,
		"kind", string(kind), "status", status, "error", err)

	if rc != nil {
		rc.LogResponse(status, body)
	}
	in.metrics.RecordRequest(string(source), status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (in *Ingress) shouldAcknowledge(rc *RequestContext, source Source, path string, err error) bool {
	if !errors.IsKind(err, errors.KindBridgeNotFound) || source != SourceHomeserver {
		return false
	}
	// The AS liveness ping is answered locally whether or not its
	// transaction id is known.
	if path == "_matrix/app/v1/ping" {
		return true
	}
	if !strings.HasPrefix(path, transactionsPrefix) || rc == nil {
		return false
	}
	return len(transactionEvents(rc.BodyJSON)) == 0
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	for k, vals := range resp.Header {
		switch k {
		case "Content-Length", "Connection", "Transfer-Encoding":
			continue
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}
