package appservice

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/bridgemux/bridgemux/pkg/errors"
	"github.com/bridgemux/bridgemux/pkg/logger"
	"github.com/bridgemux/bridgemux/pkg/store"
)

// Response is a routed handler's result, relayed verbatim to the
// caller by the ingress layer.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// JSONResponse builds a Response from a serializable value.
func JSONResponse(status int, v any) *Response {
	body, err := json.Marshal(v)
	if err != nil {
		body = []byte("{}")
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &Response{Status: status, Header: h, Body: body}
}

// RequestContext carries one inbound request through resolution,
// routing and forwarding. Exactly one audit row is created per context,
// before any resolution failure is surfaced.
type RequestContext struct {
	Ctx    context.Context
	Source Source
	Method string
	Path   string

	Headers  http.Header
	Query    url.Values
	Body     []byte
	BodyJSON any

	Bridge           *store.Bridge
	Homeserver       *store.Homeserver
	ResolutionMethod store.ResolutionMethod

	RequestID uint

	discoveryError string

	svc    *Service
	logger *logger.Logger
}

// NewRequestContext drains and parses the request, resolves the bridge
// and homeserver independently, and persists the audit row. Resolution
// failure is returned only after the row exists, so every request
// leaves a trace.
func (s *Service) NewRequestContext(r *http.Request, source Source, path string) (*RequestContext, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.Wrap(errors.KindBadRequest, err, "failed to read request body")
	}

	// Tolerant parse: non-JSON bodies (media uploads) stay raw.
	var bodyJSON any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &bodyJSON); err != nil {
			bodyJSON = nil
		}
	}

	rc := &RequestContext{
		Ctx:      r.Context(),
		Source:   source,
		Method:   r.Method,
		Path:     path,
		Headers:  r.Header.Clone(),
		Query:    cloneValues(r.URL.Query()),
		Body:     body,
		BodyJSON: bodyJSON,
		svc:      s,
		logger:   s.logger,
	}

	bridge, method, resolveErr := s.resolver.Resolve(source, rc.Headers, path, bodyJSON, rc.Query)
	rc.Bridge = bridge
	rc.ResolutionMethod = method
	if resolveErr != nil {
		rc.discoveryError = resolveErr.Error()
	}

	homeserver, hsErr := s.resolveHomeserver(source, rc.Headers, bridge)
	rc.Homeserver = homeserver

	if err := rc.createAuditRow(); err != nil {
		return nil, err
	}
	rc.logger = s.logger.WithRequestID(rc.RequestID)

	if resolveErr != nil {
		return rc, resolveErr
	}
	if hsErr != nil {
		return rc, hsErr
	}
	return rc, nil
}

// resolveHomeserver identifies the homeserver side of the exchange. The
// homeserver authenticates with its hs_token; bridge requests inherit
// the homeserver their bridge is registered to.
func (s *Service) resolveHomeserver(source Source, headers http.Header, bridge *store.Bridge) (*store.Homeserver, error) {
	switch source {
	case SourceHomeserver:
		token := bearerToken(headers)
		if token == "" {
			return nil, errors.New(errors.KindUnauthorized, "missing hs_token bearer")
		}
		return s.store.Homeservers.GetByHSToken(token)
	case SourceBridge:
		if bridge == nil {
			return nil, errors.New(errors.KindUnauthorized, "cannot identify homeserver without a bridge")
		}
		return s.store.Homeservers.GetByID(bridge.HomeserverID)
	}
	return nil, errors.Newf(errors.KindInternal, "unknown request source %q", source)
}

func (rc *RequestContext) createAuditRow() error {
	headers, _ := json.Marshal(rc.Headers)
	query, _ := json.Marshal(rc.Query)

	row := &store.Request{
		Source:           string(rc.Source),
		Method:           rc.Method,
		Path:             rc.Path,
		Headers:          string(headers),
		Query:            string(query),
		Body:             string(rc.Body),
		ResolutionMethod: rc.ResolutionMethod,
		DiscoveryError:   rc.discoveryError,
	}
	if rc.Bridge != nil {
		row.BridgeID = &rc.Bridge.ID
	}
	if rc.Homeserver != nil {
		row.HomeserverID = &rc.Homeserver.ID
	}

	if err := rc.svc.store.Requests.Create(row); err != nil {
		return err
	}
	rc.RequestID = row.ID
	return nil
}

// LogOutbound records the forwarded URL and body on the audit row.
// Best effort: a logging failure never blocks the forward.
func (rc *RequestContext) LogOutbound(url string, body []byte) {
	if rc.RequestID == 0 {
		return
	}
	if err := rc.svc.store.Requests.LogOutbound(rc.RequestID, url, string(body)); err != nil {
		rc.logger.Warn("failed to log outbound request", "error", err)
	}
}

// LogResponse records the final status and body on the audit row.
func (rc *RequestContext) LogResponse(status int, body []byte) {
	if rc.RequestID == 0 {
		return
	}
	if err := rc.svc.store.Requests.LogResponse(rc.RequestID, status, string(body)); err != nil {
		rc.logger.Warn("failed to log response", "error", err)
	}
}

// Translate converts one username in the given direction using the
// resolved bridge's identity.
func (rc *RequestContext) Translate(username string, dir Direction) (string, error) {
	if rc.Bridge == nil {
		return "", errors.New(errors.KindBridgeNotFound, "no bridge resolved for translation")
	}
	return rc.svc.translator.Translate(username, dir, rc.Bridge)
}

// RewriteBody translates every username in the parsed body, returning a
// new value with the same shape. Returns nil when the body was not JSON.
func (rc *RequestContext) RewriteBody(dir Direction) (any, error) {
	if rc.BodyJSON == nil {
		return nil, nil
	}
	if rc.Bridge == nil {
		return nil, errors.New(errors.KindBridgeNotFound, "no bridge resolved for rewrite")
	}
	return rc.svc.translator.RewriteBody(rc.BodyJSON, dir, rc.Bridge)
}

// bridgeService returns the per-bridge handle for the resolved bridge.
func (rc *RequestContext) bridgeService() (*BridgeService, error) {
	if rc.Bridge == nil {
		return nil, errors.New(errors.KindBridgeNotFound, "no bridge resolved for request")
	}
	return rc.svc.BridgeServiceFor(rc.Bridge), nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
