package appservice

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bridgemux/bridgemux/pkg/errors"
	"github.com/bridgemux/bridgemux/pkg/logger"
)

// HomeserverService handles requests arriving FROM the homeserver (the
// AS API surface) and owns the egress path TO the homeserver.
type HomeserverService struct {
	svc    *Service
	routes *RouteRegistry
	logger *logger.Logger
}

// NewHomeserverService builds the AS API route table.
func NewHomeserverService(svc *Service) *HomeserverService {
	hs := &HomeserverService{
		svc:    svc,
		logger: svc.logger.WithComponent("homeserver"),
	}

	hs.routes = NewRouteRegistry().
		Exact("_matrix/app/v1/ping", hs.ping).
		Prefix("_matrix/app/v1/users/", hs.users).
		Prefix(transactionsPrefix, hs.transactions)

	return hs
}

// Handle routes one homeserver-originated request.
func (hs *HomeserverService) Handle(rc *RequestContext) (*Response, error) {
	handler, err := hs.routes.MatchOrFallback(rc.Path)
	if err != nil {
		return nil, err
	}
	return handler(rc)
}

// ping answers the AS liveness check locally. The homeserver only wants
// to know the AS is reachable; nothing is forwarded.
func (hs *HomeserverService) ping(rc *RequestContext) (*Response, error) {
	return JSONResponse(http.StatusOK, map[string]any{}), nil
}

// users handles user existence queries. The homeserver asks about the
// encoded form; the bridge only knows the plain form, so the path
// username is decoded before forwarding.
func (hs *HomeserverService) users(rc *RequestContext) (*Response, error) {
	u, ok := hs.svc.translator.ParseInPath(rc.Path)
	if !ok {
		return nil, errors.Newf(errors.KindBadRequest, "invalid encoded username in path %q", rc.Path)
	}

	endpoint := rc.Path[:hs.encodedStart(rc.Path)]
	plain := fmt.Sprintf("@%s:%s", u.Local, rc.Homeserver.Name)
	path := endpoint + url.PathEscape(plain)

	bs, err := rc.bridgeService()
	if err != nil {
		return nil, err
	}
	return bs.SendToBridge(rc, rc.Method, path, rc.Query, rc.Headers, nil)
}

// encodedStart returns the index just past the last '/' before the
// encoded username, so the endpoint prefix survives the rewrite.
func (hs *HomeserverService) encodedStart(path string) int {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return i + 1
		}
	}
	return 0
}

// transactions forwards event batches to the resolved bridge. Bodies go
// through unchanged: bridges address their own users in the encoded
// form the homeserver already uses.
func (hs *HomeserverService) transactions(rc *RequestContext) (*Response, error) {
	bs, err := rc.bridgeService()
	if err != nil {
		return nil, err
	}
	return bs.SendToBridge(rc, rc.Method, rc.Path, rc.Query, rc.Headers, rc.Body)
}

// SendToHomeserver forwards a request upstream with the multiplexer's
// root AS token. Non-2xx responses pass through verbatim; only
// transport failures and deadline hits become errors.
func (hs *HomeserverService) SendToHomeserver(rc *RequestContext, method, path string, query url.Values, headers http.Header, body []byte) (*Response, error) {
	target := fmt.Sprintf("%s/%s", hs.svc.cfg.Homeserver.URL, path)
	if rc.Homeserver != nil {
		target = fmt.Sprintf("%s/%s", rc.Homeserver.URL, path)
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	ctx, cancel := context.WithTimeout(rc.Ctx, hs.svc.cfg.AppService.UpstreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "failed to build upstream request")
	}
	copyForwardHeaders(req.Header, headers)
	req.Header.Set("Authorization", "Bearer "+hs.svc.cfg.AppService.ASToken)

	rc.LogOutbound(target, body)

	start := time.Now()
	resp, err := hs.svc.client.Do(req)
	hs.svc.metrics.ObserveUpstream("homeserver", time.Since(start))
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Wrap(errors.KindTimeout, err, "homeserver request timed out")
		}
		return nil, errors.Wrap(errors.KindUpstream, err, "homeserver request failed")
	}
	defer resp.Body.Close()

	return readResponse(resp)
}

// copyForwardHeaders copies request headers for forwarding, dropping
// hop-specific fields the next hop must recompute.
func copyForwardHeaders(dst, src http.Header) {
	for k, vals := range src {
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
	dst.Del("Content-Length")
	dst.Del("Host")
	dst.Del("Connection")
}

func readResponse(resp *http.Response) (*Response, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.KindUpstream, err, "failed to read upstream response")
	}
	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}

// marshalBody re-serializes a rewritten JSON body for forwarding.
func marshalBody(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "failed to serialize rewritten body")
	}
	return body, nil
}
