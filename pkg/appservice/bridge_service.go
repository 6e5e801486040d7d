package appservice

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/bridgemux/bridgemux/pkg/errors"
	"github.com/bridgemux/bridgemux/pkg/logger"
	"github.com/bridgemux/bridgemux/pkg/store"
)

var (
	profileUserRe = regexp.MustCompile(`/profile/(@[^/]+)/`)
	roomSendRe    = regexp.MustCompile(`/rooms/([^/]+)/send/`)
	asPingRe      = regexp.MustCompile(`^_matrix/client/v1/appservice/[^/]+/ping$`)
)

// BridgeService is the per-bridge handle: it routes requests arriving
// FROM that bridge to the homeserver and owns the egress path TO the
// bridge's own client-server API.
type BridgeService struct {
	Bridge *store.Bridge

	svc    *Service
	routes *RouteRegistry
	logger *logger.Logger
}

// NewBridgeService builds the handle with the route table variant for
// the bridge's platform.
func NewBridgeService(svc *Service, b *store.Bridge) *BridgeService {
	bs := &BridgeService{
		Bridge: b,
		svc:    svc,
		logger: svc.logger.WithComponent("bridge").WithBridgeID(b.ID),
	}
	bs.routes = bs.buildRoutes()
	return bs
}

// buildRoutes assembles the client-server route table. Registration
// order is priority; the fallback forwards anything unrecognized
// upstream untouched.
func (bs *BridgeService) buildRoutes() *RouteRegistry {
	rr := NewRouteRegistry()

	// whatsapp bridges check their bot identity on startup and expect
	// the plain form back; other platforms take the upstream response
	// as is.
	if bs.Bridge.BridgeService == "whatsapp" {
		rr.Exact("_matrix/client/v3/account/whoami", bs.whoami)
	}

	rr.
		Exact("_matrix/client/versions", bs.forward).
		Exact("_matrix/client/v3/account/whoami", bs.forward).
		Exact("_matrix/client/v1/media/config", bs.forward).
		Exact("_matrix/client/v3/capabilities", bs.forward).
		Exact("_matrix/client/v3/sync", bs.forward).
		Exact("_matrix/client/v3/register", bs.register).
		Exact("_matrix/client/v3/createRoom", bs.createRoom).
		Regex(asPingRe.String(), bs.ping).
		Regex(`_matrix/client/v3/profile/[^/]+/avatar_url$`, bs.profileAvatarURL).
		Regex(`_matrix/client/v3/profile/[^/]+/displayname$`, bs.forward).
		Regex(`_matrix/client/v3/rooms/[^/]+/send/`, bs.roomSend).
		Regex(`_matrix/client/v3/rooms/[^/]+/(join|state|members)`, bs.forward).
		Prefix("_matrix/client/v1/media/", bs.forwardRaw).
		Fallback(bs.forward)

	return rr
}

// Handle routes one bridge-originated request.
func (bs *BridgeService) Handle(rc *RequestContext) (*Response, error) {
	handler, err := bs.routes.MatchOrFallback(rc.Path)
	if err != nil {
		return nil, err
	}
	return handler(rc)
}

// forward is the default handler: relay the request upstream with the
// path, query and JSON body intact.
func (bs *BridgeService) forward(rc *RequestContext) (*Response, error) {
	return bs.svc.homeserver.SendToHomeserver(rc, rc.Method, rc.Path, rc.Query, rc.Headers, rc.Body)
}

// forwardRaw relays the body bytes untouched. Media uploads are not
// JSON and must not be reserialized.
func (bs *BridgeService) forwardRaw(rc *RequestContext) (*Response, error) {
	return bs.svc.homeserver.SendToHomeserver(rc, rc.Method, rc.Path, rc.Query, rc.Headers, rc.Body)
}

// whoami forwards the identity check and rewrites the response user_id
// back to the plain form the bridge expects.
func (bs *BridgeService) whoami(rc *RequestContext) (*Response, error) {
	resp, err := bs.forward(rc)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return resp, nil
	}

	var body map[string]any
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return resp, nil
	}
	if userID, ok := body["user_id"].(string); ok {
		if plain, err := bs.svc.translator.Translate(userID, ToPlain, bs.Bridge); err == nil {
			body["user_id"] = plain
		}
	}
	return JSONResponse(resp.Status, body), nil
}

// register translates the registration into the bridge's namespace: the
// user_id impersonation parameter and the username local part both gain
// the bridge infix before the homeserver sees them.
func (bs *BridgeService) register(rc *RequestContext) (*Response, error) {
	query := cloneValues(rc.Query)
	if userID := query.Get("user_id"); userID != "" {
		encoded, err := rc.Translate(userID, ToEncoded)
		if err != nil {
			return nil, err
		}
		query.Set("user_id", encoded)
	}

	body := rc.Body
	if m, ok := rc.BodyJSON.(map[string]any); ok {
		if local, ok := m["username"].(string); ok && local != "" {
			encoded, err := rc.Translate("@"+local+":-", ToEncoded)
			if err != nil {
				return nil, err
			}
			// rc.BodyJSON is the audit snapshot; rewrite a copy.
			out := maps.Clone(m)
			out["username"] = localPart(encoded)
			body, err = marshalBody(out)
			if err != nil {
				return nil, err
			}
		}
	}

	return bs.svc.homeserver.SendToHomeserver(rc, rc.Method, rc.Path, query, rc.Headers, body)
}

// ping verifies bridge-to-homeserver connectivity. The transaction id
// is committed to the mapping table BEFORE the forward so the
// homeserver's follow-up can always be routed back, even if this
// process dies mid-flight.
func (bs *BridgeService) ping(rc *RequestContext) (*Response, error) {
	body, ok := rc.BodyJSON.(map[string]any)
	if !ok {
		return nil, errors.New(errors.KindBadRequest, "missing or invalid JSON body")
	}
	txnID, _ := body["transaction_id"].(string)
	if txnID == "" {
		return nil, errors.New(errors.KindBadRequest, "transaction_id missing")
	}

	// The bridge pings under its own per-bridge AS id; upstream only
	// knows the multiplexer's registration.
	path := fmt.Sprintf("_matrix/client/v1/appservice/%s/ping",
		url.PathEscape(bs.svc.cfg.AppService.ID))

	if err := bs.svc.store.Transactions.Upsert(txnID, bs.Bridge.ASToken, bs.Bridge.ID); err != nil {
		return nil, err
	}

	return bs.svc.homeserver.SendToHomeserver(rc, rc.Method, path, rc.Query, rc.Headers, rc.Body)
}

// profileAvatarURL forwards profile avatar operations. PUTs gain the
// user_id impersonation parameter extracted from the path.
func (bs *BridgeService) profileAvatarURL(rc *RequestContext) (*Response, error) {
	query := cloneValues(rc.Query)
	if rc.Method == http.MethodPut {
		if m := profileUserRe.FindStringSubmatch(rc.Path); m != nil {
			query.Set("user_id", m[1])
		}
	}
	return bs.svc.homeserver.SendToHomeserver(rc, rc.Method, rc.Path, query, rc.Headers, rc.Body)
}

// roomSend forwards room events and, on success, records that the room
// belongs to this bridge. The mapping powers room_id resolution for
// later transactions; a mapping failure is logged, never fatal.
func (bs *BridgeService) roomSend(rc *RequestContext) (*Response, error) {
	resp, err := bs.forward(rc)
	if err != nil {
		return nil, err
	}

	if resp.Status >= 200 && resp.Status < 300 {
		if m := roomSendRe.FindStringSubmatch(rc.Path); m != nil {
			roomID := m[1]
			if unescaped, err := url.PathUnescape(roomID); err == nil {
				roomID = unescaped
			}
			if err := bs.svc.store.Rooms.Upsert(roomID, bs.Bridge.ID); err != nil {
				bs.logger.Warn("failed to record room mapping", "room_id", roomID, "error", err)
			}
		}
	}
	return resp, nil
}

// createRoom forwards room creation and records ownership of the new
// room from the response.
func (bs *BridgeService) createRoom(rc *RequestContext) (*Response, error) {
	resp, err := bs.forward(rc)
	if err != nil {
		return nil, err
	}

	if resp.Status >= 200 && resp.Status < 300 {
		var body map[string]any
		if err := json.Unmarshal(resp.Body, &body); err == nil {
			if roomID, ok := body["room_id"].(string); ok && roomID != "" {
				if err := bs.svc.store.Rooms.Upsert(roomID, bs.Bridge.ID); err != nil {
					bs.logger.Warn("failed to record room mapping", "room_id", roomID, "error", err)
				}
			}
		}
	}
	return resp, nil
}

// SendToBridge forwards a request to the bridge's own client-server
// API, authenticated with the homeserver's hs_token.
func (bs *BridgeService) SendToBridge(rc *RequestContext, method, path string, query url.Values, headers http.Header, body []byte) (*Response, error) {
	target := fmt.Sprintf("%s/%s", bs.Bridge.BaseURL(), path)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	ctx, cancel := context.WithTimeout(rc.Ctx, bs.svc.cfg.AppService.UpstreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "failed to build bridge request")
	}
	copyForwardHeaders(req.Header, headers)
	if rc.Homeserver != nil {
		req.Header.Set("Authorization", "Bearer "+rc.Homeserver.HSToken)
	}

	rc.LogOutbound(target, body)

	start := time.Now()
	resp, err := bs.svc.client.Do(req)
	bs.svc.metrics.ObserveUpstream("bridge", time.Since(start))
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Wrap(errors.KindTimeout, err, "bridge request timed out")
		}
		return nil, errors.Wrap(errors.KindUpstream, err, "bridge request failed")
	}
	defer resp.Body.Close()

	return readResponse(resp)
}

// localPart strips an encoded username down to its local part.
func localPart(username string) string {
	s := username
	if len(s) > 0 && s[0] == '@' {
		s = s[1:]
	}
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i]
		}
	}
	return s
}
