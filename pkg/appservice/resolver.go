package appservice

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/bridgemux/bridgemux/pkg/errors"
	"github.com/bridgemux/bridgemux/pkg/logger"
	"github.com/bridgemux/bridgemux/pkg/registry"
	"github.com/bridgemux/bridgemux/pkg/store"
)

// Source identifies which ingress a request arrived on.
type Source string

const (
	SourceHomeserver Source = "homeserver"
	SourceBridge     Source = "bridge"
)

const transactionsPrefix = "_matrix/app/v1/transactions/"

var txnPathRe = regexp.MustCompile(`^_matrix/app/v1/transactions/(?P<txn_id>[^/?]+)`)

// Resolver identifies which bridge a request belongs to. Strategies run
// in order of reliability; the first hit wins and a strategy failure
// never aborts the chain.
type Resolver struct {
	bridges      *registry.BridgeRegistry
	transactions *store.TransactionRepository
	rooms        *store.RoomRepository
	translator   *Translator
	logger       *logger.Logger
}

// NewResolver builds a resolver over the bridge registry and mapping
// repositories.
func NewResolver(
	bridges *registry.BridgeRegistry,
	transactions *store.TransactionRepository,
	rooms *store.RoomRepository,
	translator *Translator,
	log *logger.Logger,
) *Resolver {
	return &Resolver{
		bridges:      bridges,
		transactions: transactions,
		rooms:        rooms,
		translator:   translator,
		logger:       log.WithComponent("resolver"),
	}
}

type strategy struct {
	method store.ResolutionMethod
	fn     func(in resolveInput) (*store.Bridge, error)
}

type resolveInput struct {
	source  Source
	headers http.Header
	path    string
	body    any
	query   url.Values
}

// Resolve runs the strategy chain and returns the bridge plus the
// method that found it. Exhaustion yields a BridgeNotFound error.
func (r *Resolver) Resolve(source Source, headers http.Header, path string, body any, query url.Values) (*store.Bridge, store.ResolutionMethod, error) {
	in := resolveInput{source: source, headers: headers, path: path, body: body, query: query}

	strategies := []strategy{
		{store.ResolutionAuthToken, r.fromAuthToken},
		{store.ResolutionQueryUserID, r.fromQueryUserID},
		{store.ResolutionPathUsername, r.fromPathUsername},
		{store.ResolutionTransactionID, r.fromTransactionID},
		{store.ResolutionTransactionEvents, r.fromTransactionEvents},
		{store.ResolutionRoomID, r.fromRoomID},
		{store.ResolutionBodyUsername, r.fromBodyUsername},
		{store.ResolutionOwnerService, r.fromOwnerService},
	}

	for _, s := range strategies {
		bridge, err := s.fn(in)
		if err != nil {
			r.logger.Debug("resolver strategy failed",
				"method", string(s.method), "path", path, "error", err)
			continue
		}
		if bridge != nil {
			r.logger.Debug("bridge resolved",
				"method", string(s.method), "bridge_id", bridge.ID)
			return bridge, s.method, nil
		}
	}

	return nil, store.ResolutionNone, errors.Newf(errors.KindBridgeNotFound,
		"could not identify bridge for %s request to %s", source, path)
}

// Strategy 1: bearer token lookup. Only bridge-originated requests
// carry a per-bridge as_token.
func (r *Resolver) fromAuthToken(in resolveInput) (*store.Bridge, error) {
	if in.source != SourceBridge {
		return nil, nil
	}
	token := bearerToken(in.headers)
	if token == "" {
		return nil, nil
	}
	b, err := r.bridges.GetByASToken(token)
	if errors.IsKind(err, errors.KindBridgeNotFound) {
		return nil, nil
	}
	return b, err
}

// Strategy 2: encoded username in the ?user_id impersonation parameter.
func (r *Resolver) fromQueryUserID(in resolveInput) (*store.Bridge, error) {
	userID := in.query.Get("user_id")
	if userID == "" {
		return nil, nil
	}
	u, ok := r.translator.Parse(userID)
	if !ok {
		return nil, nil
	}
	b, err := r.bridges.GetByOrchestratorID(u.OrchestratorID)
	if errors.IsKind(err, errors.KindBridgeNotFound) {
		return nil, nil
	}
	return b, err
}

// Strategy 3: encoded username embedded in the request path.
func (r *Resolver) fromPathUsername(in resolveInput) (*store.Bridge, error) {
	if in.source != SourceHomeserver {
		return nil, nil
	}
	u, ok := r.translator.ParseInPath(in.path)
	if !ok {
		return nil, nil
	}
	b, err := r.bridges.GetByOrchestratorID(u.OrchestratorID)
	if errors.IsKind(err, errors.KindBridgeNotFound) {
		return nil, nil
	}
	return b, err
}

// Strategy 4: transaction id from the path segment or body, mapped to
// the bridge that last pinged it.
func (r *Resolver) fromTransactionID(in resolveInput) (*store.Bridge, error) {
	if in.source != SourceHomeserver {
		return nil, nil
	}

	txnID := ""
	if m := txnPathRe.FindStringSubmatch(in.path); m != nil {
		txnID = m[txnPathRe.SubexpIndex("txn_id")]
	}
	if txnID == "" {
		if body, ok := in.body.(map[string]any); ok {
			txnID, _ = body["transaction_id"].(string)
		}
	}
	if txnID == "" {
		return nil, nil
	}

	bridgeID, ok, err := r.transactions.BridgeIDFor(txnID)
	if err != nil || !ok {
		return nil, err
	}
	b, err := r.bridges.GetByID(bridgeID)
	if errors.IsKind(err, errors.KindBridgeNotFound) {
		return nil, nil
	}
	return b, err
}

// Strategy 5: deep-scan transaction events for namespace-prefixed
// usernames (sender, state_key, user_id, content, invite_room_state,
// unsigned fields, matrix.to mentions).
func (r *Resolver) fromTransactionEvents(in resolveInput) (*store.Bridge, error) {
	if in.source != SourceHomeserver || !strings.HasPrefix(in.path, transactionsPrefix) {
		return nil, nil
	}
	events := transactionEvents(in.body)
	if len(events) == 0 {
		return nil, nil
	}

	usernames, err := r.translator.FindNamespaced(events)
	if err != nil {
		return nil, err
	}
	for _, username := range usernames {
		u, ok := r.translator.Parse(username)
		if !ok {
			continue
		}
		b, err := r.bridges.GetByOrchestratorID(u.OrchestratorID)
		if errors.IsKind(err, errors.KindBridgeNotFound) {
			continue
		}
		return b, err
	}
	return nil, nil
}

// Strategy 6: room ownership. Events sent by plain users in bridged
// rooms carry no bridge identity, so fall back to the room mapping
// recorded when the bridge created or last sent into the room.
func (r *Resolver) fromRoomID(in resolveInput) (*store.Bridge, error) {
	if in.source != SourceHomeserver || !strings.HasPrefix(in.path, transactionsPrefix) {
		return nil, nil
	}
	for _, ev := range transactionEvents(in.body) {
		event, ok := ev.(map[string]any)
		if !ok {
			continue
		}
		roomID, _ := event["room_id"].(string)
		if roomID == "" {
			continue
		}
		bridgeID, found, err := r.rooms.BridgeIDFor(roomID)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		b, err := r.bridges.GetByID(bridgeID)
		if errors.IsKind(err, errors.KindBridgeNotFound) {
			continue
		}
		return b, err
	}
	return nil, nil
}

// Strategy 7: encoded username anywhere in the body.
func (r *Resolver) fromBodyUsername(in resolveInput) (*store.Bridge, error) {
	if in.source != SourceHomeserver || in.body == nil {
		return nil, nil
	}
	username, ok, err := r.translator.FindEncoded(in.body)
	if err != nil || !ok {
		return nil, err
	}
	u, parsed := r.translator.Parse(username)
	if !parsed {
		return nil, nil
	}
	b, err := r.bridges.GetByOrchestratorID(u.OrchestratorID)
	if errors.IsKind(err, errors.KindBridgeNotFound) {
		return nil, nil
	}
	return b, err
}

// Strategy 8: legacy last resort. Pair a plain owner username with the
// service type taken from an encoded username elsewhere in the body.
func (r *Resolver) fromOwnerService(in resolveInput) (*store.Bridge, error) {
	if in.source != SourceHomeserver || in.body == nil {
		return nil, nil
	}

	owner, ok, err := r.translator.findString(in.body, 0, func(s string) bool {
		if _, encoded := r.translator.Parse(s); encoded {
			return false
		}
		return r.translator.plain.MatchString(s)
	})
	if err != nil || !ok {
		return nil, err
	}
	encoded, ok, err := r.translator.FindEncoded(in.body)
	if err != nil || !ok {
		return nil, err
	}
	u, parsed := r.translator.Parse(encoded)
	if !parsed {
		return nil, nil
	}

	b, err := r.bridges.GetByOwnerAndService(owner, u.Service)
	if errors.IsKind(err, errors.KindBridgeNotFound) {
		return nil, nil
	}
	return b, err
}

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

func transactionEvents(body any) []any {
	m, ok := body.(map[string]any)
	if !ok {
		return nil
	}
	events, _ := m["events"].([]any)
	return events
}
