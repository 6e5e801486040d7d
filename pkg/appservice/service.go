// Package appservice implements the multiplexer's routing core: one AS
// registration on the homeserver fronting many bridge processes. The
// homeserver ingress demultiplexes AS traffic to the owning bridge; the
// bridge ingress forwards client-server traffic upstream with
// identifier rewriting.
package appservice

import (
	"net/http"

	"github.com/bridgemux/bridgemux/pkg/config"
	"github.com/bridgemux/bridgemux/pkg/logger"
	"github.com/bridgemux/bridgemux/pkg/metrics"
	"github.com/bridgemux/bridgemux/pkg/registry"
	"github.com/bridgemux/bridgemux/pkg/store"
)

// Service wires the routing core together: translator, resolver,
// homeserver egress and per-bridge handles.
type Service struct {
	cfg        *config.Config
	store      *store.Store
	registry   *registry.BridgeRegistry
	translator *Translator
	resolver   *Resolver
	homeserver *HomeserverService
	metrics    *metrics.Metrics
	client     *http.Client
	logger     *logger.Logger
}

// New builds the routing core. The shared http.Client carries every
// outbound call in both directions; per-request deadlines come from
// request contexts, not the client.
func New(cfg *config.Config, st *store.Store, reg *registry.BridgeRegistry, m *metrics.Metrics, log *logger.Logger) *Service {
	translator := NewTranslator(cfg.AppService.Namespace)

	s := &Service{
		cfg:        cfg,
		store:      st,
		registry:   reg,
		translator: translator,
		metrics:    m,
		client:     &http.Client{},
		logger:     log.WithComponent("appservice"),
	}
	s.resolver = NewResolver(reg, st.Transactions, st.Rooms, translator, log)
	s.homeserver = NewHomeserverService(s)
	return s
}

// Translator returns the username translator.
func (s *Service) Translator() *Translator {
	return s.translator
}

// Homeserver returns the homeserver-facing service.
func (s *Service) Homeserver() *HomeserverService {
	return s.homeserver
}

// BridgeServiceFor returns the per-bridge handle for a resolved bridge,
// selecting the route table variant for its platform.
func (s *Service) BridgeServiceFor(b *store.Bridge) *BridgeService {
	return NewBridgeService(s, b)
}
