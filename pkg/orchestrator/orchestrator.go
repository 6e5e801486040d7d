// Package orchestrator manages bridge container lifecycle: provisioning
// new bridge instances, probing their health endpoints, and tearing
// them down together with their routing state.
package orchestrator

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/bridgemux/bridgemux/pkg/config"
	"github.com/bridgemux/bridgemux/pkg/errors"
	"github.com/bridgemux/bridgemux/pkg/logger"
	"github.com/bridgemux/bridgemux/pkg/metrics"
	"github.com/bridgemux/bridgemux/pkg/registry"
	"github.com/bridgemux/bridgemux/pkg/store"
)

const (
	liveEndpoint  = "_matrix/mau/live"
	readyEndpoint = "_matrix/mau/ready"

	probeTimeout = 5 * time.Second
)

// Orchestrator provisions and supervises bridge containers.
type Orchestrator struct {
	cfg      *config.Config
	store    *store.Store
	registry *registry.BridgeRegistry
	runtime  ContainerRuntime
	metrics  *metrics.Metrics
	probe    *http.Client
	logger   *logger.Logger
}

// New builds an orchestrator over the given container runtime.
func New(cfg *config.Config, st *store.Store, reg *registry.BridgeRegistry, rt ContainerRuntime, m *metrics.Metrics, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    st,
		registry: reg,
		runtime:  rt,
		metrics:  m,
		probe:    &http.Client{Timeout: probeTimeout},
		logger:   log.WithComponent("orchestrator"),
	}
}

// CreateBridge provisions a new bridge container for an owner and
// registers it for routing. The rendered config is uploaded before the
// container starts so the bridge boots with its appservice identity.
func (o *Orchestrator) CreateBridge(ctx context.Context, service, owner string) (*store.Bridge, error) {
	spec, err := specFor(service)
	if err != nil {
		return nil, err
	}

	hs, err := o.pickHomeserver()
	if err != nil {
		return nil, err
	}
	port, err := freePort()
	if err != nil {
		return nil, err
	}

	orchestratorID := shortID()
	asToken := mintToken()
	userPrefix := service + "_" + orchestratorID
	containerName := "bridgemux__" + userPrefix
	botUsername := fmt.Sprintf("@%s%s__%s:%s",
		o.cfg.AppService.Namespace, userPrefix, spec.BotLocal, hs.Name)

	params := configParams{
		HomeserverAddress:  o.cfg.Orchestrator.BridgeAddress,
		HomeserverName:     hs.Name,
		AppserviceAddress:  fmt.Sprintf("http://%s:%d", containerName, port),
		AppserviceHostname: "0.0.0.0",
		AppservicePort:     port,
		AppserviceID:       orchestratorID,
		AppserviceBotUser:  spec.BotLocal,
		AppserviceASToken:  asToken,
		AppserviceHSToken:  hs.HSToken,
	}
	rendered, err := renderConfig(o.cfg.Orchestrator.TemplateDir, spec.TemplateFile, params)
	if err != nil {
		return nil, err
	}
	archive, err := configArchive(rendered)
	if err != nil {
		return nil, err
	}

	containerID, err := o.runtime.CreateContainer(ctx, ContainerSpec{
		Name:      containerName,
		Image:     spec.Image,
		HostPort:  port,
		Volume:    spec.DataVolume,
		MountPath: spec.ConfigDir,
	})
	if err != nil {
		return nil, err
	}
	if err := o.runtime.UploadArchive(ctx, containerID, spec.ConfigDir, archive); err != nil {
		o.cleanupContainer(ctx, containerID)
		return nil, err
	}
	if err := o.runtime.StartContainer(ctx, containerID); err != nil {
		o.cleanupContainer(ctx, containerID)
		return nil, err
	}

	bridge := &store.Bridge{
		OrchestratorID: orchestratorID,
		BridgeService:  service,
		Owner:          owner,
		ASToken:        asToken,
		HomeserverID:   hs.ID,
		Address:        "127.0.0.1",
		Port:           port,
		BotUsername:    botUsername,
		ContainerID:    containerID,
		Status:         store.BridgeStatusStarting,
	}
	if err := o.store.Bridges.Create(bridge); err != nil {
		o.cleanupContainer(ctx, containerID)
		return nil, err
	}

	o.logger.Info("bridge provisioned",
		"service", service, "owner", owner,
		"orchestrator_id", orchestratorID, "container", containerName, "port", port)
	return bridge, nil
}

// DeleteBridge tears down a bridge: the container is stopped and
// removed, routing state cascades away and the cache entry drops.
func (o *Orchestrator) DeleteBridge(ctx context.Context, id uint) error {
	bridge, err := o.store.Bridges.GetByID(id)
	if err != nil {
		return err
	}

	if bridge.ContainerID != "" {
		if err := o.runtime.StopContainer(ctx, bridge.ContainerID); err != nil {
			o.logger.Warn("stop container failed",
				"bridge_id", id, "container", bridge.ContainerID, "error", err)
		}
		if err := o.runtime.RemoveContainer(ctx, bridge.ContainerID, true); err != nil {
			o.logger.Warn("remove container failed",
				"bridge_id", id, "container", bridge.ContainerID, "error", err)
		}
	}

	if err := o.store.Bridges.SoftDeleteCascade(id); err != nil {
		return err
	}
	o.registry.Invalidate(bridge)

	o.logger.Info("bridge deleted",
		"bridge_id", id, "orchestrator_id", bridge.OrchestratorID)
	return nil
}

// CheckStatus probes a bridge's live and ready endpoints and persists
// the resulting status.
func (o *Orchestrator) CheckStatus(ctx context.Context, bridge *store.Bridge) (string, error) {
	live := o.probeEndpoint(ctx, bridge, liveEndpoint)
	ready := o.probeEndpoint(ctx, bridge, readyEndpoint)

	status := store.BridgeStatusUnhealthy
	switch {
	case live && ready:
		status = store.BridgeStatusRunning
	case live:
		status = store.BridgeStatusStarting
	}

	if status != bridge.Status {
		if err := o.store.Bridges.UpdateStatus(bridge.ID, status); err != nil {
			return status, err
		}
		o.registry.Invalidate(bridge)
		o.logger.Info("bridge status changed",
			"bridge_id", bridge.ID, "from", bridge.Status, "to", status)
	}
	return status, nil
}

// Sweep probes every registered bridge and refreshes the per-status
// population gauge. Wired to a cron schedule by the caller.
func (o *Orchestrator) Sweep(ctx context.Context) error {
	bridges, err := o.store.Bridges.List()
	if err != nil {
		return err
	}

	counts := make(map[string]int)
	for i := range bridges {
		b := &bridges[i]
		status, err := o.CheckStatus(ctx, b)
		if err != nil {
			o.logger.Warn("status check failed", "bridge_id", b.ID, "error", err)
			status = b.Status
		}
		counts[status]++
	}

	for _, status := range []string{
		store.BridgeStatusProvisioning,
		store.BridgeStatusStarting,
		store.BridgeStatusRunning,
		store.BridgeStatusUnhealthy,
		store.BridgeStatusStopped,
	} {
		o.metrics.SetBridgeCount(status, counts[status])
	}
	return nil
}

// Close releases the container runtime connection.
func (o *Orchestrator) Close() error {
	return o.runtime.Close()
}

func (o *Orchestrator) probeEndpoint(ctx context.Context, bridge *store.Bridge, endpoint string) bool {
	url := fmt.Sprintf("%s/%s", bridge.BaseURL(), endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := o.probe.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// pickHomeserver selects the homeserver a new bridge attaches to.
func (o *Orchestrator) pickHomeserver() (*store.Homeserver, error) {
	homeservers, err := o.store.Homeservers.List()
	if err != nil {
		return nil, err
	}
	if len(homeservers) == 0 {
		return nil, errors.New(errors.KindInternal, "no homeservers registered")
	}
	return &homeservers[rand.IntN(len(homeservers))], nil
}

func (o *Orchestrator) cleanupContainer(ctx context.Context, containerID string) {
	if err := o.runtime.RemoveContainer(ctx, containerID, true); err != nil {
		o.logger.Warn("cleanup of failed provision left container behind",
			"container", containerID, "error", err)
	}
}

// shortID mints the 8-character id embedded in encoded usernames.
func shortID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])[:8]
}

// mintToken mints a per-bridge as_token.
func mintToken() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// freePort asks the kernel for an unused TCP port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, errors.Wrap(errors.KindInternal, err, "allocate bridge port")
	}
	defer l.Close()

	_, portStr, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		return 0, errors.Wrap(errors.KindInternal, err, "parse allocated port")
	}
	return strconv.Atoi(portStr)
}
