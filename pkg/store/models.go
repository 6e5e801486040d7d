package store

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Bridge status values reported by the orchestrator status sweep.
const (
	BridgeStatusProvisioning = "provisioning"
	BridgeStatusStarting     = "starting"
	BridgeStatusRunning      = "running"
	BridgeStatusUnhealthy    = "unhealthy"
	BridgeStatusStopped      = "stopped"
)

// Request lifecycle states for the audit log.
const (
	RequestStateCreated        = "created"
	RequestStateOutboundLogged = "outbound_logged"
	RequestStateResponseLogged = "response_logged"
)

// ResolutionMethod records which resolver strategy identified the bridge
// for a request. Persisted on the audit row.
type ResolutionMethod string

const (
	ResolutionAuthToken         ResolutionMethod = "auth_token"
	ResolutionQueryUserID       ResolutionMethod = "query_user_id"
	ResolutionPathUsername      ResolutionMethod = "path_username"
	ResolutionTransactionID     ResolutionMethod = "transaction_id"
	ResolutionTransactionEvents ResolutionMethod = "transaction_events"
	ResolutionRoomID            ResolutionMethod = "room_id"
	ResolutionBodyUsername      ResolutionMethod = "body_username"
	ResolutionOwnerService      ResolutionMethod = "owner_service"
	ResolutionNone              ResolutionMethod = ""
)

// Homeserver is a Matrix homeserver the multiplexer fronts. The
// configured homeserver is seeded here on startup.
type Homeserver struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	Name      string    `gorm:"uniqueIndex;size:255;not null" json:"name"`
	URL       string    `gorm:"size:512;not null" json:"url"`
	HSToken   string    `gorm:"index;size:255;not null" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Homeserver) TableName() string {
	return "homeservers"
}

// Bridge is one registered bridge instance behind the multiplexer.
type Bridge struct {
	ID uint `gorm:"primarykey" json:"id"`

	// OrchestratorID is the short unique id embedded in encoded
	// usernames, e.g. the "abc12345" in "_bridge_manager__whatsapp_abc12345__alice".
	OrchestratorID string `gorm:"uniqueIndex;size:64;not null" json:"orchestrator_id"`

	// BridgeService is the platform this bridge connects, e.g.
	// "whatsapp" or "discord".
	BridgeService string `gorm:"index;size:64;not null" json:"bridge_service"`

	// Owner is the Matrix user id of the person the bridge was
	// provisioned for.
	Owner string `gorm:"index;size:255" json:"owner"`

	// ASToken is the token this bridge presents on inbound requests.
	ASToken string `gorm:"uniqueIndex;size:255;not null" json:"-"`

	HomeserverID uint       `gorm:"index;not null" json:"homeserver_id"`
	Homeserver   Homeserver `json:"-"`

	// Where the multiplexer reaches this bridge's client-server API.
	Address string `gorm:"size:255" json:"address"`
	Port    int    `json:"port"`

	// BotUsername is the bridge bot's encoded Matrix user id.
	BotUsername string `gorm:"size:255" json:"bot_username,omitempty"`

	// ManagementRoomID is the room the bridge bot administers its owner
	// through, recorded when known.
	ManagementRoomID string `gorm:"size:255" json:"management_room_id,omitempty"`

	// Container orchestration state. Empty for externally managed bridges.
	ContainerID string `gorm:"size:128" json:"container_id,omitempty"`
	Status      string `gorm:"size:32" json:"status"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Bridge) TableName() string {
	return "bridges"
}

// BaseURL returns the bridge's client-server API base URL.
func (b *Bridge) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", b.Address, b.Port)
}

// UserPrefix returns the per-bridge username infix, e.g.
// "whatsapp_abc12345".
func (b *Bridge) UserPrefix() string {
	return b.BridgeService + "_" + b.OrchestratorID
}

// TransactionMapping maps a homeserver transaction id to the bridge the
// transaction was last pinged through.
type TransactionMapping struct {
	ID            uint      `gorm:"primarykey" json:"id"`
	TransactionID string    `gorm:"uniqueIndex;size:255;not null" json:"transaction_id"`
	BridgeASToken string    `gorm:"size:255" json:"-"`
	BridgeID      uint      `gorm:"index;not null" json:"bridge_id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (TransactionMapping) TableName() string {
	return "transaction_mappings"
}

// RoomBridgeMapping maps a Matrix room id to the bridge that created or
// last sent into it.
type RoomBridgeMapping struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	RoomID    string    `gorm:"uniqueIndex;size:255;not null" json:"room_id"`
	BridgeID  uint      `gorm:"index;not null" json:"bridge_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (RoomBridgeMapping) TableName() string {
	return "room_bridge_mappings"
}

// Request is one audit row per inbound request. Exactly one row is
// created per request regardless of outcome; outbound and response
// details are filled in as the request progresses.
type Request struct {
	ID uint `gorm:"primarykey" json:"id"`

	// Source is "homeserver" or "bridge", matching the ingress the
	// request arrived on.
	Source string `gorm:"index;size:16;not null" json:"source"`

	Method string `gorm:"size:8;not null" json:"method"`
	Path   string `gorm:"size:1024;not null" json:"path"`

	// Snapshots captured before resolution, serialized as JSON text.
	Headers string `json:"headers,omitempty"`
	Query   string `json:"query,omitempty"`
	Body    string `json:"body,omitempty"`

	BridgeID         *uint            `gorm:"index" json:"bridge_id,omitempty"`
	HomeserverID     *uint            `gorm:"index" json:"homeserver_id,omitempty"`
	ResolutionMethod ResolutionMethod `gorm:"size:32" json:"resolution_method,omitempty"`

	// DiscoveryError holds the resolver failure text when no bridge
	// could be identified for the request.
	DiscoveryError string `gorm:"size:512" json:"discovery_error,omitempty"`

	OutboundURL  string     `gorm:"size:1024" json:"outbound_url,omitempty"`
	OutboundBody string     `json:"outbound_body,omitempty"`
	OutboundAt   *time.Time `json:"outbound_at,omitempty"`

	ResponseStatus int    `json:"response_status,omitempty"`
	ResponseBody   string `json:"response_body,omitempty"`

	State string `gorm:"size:32;not null" json:"state"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Request) TableName() string {
	return "requests"
}

// BeforeCreate defaults the audit state.
func (r *Request) BeforeCreate(tx *gorm.DB) error {
	if r.State == "" {
		r.State = RequestStateCreated
	}
	return nil
}
