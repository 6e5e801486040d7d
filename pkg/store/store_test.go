package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgemux/bridgemux/pkg/config"
	"github.com/bridgemux/bridgemux/pkg/errors"
	"github.com/bridgemux/bridgemux/pkg/logger"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "error", Component: "test"})
	require.NoError(t, err)

	s, err := Open(config.StoreConfig{
		Path: filepath.Join(t.TempDir(), "test.db"),
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func seedBridge(t *testing.T, s *Store, orchestratorID, service, owner string) *Bridge {
	t.Helper()

	hs, err := s.Homeservers.Ensure("example.org", "http://localhost:8008", "hs-"+orchestratorID)
	require.NoError(t, err)

	b := &Bridge{
		OrchestratorID: orchestratorID,
		BridgeService:  service,
		Owner:          owner,
		ASToken:        "as-" + orchestratorID,
		HomeserverID:   hs.ID,
		Status:         BridgeStatusRunning,
	}
	require.NoError(t, s.Bridges.Create(b))
	return b
}

func TestBridgeLookups(t *testing.T) {
	s := testStore(t)
	b := seedBridge(t, s, "abc12345", "whatsapp", "@alice:example.org")

	byToken, err := s.Bridges.GetByASToken("as-abc12345")
	require.NoError(t, err)
	assert.Equal(t, b.ID, byToken.ID)

	byOrch, err := s.Bridges.GetByOrchestratorID("abc12345")
	require.NoError(t, err)
	assert.Equal(t, b.ID, byOrch.ID)

	byOwner, err := s.Bridges.GetByOwnerAndService("@alice:example.org", "whatsapp")
	require.NoError(t, err)
	assert.Equal(t, b.ID, byOwner.ID)

	_, err = s.Bridges.GetByASToken("nope")
	assert.True(t, errors.IsKind(err, errors.KindBridgeNotFound))
}

func TestBridgeUserPrefix(t *testing.T) {
	b := Bridge{OrchestratorID: "abc12345", BridgeService: "whatsapp"}
	assert.Equal(t, "whatsapp_abc12345", b.UserPrefix())

	b.BridgeService = "discord"
	assert.Equal(t, "discord_abc12345", b.UserPrefix())

	b.BridgeService = "signal"
	assert.Equal(t, "signal_abc12345", b.UserPrefix())
}

func TestOwnerAndServicePicksNewest(t *testing.T) {
	s := testStore(t)
	seedBridge(t, s, "older000", "whatsapp", "@alice:example.org")
	newer := seedBridge(t, s, "newer000", "whatsapp", "@alice:example.org")

	// Force distinct creation timestamps.
	require.NoError(t, s.DB().Model(&Bridge{}).
		Where("orchestrator_id = ?", "newer000").
		Update("created_at", "2030-01-01 00:00:00").Error)

	got, err := s.Bridges.GetByOwnerAndService("@alice:example.org", "whatsapp")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)
}

func TestTransactionUpsert(t *testing.T) {
	s := testStore(t)
	a := seedBridge(t, s, "aaaa1111", "whatsapp", "@alice:example.org")
	b := seedBridge(t, s, "bbbb2222", "whatsapp", "@bob:example.org")

	require.NoError(t, s.Transactions.Upsert("txn-1", a.ASToken, a.ID))

	id, ok, err := s.Transactions.BridgeIDFor("txn-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.ID, id)

	// Re-pinging the same transaction through another bridge replaces
	// the owner.
	require.NoError(t, s.Transactions.Upsert("txn-1", b.ASToken, b.ID))

	id, ok, err = s.Transactions.BridgeIDFor("txn-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b.ID, id)

	_, ok, err = s.Transactions.BridgeIDFor("txn-unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRoomUpsert(t *testing.T) {
	s := testStore(t)
	a := seedBridge(t, s, "aaaa1111", "whatsapp", "@alice:example.org")

	require.NoError(t, s.Rooms.Upsert("!room:example.org", a.ID))
	require.NoError(t, s.Rooms.Upsert("!room:example.org", a.ID))

	id, ok, err := s.Rooms.BridgeIDFor("!room:example.org")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.ID, id)
}

func TestRoomUpsertRefreshesLastSeen(t *testing.T) {
	s := testStore(t)
	a := seedBridge(t, s, "aaaa1111", "whatsapp", "@alice:example.org")

	require.NoError(t, s.Rooms.Upsert("!room:example.org", a.ID))
	var first RoomBridgeMapping
	require.NoError(t, s.db.Where("room_id = ?", "!room:example.org").First(&first).Error)

	time.Sleep(10 * time.Millisecond)

	// A repeat send into the same room bumps the timestamp even though
	// the owner is unchanged.
	require.NoError(t, s.Rooms.Upsert("!room:example.org", a.ID))
	var second RoomBridgeMapping
	require.NoError(t, s.db.Where("room_id = ?", "!room:example.org").First(&second).Error)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt),
		"updated_at not refreshed: %v vs %v", first.UpdatedAt, second.UpdatedAt)
}

func TestRequestLifecycle(t *testing.T) {
	s := testStore(t)
	b := seedBridge(t, s, "abc12345", "whatsapp", "@alice:example.org")

	req := &Request{
		Source: "bridge",
		Method: "PUT",
		Path:   "_matrix/client/v3/rooms/!r:example.org/send/m.room.message/txn-1",
	}
	require.NoError(t, s.Requests.Create(req))
	require.NotZero(t, req.ID)
	assert.Equal(t, RequestStateCreated, req.State)

	hsID := b.HomeserverID
	require.NoError(t, s.Requests.SetResolution(req.ID, &b.ID, &hsID, ResolutionAuthToken))
	require.NoError(t, s.Requests.LogOutbound(req.ID, "http://localhost:8008/_matrix/client/v3/...", `{"body":"hi"}`))
	require.NoError(t, s.Requests.LogResponse(req.ID, 200, `{"event_id":"$e"}`))

	got, err := s.Requests.GetByID(req.ID)
	require.NoError(t, err)
	assert.Equal(t, RequestStateResponseLogged, got.State)
	assert.Equal(t, 200, got.ResponseStatus)
	assert.NotNil(t, got.OutboundAt)
	assert.Equal(t, ResolutionAuthToken, got.ResolutionMethod)
	require.NotNil(t, got.BridgeID)
	assert.Equal(t, b.ID, *got.BridgeID)
}

func TestSoftDeleteCascade(t *testing.T) {
	s := testStore(t)
	a := seedBridge(t, s, "aaaa1111", "whatsapp", "@alice:example.org")
	b := seedBridge(t, s, "bbbb2222", "discord", "@bob:example.org")

	require.NoError(t, s.Transactions.Upsert("txn-a", a.ASToken, a.ID))
	require.NoError(t, s.Rooms.Upsert("!room-a:example.org", a.ID))
	require.NoError(t, s.Requests.Create(&Request{Source: "bridge", Method: "GET", Path: "p", BridgeID: &a.ID}))

	require.NoError(t, s.Transactions.Upsert("txn-b", b.ASToken, b.ID))
	require.NoError(t, s.Rooms.Upsert("!room-b:example.org", b.ID))

	require.NoError(t, s.Bridges.SoftDeleteCascade(a.ID))

	_, err := s.Bridges.GetByID(a.ID)
	assert.True(t, errors.IsKind(err, errors.KindBridgeNotFound))

	_, ok, err := s.Transactions.BridgeIDFor("txn-a")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Rooms.BridgeIDFor("!room-a:example.org")
	require.NoError(t, err)
	assert.False(t, ok)

	// Unrelated bridge state survives.
	_, err = s.Bridges.GetByID(b.ID)
	require.NoError(t, err)

	id, ok, err := s.Rooms.BridgeIDFor("!room-b:example.org")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b.ID, id)
}

func TestHomeserverEnsureIdempotent(t *testing.T) {
	s := testStore(t)

	first, err := s.Homeservers.Ensure("example.org", "http://localhost:8008", "hs-token")
	require.NoError(t, err)

	second, err := s.Homeservers.Ensure("example.org", "http://localhost:9008", "hs-token-2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "http://localhost:9008", second.URL)

	byToken, err := s.Homeservers.GetByHSToken("hs-token-2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, byToken.ID)

	_, err = s.Homeservers.GetByHSToken("bogus")
	assert.True(t, errors.IsKind(err, errors.KindUnauthorized))
}
