package store

import (
	stderrors "errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bridgemux/bridgemux/pkg/errors"
)

// RoomRepository handles room to bridge mapping operations.
type RoomRepository struct {
	db *gorm.DB
}

// NewRoomRepository creates a new room repository.
func NewRoomRepository(db *gorm.DB) *RoomRepository {
	return &RoomRepository{db: db}
}

// Upsert records that a room belongs to a bridge, replacing any
// existing owner. Recorded after a room create or send succeeds; the
// updated_at column doubles as the room's last-seen timestamp, so it is
// refreshed even when the owner is unchanged.
func (r *RoomRepository) Upsert(roomID string, bridgeID uint) error {
	m := RoomBridgeMapping{RoomID: roomID, BridgeID: bridgeID}
	err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"bridge_id":  bridgeID,
			"updated_at": time.Now().UTC(),
		}),
	}).Create(&m).Error
	if err != nil {
		return errors.Wrap(errors.KindStorage, err, "failed to upsert room mapping")
	}
	return nil
}

// BridgeIDFor returns the bridge that owns a room, or (0, false) when
// no mapping exists.
func (r *RoomRepository) BridgeIDFor(roomID string) (uint, bool, error) {
	var m RoomBridgeMapping
	err := r.db.Where("room_id = ?", roomID).First(&m).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, errors.Wrap(errors.KindStorage, err, "failed to query room mapping")
	}
	return m.BridgeID, true, nil
}
