package store

import (
	stderrors "errors"

	"gorm.io/gorm"

	"github.com/bridgemux/bridgemux/pkg/errors"
)

// BridgeRepository handles bridge table operations.
type BridgeRepository struct {
	db *gorm.DB
}

// NewBridgeRepository creates a new bridge repository.
func NewBridgeRepository(db *gorm.DB) *BridgeRepository {
	return &BridgeRepository{db: db}
}

// Create registers a new bridge.
func (r *BridgeRepository) Create(b *Bridge) error {
	if err := r.db.Create(b).Error; err != nil {
		return errors.Wrap(errors.KindStorage, err, "failed to create bridge")
	}
	return nil
}

// GetByID retrieves a bridge by primary key.
func (r *BridgeRepository) GetByID(id uint) (*Bridge, error) {
	var b Bridge
	err := r.db.First(&b, id).Error
	return bridgeResult(&b, err)
}

// GetByASToken retrieves the bridge presenting the given token.
func (r *BridgeRepository) GetByASToken(token string) (*Bridge, error) {
	var b Bridge
	err := r.db.Where("as_token = ?", token).First(&b).Error
	return bridgeResult(&b, err)
}

// GetByOrchestratorID retrieves a bridge by the short id embedded in
// encoded usernames.
func (r *BridgeRepository) GetByOrchestratorID(orchestratorID string) (*Bridge, error) {
	var b Bridge
	err := r.db.Where("orchestrator_id = ?", orchestratorID).First(&b).Error
	return bridgeResult(&b, err)
}

// GetByOwnerAndService retrieves the most recently created bridge for an
// owner and platform. Legacy lookup for requests carrying no bridge
// identity of their own.
func (r *BridgeRepository) GetByOwnerAndService(owner, service string) (*Bridge, error) {
	var b Bridge
	err := r.db.Where("owner = ? AND bridge_service = ?", owner, service).
		Order("created_at DESC").
		First(&b).Error
	return bridgeResult(&b, err)
}

// ListByOwner retrieves all live bridges provisioned for an owner.
func (r *BridgeRepository) ListByOwner(owner string) ([]Bridge, error) {
	var bridges []Bridge
	err := r.db.Where("owner = ?", owner).Order("created_at DESC").Find(&bridges).Error
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, err, "failed to list bridges")
	}
	return bridges, nil
}

// List retrieves all live bridges.
func (r *BridgeRepository) List() ([]Bridge, error) {
	var bridges []Bridge
	err := r.db.Order("created_at DESC").Find(&bridges).Error
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, err, "failed to list bridges")
	}
	return bridges, nil
}

// UpdateStatus records the latest probe result for a bridge.
func (r *BridgeRepository) UpdateStatus(id uint, status string) error {
	err := r.db.Model(&Bridge{}).Where("id = ?", id).Update("status", status).Error
	if err != nil {
		return errors.Wrap(errors.KindStorage, err, "failed to update bridge status")
	}
	return nil
}

// UpdateContainer records the container handle assigned by the
// orchestrator.
func (r *BridgeRepository) UpdateContainer(id uint, containerID string, port int) error {
	err := r.db.Model(&Bridge{}).Where("id = ?", id).Updates(map[string]interface{}{
		"container_id": containerID,
		"port":         port,
	}).Error
	if err != nil {
		return errors.Wrap(errors.KindStorage, err, "failed to update bridge container")
	}
	return nil
}

// SoftDeleteCascade soft-deletes a bridge and removes its dependent
// rows (audit requests, transaction mappings, room mappings) in a
// single transaction.
func (r *BridgeRepository) SoftDeleteCascade(id uint) error {
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("bridge_id = ?", id).Delete(&Request{}).Error; err != nil {
			return err
		}
		if err := tx.Where("bridge_id = ?", id).Delete(&TransactionMapping{}).Error; err != nil {
			return err
		}
		if err := tx.Where("bridge_id = ?", id).Delete(&RoomBridgeMapping{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Bridge{}, id).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindStorage, err, "failed to delete bridge")
	}
	return nil
}

func bridgeResult(b *Bridge, err error) (*Bridge, error) {
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New(errors.KindBridgeNotFound, "bridge not found")
		}
		return nil, errors.Wrap(errors.KindStorage, err, "failed to query bridge")
	}
	return b, nil
}
