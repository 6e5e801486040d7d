package store

import (
	stderrors "errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bridgemux/bridgemux/pkg/errors"
)

// TransactionRepository handles transaction mapping operations.
type TransactionRepository struct {
	db *gorm.DB
}

// NewTransactionRepository creates a new transaction repository.
func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Upsert records that a transaction id belongs to a bridge, replacing
// any existing owner. Committed before the triggering request is
// forwarded upstream.
func (r *TransactionRepository) Upsert(transactionID, bridgeASToken string, bridgeID uint) error {
	m := TransactionMapping{
		TransactionID: transactionID,
		BridgeASToken: bridgeASToken,
		BridgeID:      bridgeID,
	}
	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "transaction_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"bridge_as_token", "bridge_id"}),
	}).Create(&m).Error
	if err != nil {
		return errors.Wrap(errors.KindStorage, err, "failed to upsert transaction mapping")
	}
	return nil
}

// BridgeIDFor returns the bridge that owns a transaction id, or
// (0, false) when no mapping exists.
func (r *TransactionRepository) BridgeIDFor(transactionID string) (uint, bool, error) {
	var m TransactionMapping
	err := r.db.Where("transaction_id = ?", transactionID).First(&m).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, errors.Wrap(errors.KindStorage, err, "failed to query transaction mapping")
	}
	return m.BridgeID, true, nil
}
