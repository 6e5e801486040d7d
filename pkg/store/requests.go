package store

import (
	"time"

	"gorm.io/gorm"

	"github.com/bridgemux/bridgemux/pkg/errors"
)

// RequestRepository handles audit log operations.
type RequestRepository struct {
	db *gorm.DB
}

// NewRequestRepository creates a new request repository.
func NewRequestRepository(db *gorm.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// Create persists a new audit row.
func (r *RequestRepository) Create(req *Request) error {
	if err := r.db.Create(req).Error; err != nil {
		return errors.Wrap(errors.KindStorage, err, "failed to create audit row")
	}
	return nil
}

// LogOutbound records the forwarded URL and body and advances the row
// to the outbound_logged state.
func (r *RequestRepository) LogOutbound(id uint, url, body string) error {
	err := r.db.Model(&Request{}).Where("id = ?", id).Updates(map[string]interface{}{
		"outbound_url":  url,
		"outbound_body": body,
		"outbound_at":   time.Now().UTC(),
		"state":         RequestStateOutboundLogged,
	}).Error
	if err != nil {
		return errors.Wrap(errors.KindStorage, err, "failed to log outbound request")
	}
	return nil
}

// LogResponse records the final status and body returned to the caller
// and advances the row to the response_logged state.
func (r *RequestRepository) LogResponse(id uint, status int, body string) error {
	err := r.db.Model(&Request{}).Where("id = ?", id).Updates(map[string]interface{}{
		"response_status": status,
		"response_body":   body,
		"state":           RequestStateResponseLogged,
	}).Error
	if err != nil {
		return errors.Wrap(errors.KindStorage, err, "failed to log response")
	}
	return nil
}

// SetResolution records the resolved bridge, homeserver and the
// strategy that identified the bridge.
func (r *RequestRepository) SetResolution(id uint, bridgeID, homeserverID *uint, method ResolutionMethod) error {
	err := r.db.Model(&Request{}).Where("id = ?", id).Updates(map[string]interface{}{
		"bridge_id":         bridgeID,
		"homeserver_id":     homeserverID,
		"resolution_method": method,
	}).Error
	if err != nil {
		return errors.Wrap(errors.KindStorage, err, "failed to record resolution")
	}
	return nil
}

// GetByID retrieves an audit row by primary key.
func (r *RequestRepository) GetByID(id uint) (*Request, error) {
	var req Request
	if err := r.db.First(&req, id).Error; err != nil {
		return nil, errors.Wrap(errors.KindStorage, err, "failed to query audit row")
	}
	return &req, nil
}

// Recent retrieves the most recent audit rows.
func (r *RequestRepository) Recent(limit int) ([]Request, error) {
	var reqs []Request
	err := r.db.Order("created_at DESC").Limit(limit).Find(&reqs).Error
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, err, "failed to list audit rows")
	}
	return reqs, nil
}
