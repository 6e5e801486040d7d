package store

import (
	stderrors "errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bridgemux/bridgemux/pkg/errors"
)

// HomeserverRepository handles homeserver table operations.
type HomeserverRepository struct {
	db *gorm.DB
}

// NewHomeserverRepository creates a new homeserver repository.
func NewHomeserverRepository(db *gorm.DB) *HomeserverRepository {
	return &HomeserverRepository{db: db}
}

// Ensure upserts the configured homeserver by name and returns the
// stored row. Called once at startup.
func (r *HomeserverRepository) Ensure(name, url, hsToken string) (*Homeserver, error) {
	hs := Homeserver{Name: name, URL: url, HSToken: hsToken}
	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"url", "hs_token"}),
	}).Create(&hs).Error
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, err, "failed to ensure homeserver")
	}
	return r.GetByName(name)
}

// GetByID retrieves a homeserver by primary key.
func (r *HomeserverRepository) GetByID(id uint) (*Homeserver, error) {
	var hs Homeserver
	err := r.db.First(&hs, id).Error
	return homeserverResult(&hs, err)
}

// GetByName retrieves a homeserver by server name.
func (r *HomeserverRepository) GetByName(name string) (*Homeserver, error) {
	var hs Homeserver
	err := r.db.Where("name = ?", name).First(&hs).Error
	return homeserverResult(&hs, err)
}

// GetByHSToken retrieves the homeserver presenting the given token.
func (r *HomeserverRepository) GetByHSToken(token string) (*Homeserver, error) {
	var hs Homeserver
	err := r.db.Where("hs_token = ?", token).First(&hs).Error
	return homeserverResult(&hs, err)
}

// List retrieves all homeservers.
func (r *HomeserverRepository) List() ([]Homeserver, error) {
	var servers []Homeserver
	if err := r.db.Find(&servers).Error; err != nil {
		return nil, errors.Wrap(errors.KindStorage, err, "failed to list homeservers")
	}
	return servers, nil
}

func homeserverResult(hs *Homeserver, err error) (*Homeserver, error) {
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New(errors.KindUnauthorized, "homeserver not found")
		}
		return nil, errors.Wrap(errors.KindStorage, err, "failed to query homeserver")
	}
	return hs, nil
}
