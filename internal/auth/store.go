package auth

import (
	"errors"
	"strings"
	"time"

	dbmodel "flowwatch/internal/db"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const DefaultCredential = "default"

var ErrNoCredential = errors.New("auth: no stored credential")

// Store persists bearer tokens in the local sqlite db.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Save(name, token string) error {
	if s == nil || s.db == nil {
		return errors.New("credential store is not initialized")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("token is required")
	}
	row := dbmodel.Credential{
		Name:      normalizeName(name),
		Token:     token,
		UpdatedAt: s.now().UTC().Unix(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"token", "updated_at"}),
	}).Create(&row).Error
}

func (s *Store) Load(name string) (string, error) {
	if s == nil || s.db == nil {
		return "", errors.New("credential store is not initialized")
	}
	var row dbmodel.Credential
	err := s.db.Where("name = ?", normalizeName(name)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNoCredential
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(row.Token) == "" {
		return "", ErrNoCredential
	}
	return row.Token, nil
}

func (s *Store) Delete(name string) error {
	if s == nil || s.db == nil {
		return errors.New("credential store is not initialized")
	}
	return s.db.Where("name = ?", normalizeName(name)).Delete(&dbmodel.Credential{}).Error
}

func normalizeName(name string) string {
	if name = strings.TrimSpace(name); name == "" {
		return DefaultCredential
	}
	return name
}
