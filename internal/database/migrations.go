package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/cirql/backend/internal/geo"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/places"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationStripProviderPrefix = "2026-09-14_strip_provider_prefix_from_memberships"
	migrationBackfillGeohashes   = "2026-09-21_backfill_geohashes"

	legacyProviderPrefix = "google:"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationStripProviderPrefix, apply: stripProviderPrefix},
		{name: migrationBackfillGeohashes, apply: backfillGeohashes},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// stripProviderPrefix rewrites membership keys written before user ids were
// canonicalized. Rows whose canonical key already exists are left untouched.
func stripProviderPrefix(db *gorm.DB) error {
	start := len(legacyProviderPrefix) + 1
	pattern := legacyProviderPrefix + "%"
	if err := db.Exec(
		"UPDATE OR IGNORE place_members SET user_id = substr(user_id, ?) WHERE user_id LIKE ?",
		start, pattern,
	).Error; err != nil {
		return err
	}
	return db.Exec(
		"UPDATE places SET created_by = substr(created_by, ?) WHERE created_by LIKE ?",
		start, pattern,
	).Error
}

func backfillGeohashes(db *gorm.DB) error {
	var pending []places.Place
	if err := db.Where("origin_geohash = ''").Find(&pending).Error; err != nil {
		return err
	}
	for _, place := range pending {
		hash := geo.Encode(place.OriginLat, place.OriginLng, geo.DefaultPrecision)
		if err := db.Model(&places.Place{}).
			Where("place_id = ?", place.PlaceID).
			Update("origin_geohash", hash).Error; err != nil {
			return err
		}
	}

	var members []places.PlaceMember
	if err := db.Where("geohash = ''").Find(&members).Error; err != nil {
		return err
	}
	for _, member := range members {
		hash := geo.Encode(member.Lat, member.Lng, geo.DefaultPrecision)
		if err := db.Model(&places.PlaceMember{}).
			Where("place_id = ? AND user_id = ?", member.PlaceID, member.UserID).
			Update("geohash", hash).Error; err != nil {
			return err
		}
	}
	return nil
}
