package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/cradle/internal/access"
	"github.com/MarcoPoloResearchLab/cradle/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeAccessLevels = "2025-01-14_normalize_access_levels"
	migrationBackfillUsers         = "2025-02-02_backfill_users_from_identities"
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
		{name: migrationNormalizeAccessLevels, apply: normalizeAccessLevels},
		{name: migrationBackfillUsers, apply: backfillUsers},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeAccessLevels lower-cases levels written by older clients ("OWNER", "Editor").
func normalizeAccessLevels(db *gorm.DB) error {
	return db.Model(&access.Record{}).
		Where("access_level <> LOWER(access_level)").
		Update("access_level", gorm.Expr("LOWER(access_level)")).Error
}

// backfillUsers creates caregiver rows for identities that predate the users table.
func backfillUsers(db *gorm.DB) error {
	return db.Exec(
		"INSERT INTO " + (users.User{}).TableName() + " (id, display_name, created_at, updated_at) " +
			"SELECT DISTINCT i.user_id, '', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP FROM " + (users.Identity{}).TableName() + " i " +
			"WHERE NOT EXISTS (SELECT 1 FROM " + (users.User{}).TableName() + " u WHERE u.id = i.user_id)",
	).Error
}
