package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/cradle/internal/access"
	"github.com/MarcoPoloResearchLab/cradle/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesAccessLevels(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := access.Record{UserID: "user-1", BabyID: 3, Level: "OWNER", CreatedAtMillis: 1, UpdatedAtMillis: 1}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert access record: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored access.Record
	if err := database.Where("user_id = ? AND baby_id = ?", "user-1", 3).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload record: %v", err)
	}
	if stored.Level != access.LevelOwner {
		testContext.Fatalf("expected access level to be normalised, got %q", stored.Level)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeAccessLevels).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsBackfillsUsers(testContext *testing.T) {
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "backfill.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	identity := users.Identity{Provider: "google", Subject: "abc", UserID: "abc"}
	if err := database.Create(&identity).Error; err != nil {
		testContext.Fatalf("failed to insert identity: %v", err)
	}

	if err := applyMigrations(database, nil); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	// Re-running is a no-op once recorded.
	if err := applyMigrations(database, nil); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}

	var count int64
	if err := database.Model(&users.User{}).Where("id = ?", "abc").Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected backfilled user, got %d", count)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "open.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("open failed: %v", err)
	}
	for _, table := range []string{"babies", "feed_logs", "sync_events", "baby_access", "users", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
