package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cradle/internal/entities"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrMissingDatabase indicates the store was built without a database handle.
	ErrMissingDatabase = errors.New("outbox: database handle required")
	// ErrInvalidMutation indicates a mutation lacks the fields needed to replay it.
	ErrInvalidMutation = errors.New("outbox: invalid mutation")
	// ErrEntryNotFound indicates no entry matched the mutation id.
	ErrEntryNotFound = errors.New("outbox: entry not found")
)

type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the durable client-side queue of unconfirmed mutations.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// OpenStore opens (or creates) an outbox database at path.
func OpenStore(path string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open outbox database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("outbox sql handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return NewStore(StoreConfig{Database: db, Logger: log})
}

// NewStore migrates the outbox tables on the provided handle.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	if err := cfg.Database.AutoMigrate(&Entry{}, &stateRecord{}); err != nil {
		return nil, fmt.Errorf("migrate outbox: %w", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: log}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Enqueue stores a pending entry. Enqueueing an existing mutation id returns the stored entry unchanged.
func (s *Store) Enqueue(ctx context.Context, mutation entities.Mutation) (Entry, error) {
	if strings.TrimSpace(mutation.MutationID) == "" {
		return Entry{}, fmt.Errorf("%w: mutation id required", ErrInvalidMutation)
	}
	if mutation.EntityType == "" || strings.TrimSpace(mutation.EntityID) == "" {
		return Entry{}, fmt.Errorf("%w: entity type and id required", ErrInvalidMutation)
	}
	if !mutation.Op.Valid() {
		return Entry{}, fmt.Errorf("%w: unknown op %q", ErrInvalidMutation, mutation.Op)
	}
	payload := string(mutation.Payload)
	if strings.TrimSpace(payload) == "" {
		payload = "{}"
	}

	entry := Entry{
		MutationID:      mutation.MutationID,
		EntityType:      string(mutation.EntityType),
		EntityID:        mutation.EntityID,
		Op:              string(mutation.Op),
		PayloadJSON:     payload,
		Status:          StatusPending,
		CreatedAtMillis: s.clock().UTC().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error; err != nil {
		return Entry{}, fmt.Errorf("enqueue %s: %w", mutation.MutationID, err)
	}
	return s.Get(ctx, mutation.MutationID)
}

// Get loads one entry by mutation id.
func (s *Store) Get(ctx context.Context, mutationID string) (Entry, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Where("mutation_id = ?", mutationID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, ErrEntryNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("load entry %s: %w", mutationID, err)
	}
	return entry, nil
}

// PendingEntries returns up to limit pending entries, oldest first. A non-positive limit returns all.
func (s *Store) PendingEntries(ctx context.Context, limit int) ([]Entry, error) {
	query := s.db.WithContext(ctx).Where("status = ?", StatusPending).Order("created_at_ms ASC").Order("mutation_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var entries []Entry
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list pending entries: %w", err)
	}
	return entries, nil
}

// MarkResult records a server outcome. Success becomes synced, conflict keeps the server row, anything else fails.
func (s *Store) MarkResult(ctx context.Context, result entities.MutationResult) error {
	now := s.clock().UTC().UnixMilli()
	updates := map[string]any{"last_attempt_at_ms": now}
	switch result.Status {
	case entities.StatusSuccess:
		updates["status"] = StatusSynced
		updates["error_message"] = nil
		updates["server_data"] = nil
	case entities.StatusConflict:
		updates["status"] = StatusConflict
		updates["error_message"] = nil
		updates["server_data"] = optionalText(string(result.ServerData))
	default:
		message := result.Error
		if message == "" {
			message = fmt.Sprintf("unexpected status %q", result.Status)
		}
		updates["status"] = StatusFailed
		updates["error_message"] = message
	}

	tx := s.db.WithContext(ctx).Model(&Entry{}).Where("mutation_id = ?", result.MutationID).Updates(updates)
	if tx.Error != nil {
		return fmt.Errorf("mark result %s: %w", result.MutationID, tx.Error)
	}
	if tx.RowsAffected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// RetryFailed moves every failed entry back to pending.
func (s *Store) RetryFailed(ctx context.Context) (int64, error) {
	tx := s.db.WithContext(ctx).Model(&Entry{}).Where("status = ?", StatusFailed).
		Updates(map[string]any{"status": StatusPending, "error_message": nil})
	if tx.Error != nil {
		return 0, fmt.Errorf("retry failed entries: %w", tx.Error)
	}
	return tx.RowsAffected, nil
}

// Prune deletes synced entries.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	tx := s.db.WithContext(ctx).Where("status = ?", StatusSynced).Delete(&Entry{})
	if tx.Error != nil {
		return 0, fmt.Errorf("prune synced entries: %w", tx.Error)
	}
	return tx.RowsAffected, nil
}

// Conflicts lists entries awaiting client-side resolution.
func (s *Store) Conflicts(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := s.db.WithContext(ctx).Where("status = ?", StatusConflict).Order("created_at_ms ASC").Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	return entries, nil
}

// Resolve drops a conflicted entry once the application has re-applied its intent.
func (s *Store) Resolve(ctx context.Context, mutationID string) error {
	tx := s.db.WithContext(ctx).Where("mutation_id = ? AND status = ?", mutationID, StatusConflict).Delete(&Entry{})
	if tx.Error != nil {
		return fmt.Errorf("resolve %s: %w", mutationID, tx.Error)
	}
	if tx.RowsAffected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// Counts reports the number of entries per status.
func (s *Store) Counts(ctx context.Context) (map[Status]int64, error) {
	var rows []struct {
		Status Status
		Total  int64
	}
	err := s.db.WithContext(ctx).Model(&Entry{}).Select("status, COUNT(*) AS total").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}
	counts := map[Status]int64{StatusPending: 0, StatusFailed: 0, StatusSynced: 0, StatusConflict: 0}
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

// GetState reads a sync state value, returning def when unset.
func (s *Store) GetState(ctx context.Context, key, def string) (string, error) {
	var record stateRecord
	err := s.db.WithContext(ctx).Where("key = ?", key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("read state %s: %w", key, err)
	}
	return record.Value, nil
}

// SetState upserts a sync state value.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	record := stateRecord{Key: key, Value: value}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("write state %s: %w", key, err)
	}
	return nil
}

func optionalText(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
