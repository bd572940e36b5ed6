package localstate

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/cradle/internal/entities"
	"go.etcd.io/bbolt"
)

var (
	bucketRecords = []byte("records")
	bucketMeta    = []byte("meta")
	keyCursor     = []byte("cursor")
)

// Persister stores the cache durably.
type Persister interface {
	Load(ctx context.Context) (Snapshot, error)
	PutRecord(ctx context.Context, entityType entities.Type, entityID string, data json.RawMessage) error
	DeleteRecord(ctx context.Context, entityType entities.Type, entityID string) error
	SaveCursor(ctx context.Context, cursor int64) error
}

// Snapshot is the full persisted cache.
type Snapshot struct {
	Records map[entities.Type]map[string]json.RawMessage
	Cursor  int64
}

// BoltPersister keeps one nested bucket per entity type under "records".
type BoltPersister struct {
	db *bbolt.DB
}

// OpenBolt opens (or creates) the cache file at path.
func OpenBolt(path string) (*BoltPersister, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRecords); err != nil {
			return fmt.Errorf("failed to create records bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return fmt.Errorf("failed to create meta bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltPersister{db: db}, nil
}

func (p *BoltPersister) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *BoltPersister) Load(context.Context) (Snapshot, error) {
	snapshot := Snapshot{Records: map[entities.Type]map[string]json.RawMessage{}}
	err := p.db.View(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		if records == nil {
			return fmt.Errorf("records bucket not found")
		}
		err := records.ForEachBucket(func(name []byte) error {
			entityType := entities.Type(name)
			rows := map[string]json.RawMessage{}
			err := records.Bucket(name).ForEach(func(key, value []byte) error {
				rows[string(key)] = append(json.RawMessage(nil), value...)
				return nil
			})
			snapshot.Records[entityType] = rows
			return err
		})
		if err != nil {
			return err
		}
		meta := tx.Bucket(bucketMeta)
		if meta == nil {
			return fmt.Errorf("meta bucket not found")
		}
		if raw := meta.Get(keyCursor); len(raw) == 8 {
			snapshot.Cursor = int64(binary.BigEndian.Uint64(raw))
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load cache: %w", err)
	}
	return snapshot, nil
}

func (p *BoltPersister) PutRecord(_ context.Context, entityType entities.Type, entityID string, data json.RawMessage) error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		if records == nil {
			return fmt.Errorf("records bucket not found")
		}
		rows, err := records.CreateBucketIfNotExists([]byte(entityType))
		if err != nil {
			return fmt.Errorf("failed to create %s bucket: %w", entityType, err)
		}
		if err := rows.Put([]byte(entityID), data); err != nil {
			return fmt.Errorf("failed to save %s/%s: %w", entityType, entityID, err)
		}
		return nil
	})
}

func (p *BoltPersister) DeleteRecord(_ context.Context, entityType entities.Type, entityID string) error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		if records == nil {
			return fmt.Errorf("records bucket not found")
		}
		rows := records.Bucket([]byte(entityType))
		if rows == nil {
			return nil
		}
		if err := rows.Delete([]byte(entityID)); err != nil {
			return fmt.Errorf("failed to delete %s/%s: %w", entityType, entityID, err)
		}
		return nil
	})
}

func (p *BoltPersister) SaveCursor(_ context.Context, cursor int64) error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta == nil {
			return fmt.Errorf("meta bucket not found")
		}
		raw := make([]byte, 8)
		binary.BigEndian.PutUint64(raw, uint64(cursor))
		if err := meta.Put(keyCursor, raw); err != nil {
			return fmt.Errorf("failed to save cursor: %w", err)
		}
		return nil
	})
}
