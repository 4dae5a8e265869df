package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	bbolterrors "go.etcd.io/bbolt/errors"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp-go/internal/config"
)

// StateDBFileName is the bbolt database file under the data directory.
const StateDBFileName = "state.db"

const openTimeout = 10 * time.Second

// BoltStore is the bbolt-backed state cache. It holds the last capability
// snapshot per upstream server and the template render cache.
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

var _ config.RenderCache = (*BoltStore)(nil)

// NewBoltStore opens (or creates) the state database under dataDir. A stale
// file lock is handled by backing up the database file and recreating it.
func NewBoltStore(dataDir string, logger *zap.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dbPath := filepath.Join(dataDir, StateDBFileName)

	db, err := bbolt.Open(dbPath, 0o644, &bbolt.Options{
		Timeout: openTimeout,
	})
	if err != nil {
		logger.Warn("failed to open state database on first attempt", zap.Error(err))

		if errors.Is(err, bbolterrors.ErrTimeout) {
			logger.Info("state database lock timeout, attempting recovery")

			if _, statErr := os.Stat(dbPath); statErr == nil {
				backupPath := dbPath + ".backup." + time.Now().Format("20060102-150405")
				logger.Info("backing up locked state database", zap.String("backup", backupPath))

				if cpErr := copyFile(dbPath, backupPath); cpErr != nil {
					logger.Warn("failed to back up state database", zap.Error(cpErr))
				}
				if rmErr := os.Remove(dbPath); rmErr != nil {
					logger.Warn("failed to remove locked state database", zap.Error(rmErr))
				}
			}

			db, err = bbolt.Open(dbPath, 0o644, &bbolt.Options{
				Timeout: openTimeout / 2,
			})
		}

		if err != nil {
			return nil, fmt.Errorf("failed to open state database after recovery attempt: %w", err)
		}
	}

	store := &BoltStore{
		db:     db,
		logger: logger,
	}

	if err := store.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *BoltStore) Path() string {
	return s.db.Path()
}

// DB exposes the underlying handle for health probes.
func (s *BoltStore) DB() *bbolt.DB {
	return s.db
}

// initBuckets creates required buckets and records the schema version.
func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := []string{
			CapabilitiesBucket,
			RendersBucket,
			MetaBucket,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		metaBucket := tx.Bucket([]byte(MetaBucket))
		versionBytes := make([]byte, 8)
		binary.LittleEndian.PutUint64(versionBytes, CurrentSchemaVersion)
		return metaBucket.Put([]byte(SchemaVersionKey), versionBytes)
	})
}

// SchemaVersion returns the stored schema version.
func (s *BoltStore) SchemaVersion() (uint64, error) {
	var version uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(MetaBucket))
		if bucket == nil {
			return fmt.Errorf("meta bucket not found")
		}

		versionBytes := bucket.Get([]byte(SchemaVersionKey))
		if versionBytes == nil {
			version = 0
			return nil
		}

		version = binary.LittleEndian.Uint64(versionBytes)
		return nil
	})

	return version, err
}

// Capability snapshot operations

// SaveCapabilities stores the capability snapshot for a server.
func (s *BoltStore) SaveCapabilities(record *CapabilityRecord) error {
	record.Updated = time.Now()

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(CapabilitiesBucket))
		data, err := record.MarshalBinary()
		if err != nil {
			return err
		}
		return bucket.Put([]byte(record.Server), data)
	})
}

// GetCapabilities returns the stored capability snapshot for a server,
// or ErrNotFound when none has been saved.
func (s *BoltStore) GetCapabilities(server string) (*CapabilityRecord, error) {
	var record *CapabilityRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(CapabilitiesBucket))
		data := bucket.Get([]byte(server))
		if data == nil {
			return ErrNotFound
		}

		record = &CapabilityRecord{}
		return record.UnmarshalBinary(data)
	})

	return record, err
}

// ListCapabilities returns the capability snapshots of all servers.
func (s *BoltStore) ListCapabilities() ([]*CapabilityRecord, error) {
	var records []*CapabilityRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(CapabilitiesBucket))
		return bucket.ForEach(func(_, v []byte) error {
			record := &CapabilityRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})

	return records, err
}

// DeleteCapabilities removes the stored snapshot for a server.
func (s *BoltStore) DeleteCapabilities(server string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(CapabilitiesBucket))
		return bucket.Delete([]byte(server))
	})
}

// Render cache operations

// GetRender returns the cached template render for a context hash.
func (s *BoltStore) GetRender(key string) ([]byte, bool) {
	var data []byte

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(RendersBucket))
		if v := bucket.Get([]byte(key)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("render cache read failed", zap.Error(err))
		return nil, false
	}
	if data == nil {
		return nil, false
	}
	return data, true
}

// PutRender stores a template render under a context hash.
func (s *BoltStore) PutRender(key string, rendered []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(RendersBucket))
		return bucket.Put([]byte(key), rendered)
	})
}

// Backup copies the database to destPath.
func (s *BoltStore) Backup(destPath string) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(destPath, 0o644)
	})
}

func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destFile.Close()

	_, err = io.Copy(destFile, sourceFile)
	return err
}
