// Package store — персистентный журнал записей инстансов на bbolt.
// Движок передаёт сюда только значимые переходы (статус, ReallyConnected, телефон);
// запись ведётся асинхронно через AsyncRecorder и никогда не блокирует опрос.
package store

import (
	"context"
	"os"
	"sort"
	"strings"
	"time"

	"wa-instances/internal/engine"
	"wa-instances/internal/infra/storage"

	"github.com/go-faster/errors"
	"github.com/goccy/go-json"
	"go.etcd.io/bbolt"
)

const (
	instancesBucketName             = "instances"
	dbOpenTimeout                   = time.Second
	dbFileMode          os.FileMode = 0o600
)

var instancesBucket = []byte(instancesBucketName)

// ErrNotFound — записи инстанса нет в базе.
var ErrNotFound = errors.New("store: instance record not found")

// Record — сохранённое состояние инстанса.
type Record struct {
	InstanceID      string        `json:"instanceId"`
	Status          engine.Status `json:"status"`
	ReallyConnected bool          `json:"reallyConnected"`
	PhoneNumber     string        `json:"phoneNumber,omitempty"`
	RetryCount      int           `json:"retryCount"`
	LastError       string        `json:"lastError,omitempty"`
	ChangedAt       time.Time     `json:"changedAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// BoltStore хранит записи инстансов в одном bucket, ключ — id инстанса.
type BoltStore struct {
	db    *bbolt.DB
	clock func() time.Time
}

// Open открывает (или создаёт) файл базы и bucket записей.
func Open(path string) (*BoltStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("store: db path is empty")
	}
	if err := storage.EnsureDir(path); err != nil {
		return nil, errors.Wrap(err, "store: ensure dir")
	}

	db, err := bbolt.Open(path, dbFileMode, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "store: open db")
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, bucketErr := tx.CreateBucketIfNotExists(instancesBucket)
		return bucketErr
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "store: create bucket")
	}
	return &BoltStore{db: db, clock: time.Now}, nil
}

// Close закрывает файл базы.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpdateInstanceRecord применяет patch к записи id (создаёт её при отсутствии).
func (s *BoltStore) UpdateInstanceRecord(ctx context.Context, id string, patch engine.RecordPatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("store: empty instance id")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(instancesBucket)
		if bucket == nil {
			return errors.Errorf("store: bucket %q missing", instancesBucketName)
		}

		rec := Record{InstanceID: id}
		if raw := bucket.Get([]byte(id)); raw != nil {
			if err := json.Unmarshal(raw, &rec); err != nil {
				return errors.Wrapf(err, "store: decode record %q", id)
			}
		}
		rec.Status = patch.Status
		rec.ReallyConnected = patch.ReallyConnected
		rec.PhoneNumber = patch.PhoneNumber
		rec.RetryCount = patch.RetryCount
		rec.LastError = patch.LastError
		if !patch.ChangedAt.IsZero() {
			rec.ChangedAt = patch.ChangedAt
		}
		rec.UpdatedAt = s.clock()

		payload, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrapf(err, "store: encode record %q", id)
		}
		return bucket.Put([]byte(id), payload)
	})
}

// Get возвращает запись id или ErrNotFound.
func (s *BoltStore) Get(id string) (Record, error) {
	var (
		rec   Record
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(instancesBucket)
		if bucket == nil {
			return nil
		}
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return Record{}, errors.Wrapf(err, "store: get %q", id)
	}
	if !found {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// List возвращает все записи, упорядоченные по id.
func (s *BoltStore) List() ([]Record, error) {
	records := make([]Record, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(instancesBucket)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.Wrapf(err, "decode record %q", string(k))
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: list")
	}
	sort.Slice(records, func(i, j int) bool { return records[i].InstanceID < records[j].InstanceID })
	return records, nil
}

// Delete удаляет запись. Отсутствие записи ошибкой не считается.
func (s *BoltStore) Delete(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(instancesBucket)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(id))
	})
}

// Export атомарно выгружает все записи в JSON-файл path.
func (s *BoltStore) Export(path string) (int, error) {
	records, err := s.List()
	if err != nil {
		return 0, err
	}
	payload, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return 0, errors.Wrap(err, "store: encode export")
	}
	if err := storage.AtomicWriteFile(path, payload); err != nil {
		return 0, errors.Wrap(err, "store: write export")
	}
	return len(records), nil
}
