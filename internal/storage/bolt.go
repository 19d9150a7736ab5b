package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/klingon-exchange/swapd/internal/swap"
)

var (
	swapsBucket   = []byte("swaps")
	secretsBucket = []byte("secrets")
)

// BoltStore keeps swaps as JSON values keyed by big-endian id. Secrets live
// in their own bucket. Ids come from the swaps bucket sequence.
type BoltStore struct {
	db *bbolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBolt opens (or creates) the bbolt database in cfg.DataDir.
func NewBolt(cfg *Config) (*BoltStore, error) {
	dataDir := expandPath(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dataDir, "swaps.db"), 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	tx, err := db.Begin(true)
	if err != nil {
		db.Close()
		return nil, err
	}
	defer tx.Rollback()
	for _, name := range [][]byte{swapsBucket, secretsBucket} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			db.Close()
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

func itob(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

// SaveSwap writes r. The secret is stored once and never overwritten.
func (b *BoltStore) SaveSwap(r swap.Record) error {
	if r.ID == 0 {
		return fmt.Errorf("%w: zero id", ErrInvalidRecord)
	}
	secret := r.Secret
	r.Secret = ""
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		key := itob(r.ID)
		if err := tx.Bucket(swapsBucket).Put(key, data); err != nil {
			return err
		}
		secrets := tx.Bucket(secretsBucket)
		if secret != "" && secrets.Get(key) == nil {
			return secrets.Put(key, []byte(secret))
		}
		return nil
	})
}

// GetSwap retrieves a swap by id.
func (b *BoltStore) GetSwap(id uint64) (swap.Record, error) {
	var (
		r     swap.Record
		found bool
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		key := itob(id)
		v := tx.Bucket(swapsBucket).Get(key)
		if v == nil {
			return nil
		}
		found = true
		var err error
		r, err = decodeRecord(v, tx.Bucket(secretsBucket).Get(key))
		return err
	})
	if err != nil {
		return swap.Record{}, err
	}
	if !found {
		return swap.Record{}, fmt.Errorf("%w: %d", ErrSwapNotFound, id)
	}
	return r, nil
}

// ListActiveSwaps returns the swaps that still need watches, oldest first.
func (b *BoltStore) ListActiveSwaps() ([]swap.Record, error) {
	return b.list(func(r swap.Record) bool { return r.IsRestorable() })
}

// ListSwaps returns swaps, newest first.
func (b *BoltStore) ListSwaps(limit int) ([]swap.Record, error) {
	all, err := b.list(func(swap.Record) bool { return true })
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (b *BoltStore) list(keep func(swap.Record) bool) ([]swap.Record, error) {
	var out []swap.Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		secrets := tx.Bucket(secretsBucket)
		return tx.Bucket(swapsBucket).ForEach(func(k, v []byte) error {
			r, err := decodeRecord(v, secrets.Get(k))
			if err != nil {
				return err
			}
			if keep(r) {
				out = append(out, r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NextSwapID reserves the next id from the bucket sequence.
func (b *BoltStore) NextSwapID() (uint64, error) {
	var id uint64
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var err error
		id, err = tx.Bucket(swapsBucket).NextSequence()
		return err
	})
	return id, err
}

func decodeRecord(v, secret []byte) (swap.Record, error) {
	var r swap.Record
	if err := json.Unmarshal(v, &r); err != nil {
		return swap.Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	r.Secret = string(secret)
	return r, nil
}
