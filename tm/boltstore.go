package tm

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	"github.com/xiaoxuxiansheng/gotxn"
)

const defaultBucket = "gotxn_transactions"

// BoltTXStore persists the transaction log in a single bolt file.
type BoltTXStore struct {
	db      *bolt.DB
	bucket  []byte
	monitor sync.Mutex
}

func NewBoltTXStore(file string) (*BoltTXStore, error) {
	db, err := bolt.Open(file, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	s := BoltTXStore{
		db:     db,
		bucket: []byte(defaultBucket),
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &s, nil
}

func (b *BoltTXStore) Close() error {
	return b.db.Close()
}

func txKey(txID int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(txID))
	return key
}

func (b *BoltTXStore) CreateTX(ctx context.Context, record *gotxn.TransactionRecord, deadline time.Time) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		key := txKey(record.TXID)
		if bucket.Get(key) != nil {
			return fmt.Errorf("repeat txid: %d", record.TXID)
		}
		body, err := json.Marshal(NewTransaction(record, deadline))
		if err != nil {
			return err
		}
		return bucket.Put(key, body)
	})
}

// modify reads, changes and writes back one transaction inside a single bolt tx.
func (b *BoltTXStore) modify(txID int64, do func(*Transaction) error) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		key := txKey(txID)
		body := bucket.Get(key)
		if body == nil {
			return fmt.Errorf("invalid txid: %d, err: %w", txID, ErrTXNotFound)
		}
		var t Transaction
		if err := json.Unmarshal(body, &t); err != nil {
			return err
		}
		if err := do(&t); err != nil {
			return err
		}
		next, err := json.Marshal(&t)
		if err != nil {
			return err
		}
		return bucket.Put(key, next)
	})
}

func (b *BoltTXStore) TXUpdate(ctx context.Context, txID int64, resourceID string, accept bool) error {
	return b.modify(txID, func(t *Transaction) error {
		return ApplyVote(t, resourceID, accept)
	})
}

func (b *BoltTXStore) TXSubmit(ctx context.Context, txID int64, success bool, outcome gotxn.TransactionalStatus) error {
	return b.modify(txID, func(t *Transaction) error {
		return ApplySubmit(t, success, outcome)
	})
}

func (b *BoltTXStore) GetHangingTXs(ctx context.Context) ([]*Transaction, error) {
	var txs []*Transaction
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(b.bucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Transaction
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.Status == TXHanging {
				txs = append(txs, &t)
			}
		}
		return nil
	})
	return txs, err
}

func (b *BoltTXStore) GetTX(ctx context.Context, txID int64) (*Transaction, error) {
	var t *Transaction
	err := b.db.View(func(tx *bolt.Tx) error {
		body := tx.Bucket(b.bucket).Get(txKey(txID))
		if body == nil {
			return ErrTXNotFound
		}
		t = &Transaction{}
		return json.Unmarshal(body, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Lock only excludes monitors in this process; the bolt file itself is held
// exclusively by one process.
func (b *BoltTXStore) Lock(ctx context.Context, expireDuration time.Duration) error {
	if !b.monitor.TryLock() {
		return ErrLockHeld
	}
	return nil
}

func (b *BoltTXStore) Unlock(ctx context.Context) error {
	b.monitor.Unlock()
	return nil
}
