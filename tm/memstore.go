package tm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/gotxn"
)

// MemoryTXStore keeps the transaction log in process memory.
type MemoryTXStore struct {
	mutex   sync.Mutex
	txs     map[int64]*Transaction
	monitor sync.Mutex
}

func NewMemoryTXStore() *MemoryTXStore {
	return &MemoryTXStore{
		txs: make(map[int64]*Transaction),
	}
}

func (m *MemoryTXStore) CreateTX(ctx context.Context, record *gotxn.TransactionRecord, deadline time.Time) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.txs[record.TXID]; ok {
		return fmt.Errorf("repeat txid: %d", record.TXID)
	}
	m.txs[record.TXID] = NewTransaction(record, deadline)
	return nil
}

func (m *MemoryTXStore) TXUpdate(ctx context.Context, txID int64, resourceID string, accept bool) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return fmt.Errorf("[TXUpdate]invalid txid: %d, err: %w", txID, ErrTXNotFound)
	}
	if err := ApplyVote(tx, resourceID, accept); err != nil {
		return fmt.Errorf("[TXUpdate]txid: %d, resource id: %s, err: %w", txID, resourceID, err)
	}
	return nil
}

func (m *MemoryTXStore) TXSubmit(ctx context.Context, txID int64, success bool, outcome gotxn.TransactionalStatus) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return fmt.Errorf("[TXSubmit]invalid txid: %d, err: %w", txID, ErrTXNotFound)
	}
	if err := ApplySubmit(tx, success, outcome); err != nil {
		return fmt.Errorf("[TXSubmit]txid: %d, err: %w", txID, err)
	}
	return nil
}

func (m *MemoryTXStore) GetHangingTXs(ctx context.Context) ([]*Transaction, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var hangingTXs []*Transaction
	for _, tx := range m.txs {
		if tx.Status != TXHanging {
			continue
		}
		hangingTXs = append(hangingTXs, tx.clone())
	}
	sort.Slice(hangingTXs, func(i, j int) bool {
		return hangingTXs[i].TXID < hangingTXs[j].TXID
	})
	return hangingTXs, nil
}

func (m *MemoryTXStore) GetTX(ctx context.Context, txID int64) (*Transaction, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return nil, ErrTXNotFound
	}
	return tx.clone(), nil
}

// Lock only excludes monitors in this process.
func (m *MemoryTXStore) Lock(ctx context.Context, expireDuration time.Duration) error {
	if !m.monitor.TryLock() {
		return ErrLockHeld
	}
	return nil
}

func (m *MemoryTXStore) Unlock(ctx context.Context) error {
	m.monitor.Unlock()
	return nil
}
