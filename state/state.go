package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xiaoxuxiansheng/gotxn"
)

var ErrNotPrepared = errors.New("commit of a transaction that was not prepared")

type preparedTX struct {
	result       bool
	writeVersion int64
	value        interface{}
}

// VersionedState is an in-memory transactional resource. Writes are staged per
// transaction and installed on commit; concurrent writers are ordered by
// wait-die on the transaction id.
type VersionedState struct {
	id   string
	opts *Options

	mux     sync.Mutex
	value   interface{}
	version int64
	// 当前持有写锁的事务，0 表示空闲
	lockHolder int64
	released   chan struct{}

	staged    map[int64]interface{}
	prepared  map[int64]*preparedTX
	committed map[int64]struct{}
	aborted   map[int64]struct{}
}

func NewVersionedState(id string, opts ...Option) *VersionedState {
	s := VersionedState{
		id:        id,
		opts:      &Options{},
		released:  make(chan struct{}),
		staged:    make(map[int64]interface{}),
		prepared:  make(map[int64]*preparedTX),
		committed: make(map[int64]struct{}),
		aborted:   make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(s.opts)
	}
	s.value = s.opts.InitialValue
	return &s
}

func (s *VersionedState) ID() string {
	return s.id
}

// Value returns the committed value and its version.
func (s *VersionedState) Value() (interface{}, int64) {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.value, s.version
}

func (s *VersionedState) Version() int64 {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.version
}

// Read returns the value visible to the ambient transaction and records the
// read on it. Without a transaction the committed value is returned.
func (s *VersionedState) Read(ctx context.Context) (interface{}, error) {
	info := gotxn.CurrentTransaction(ctx)

	s.mux.Lock()
	defer s.mux.Unlock()
	if info == nil {
		return s.value, nil
	}
	if info.IsAborted() {
		return nil, gotxn.NewError(gotxn.KindAborted, info.ID, "read in an aborted transaction", info.AbortReason())
	}
	if value, ok := s.staged[info.ID]; ok {
		return value, nil
	}
	if access, ok := info.Access(s.id); ok && access.ReadVersion != nil && *access.ReadVersion != s.version {
		// 同一事务前后两次读到不同版本，提交必然失败
		err := gotxn.NewError(gotxn.KindUnstableVersion, info.ID,
			fmt.Sprintf("resource: %s moved from version %d to %d", s.id, *access.ReadVersion, s.version), nil)
		info.MarkAborted(err)
		return nil, err
	}
	info.RecordRead(s.id, s.version)
	return s.value, nil
}

// Write stages value for the ambient transaction.
func (s *VersionedState) Write(ctx context.Context, value interface{}) error {
	info := gotxn.CurrentTransaction(ctx)
	if info == nil {
		return gotxn.ErrTransactionRequired
	}

	s.mux.Lock()
	defer s.mux.Unlock()
	readVersion := s.version
	if access, ok := info.Access(s.id); ok && access.ReadVersion != nil {
		readVersion = *access.ReadVersion
	}
	if err := info.RecordWrite(s.id, readVersion, readVersion+1); err != nil {
		return err
	}
	s.staged[info.ID] = value
	return nil
}

// Prepare validates the recorded versions. Write prepares take the write lock
// and their result is remembered, so a retry gets the same answer. A read
// validation fails while any transaction holds the write lock.
func (s *VersionedState) Prepare(ctx context.Context, txID int64, writeVersion, readVersion *int64) (bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	// 只读校验不加锁也不缓存，只读 id 被多个事务共享。
	// 写锁被持有时，已 prepare 的写入随时可能生效，读校验直接失败
	if writeVersion == nil {
		if s.lockHolder != 0 {
			return false, nil
		}
		return readVersion == nil || *readVersion == s.version, nil
	}

	if _, ok := s.committed[txID]; ok {
		return true, nil
	}
	if _, ok := s.aborted[txID]; ok {
		return false, nil
	}
	if p, ok := s.prepared[txID]; ok {
		return p.result, nil
	}

	// wait-die：年长的事务等待，年轻的事务直接失败
	for s.lockHolder != 0 && s.lockHolder != txID {
		if txID > s.lockHolder {
			return s.reject(txID), nil
		}
		released := s.released
		s.mux.Unlock()
		select {
		case <-released:
		case <-ctx.Done():
			s.mux.Lock()
			return false, ctx.Err()
		}
		s.mux.Lock()
		if _, ok := s.aborted[txID]; ok {
			return false, nil
		}
	}

	if readVersion != nil && *readVersion != s.version {
		return s.reject(txID), nil
	}
	if *writeVersion != s.version+1 {
		return s.reject(txID), nil
	}
	value, ok := s.staged[txID]
	if !ok {
		return s.reject(txID), nil
	}

	s.lockHolder = txID
	s.prepared[txID] = &preparedTX{
		result:       true,
		writeVersion: *writeVersion,
		value:        value,
	}
	return true, nil
}

// reject must be called with mux held.
func (s *VersionedState) reject(txID int64) bool {
	s.prepared[txID] = &preparedTX{}
	delete(s.staged, txID)
	return false
}

// release must be called with mux held.
func (s *VersionedState) release(txID int64) {
	if s.lockHolder != txID {
		return
	}
	s.lockHolder = 0
	close(s.released)
	s.released = make(chan struct{})
}

// Abort discards whatever the transaction staged. Later prepares of the same
// transaction are rejected.
func (s *VersionedState) Abort(ctx context.Context, txID int64) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, ok := s.committed[txID]; ok {
		return fmt.Errorf("resource: %s, tx: %d already committed", s.id, txID)
	}
	delete(s.staged, txID)
	delete(s.prepared, txID)
	s.aborted[txID] = struct{}{}
	s.release(txID)
	return nil
}

// Commit installs the prepared write. Replays of a committed transaction succeed.
func (s *VersionedState) Commit(ctx context.Context, txID int64) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, ok := s.committed[txID]; ok {
		return nil
	}
	p, ok := s.prepared[txID]
	if !ok || !p.result {
		return fmt.Errorf("resource: %s, tx: %d, err: %w", s.id, txID, ErrNotPrepared)
	}

	s.value = p.value
	s.version = p.writeVersion
	s.committed[txID] = struct{}{}
	delete(s.prepared, txID)
	delete(s.staged, txID)
	s.release(txID)
	return nil
}

var _ gotxn.TransactionalResource = (*VersionedState)(nil)
