package gotxn

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Access is what one transaction recorded against one resource. A nil version
// means no constraint in that direction.
type Access struct {
	ResourceID   string `json:"resourceID"`
	ReadVersion  *int64 `json:"readVersion,omitempty"`
	WriteVersion *int64 `json:"writeVersion,omitempty"`
}

func (a *Access) clone() *Access {
	c := Access{ResourceID: a.ResourceID}
	if a.ReadVersion != nil {
		v := *a.ReadVersion
		c.ReadVersion = &v
	}
	if a.WriteVersion != nil {
		v := *a.WriteVersion
		c.WriteVersion = &v
	}
	return &c
}

// merge folds a later access to the same resource into a.
func (a *Access) merge(other *Access) {
	if a.ReadVersion == nil && other.ReadVersion != nil {
		v := *other.ReadVersion
		a.ReadVersion = &v
	}
	if other.WriteVersion != nil && (a.WriteVersion == nil || *other.WriteVersion > *a.WriteVersion) {
		v := *other.WriteVersion
		a.WriteVersion = &v
	}
}

// IsWrite reports whether the access installs a new version.
func (a *Access) IsWrite() bool {
	return a.WriteVersion != nil
}

// forkRecord is one slot of the fork arena. Slot 0 is the root.
type forkRecord struct {
	parent int
	joined bool
}

// forkLedger is shared by the root info and every fork derived from it.
type forkLedger struct {
	mux     sync.Mutex
	records []forkRecord
}

func newForkLedger() *forkLedger {
	return &forkLedger{
		records: []forkRecord{{parent: -1, joined: true}},
	}
}

func (l *forkLedger) add(parent int) int {
	l.mux.Lock()
	defer l.mux.Unlock()
	l.records = append(l.records, forkRecord{parent: parent})
	return len(l.records) - 1
}

func (l *forkLedger) join(parent, index int) {
	l.mux.Lock()
	defer l.mux.Unlock()
	if index <= 0 || index >= len(l.records) {
		panic(fmt.Sprintf("gotxn: join of unknown fork %d", index))
	}
	record := &l.records[index]
	if record.parent != parent {
		panic(fmt.Sprintf("gotxn: fork %d joined into %d, forked from %d", index, parent, record.parent))
	}
	if record.joined {
		panic(fmt.Sprintf("gotxn: fork %d joined twice", index))
	}
	record.joined = true
}

func (l *forkLedger) pending() int {
	l.mux.Lock()
	defer l.mux.Unlock()
	var n int
	for _, record := range l.records {
		if !record.joined {
			n++
		}
	}
	return n
}

// TransactionInfo travels with every call belonging to a transaction.
type TransactionInfo struct {
	ID       int64
	ReadOnly bool
	// 事务开始时申请的时长
	Timeout time.Duration
	// 在 tm 受理开始请求后计算一次
	Deadline time.Time

	mux          sync.Mutex
	aborted      bool
	abortReason  error
	participants map[string]*Access

	ledger *forkLedger
	index  int
}

// NewTransactionInfo returns a root info. Agents call this once the TM has
// accepted the start request.
func NewTransactionInfo(id int64, readOnly bool, timeout time.Duration, deadline time.Time) *TransactionInfo {
	return &TransactionInfo{
		ID:           id,
		ReadOnly:     readOnly,
		Timeout:      timeout,
		Deadline:     deadline,
		participants: make(map[string]*Access),
		ledger:       newForkLedger(),
	}
}

// Fork creates the copy handed to one outgoing call. It must be joined back
// exactly once when the call completes.
func (t *TransactionInfo) Fork() *TransactionInfo {
	t.mux.Lock()
	defer t.mux.Unlock()

	participants := make(map[string]*Access, len(t.participants))
	for id, access := range t.participants {
		participants[id] = access.clone()
	}
	return &TransactionInfo{
		ID:           t.ID,
		ReadOnly:     t.ReadOnly,
		Timeout:      t.Timeout,
		Deadline:     t.Deadline,
		aborted:      t.aborted,
		abortReason:  t.abortReason,
		participants: participants,
		ledger:       t.ledger,
		index:        t.ledger.add(t.index),
	}
}

// Join merges a returned fork into t. Joining a fork twice, or into an info it
// was not forked from, panics.
func (t *TransactionInfo) Join(child *TransactionInfo) {
	if child.ledger != t.ledger {
		panic(fmt.Sprintf("gotxn: join of fork from a different transaction %d into %d", child.ID, t.ID))
	}
	t.ledger.join(t.index, child.index)

	child.mux.Lock()
	aborted, reason := child.aborted, child.abortReason
	accesses := make([]*Access, 0, len(child.participants))
	for _, access := range child.participants {
		accesses = append(accesses, access.clone())
	}
	child.mux.Unlock()

	t.mux.Lock()
	defer t.mux.Unlock()
	if aborted && !t.aborted {
		t.aborted = true
		t.abortReason = reason
	}
	for _, access := range accesses {
		if existing, ok := t.participants[access.ResourceID]; ok {
			existing.merge(access)
			continue
		}
		t.participants[access.ResourceID] = access
	}
}

// ReconcilePending counts forks that were never joined. Called on the root
// before commit; clean is true only when every fork came back.
func (t *TransactionInfo) ReconcilePending() (bool, int) {
	orphans := t.ledger.pending()
	return orphans == 0, orphans
}

// IsAborted reports the abort latch.
func (t *TransactionInfo) IsAborted() bool {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.aborted
}

// AbortReason returns the first reason recorded with MarkAborted.
func (t *TransactionInfo) AbortReason() error {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.abortReason
}

// MarkAborted sets the abort latch. The flag never reverts and the first reason wins.
func (t *TransactionInfo) MarkAborted(reason error) {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.aborted {
		return
	}
	t.aborted = true
	t.abortReason = reason
}

// RecordRead notes that the transaction observed version of resourceID.
func (t *TransactionInfo) RecordRead(resourceID string, version int64) {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.access(resourceID).merge(&Access{ResourceID: resourceID, ReadVersion: &version})
}

// RecordWrite notes that the transaction read readVersion of resourceID and
// will install writeVersion.
func (t *TransactionInfo) RecordWrite(resourceID string, readVersion, writeVersion int64) error {
	if t.ReadOnly {
		err := NewError(KindReadOnlyViolated, t.ID, fmt.Sprintf("write to %s", resourceID), nil)
		t.MarkAborted(err)
		return err
	}

	t.mux.Lock()
	defer t.mux.Unlock()
	t.access(resourceID).merge(&Access{
		ResourceID:   resourceID,
		ReadVersion:  &readVersion,
		WriteVersion: &writeVersion,
	})
	return nil
}

func (t *TransactionInfo) access(resourceID string) *Access {
	access, ok := t.participants[resourceID]
	if !ok {
		access = &Access{ResourceID: resourceID}
		t.participants[resourceID] = access
	}
	return access
}

// Access returns a copy of what the transaction recorded for resourceID.
func (t *TransactionInfo) Access(resourceID string) (*Access, bool) {
	t.mux.Lock()
	defer t.mux.Unlock()
	access, ok := t.participants[resourceID]
	if !ok {
		return nil, false
	}
	return access.clone(), true
}

// Accesses returns a copy of every access, ordered by resource id.
func (t *TransactionInfo) Accesses() []*Access {
	t.mux.Lock()
	defer t.mux.Unlock()
	accesses := make([]*Access, 0, len(t.participants))
	for _, access := range t.participants {
		accesses = append(accesses, access.clone())
	}
	sort.Slice(accesses, func(i, j int) bool {
		return accesses[i].ResourceID < accesses[j].ResourceID
	})
	return accesses
}

// Snapshot returns the wire form of the info sent to the TM.
func (t *TransactionInfo) Snapshot() *TransactionRecord {
	t.mux.Lock()
	aborted := t.aborted
	t.mux.Unlock()
	return &TransactionRecord{
		TXID:     t.ID,
		ReadOnly: t.ReadOnly,
		Deadline: t.Deadline,
		Aborted:  aborted,
		Accesses: t.Accesses(),
	}
}

func (t *TransactionInfo) String() string {
	return fmt.Sprintf("tx(%d, readOnly=%t, aborted=%t)", t.ID, t.ReadOnly, t.IsAborted())
}
