package tm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cast"
	"github.com/stretchr/testify/assert"

	"github.com/xiaoxuxiansheng/gotxn"
)

// 记录所有参与者收到请求的先后顺序
type timeline struct {
	mutex  sync.Mutex
	events []string
}

func (t *timeline) add(event string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.events = append(t.events, event)
}

func (t *timeline) snapshot() []string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return append([]string(nil), t.events...)
}

type mockResource struct {
	id          string
	timeline    *timeline
	accept      bool
	err         error
	delay       time.Duration
	commitDelay time.Duration
	hanging     bool
}

func newMockResource(id string, timeline *timeline) *mockResource {
	return &mockResource{
		id:       id,
		timeline: timeline,
		accept:   true,
	}
}

func (m *mockResource) ID() string {
	return m.id
}

func (m *mockResource) Prepare(ctx context.Context, txID int64, writeVersion, readVersion *int64) (bool, error) {
	if m.hanging {
		<-ctx.Done()
		return false, ctx.Err()
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.timeline.add("prepare:" + m.id)
	return m.accept, m.err
}

func (m *mockResource) Abort(ctx context.Context, txID int64) error {
	m.timeline.add("abort:" + m.id)
	return nil
}

func (m *mockResource) Commit(ctx context.Context, txID int64) error {
	if m.commitDelay > 0 {
		time.Sleep(m.commitDelay)
	}
	m.timeline.add("commit:" + m.id)
	return nil
}

func newTestManager(t *testing.T, resources []*mockResource, opts ...Option) *Manager {
	registry := gotxn.NewRegistryCenter()
	for _, resource := range resources {
		if err := registry.Register(resource); err != nil {
			t.Fatal(err)
		}
	}
	return NewManager(registry, opts...)
}

// 投票落库较慢的事务日志
type slowVoteStore struct {
	*MemoryTXStore
	delay time.Duration
}

func (s *slowVoteStore) TXUpdate(ctx context.Context, txID int64, resourceID string, accept bool) error {
	time.Sleep(s.delay)
	return s.MemoryTXStore.TXUpdate(ctx, txID, resourceID, accept)
}

func writeRecord(txID int64, resourceIDs ...string) *gotxn.TransactionRecord {
	record := gotxn.TransactionRecord{TXID: txID}
	for _, resourceID := range resourceIDs {
		readVersion, writeVersion := int64(0), int64(1)
		record.Accesses = append(record.Accesses, &gotxn.Access{
			ResourceID:   resourceID,
			ReadVersion:  &readVersion,
			WriteVersion: &writeVersion,
		})
	}
	return &record
}

func startOne(t *testing.T, m *Manager, timeout time.Duration) int64 {
	resp, err := m.StartTransactions(context.Background(), &gotxn.StartRequest{Timeouts: []time.Duration{timeout}})
	if err != nil {
		t.Fatal(err)
	}
	return resp.TXIDs[0]
}

func commitOne(t *testing.T, m *Manager, record *gotxn.TransactionRecord) *gotxn.CommitResult {
	resp, err := m.CommitTransactions(context.Background(), &gotxn.CommitRequest{
		Transactions: []*gotxn.TransactionRecord{record},
	})
	if err != nil {
		t.Fatal(err)
	}
	return resp.Results[record.TXID]
}

func Test_manager_start(t *testing.T) {
	m := newTestManager(t, nil)
	defer m.Stop()

	ctx := context.Background()
	resp, err := m.StartTransactions(ctx, &gotxn.StartRequest{
		Timeouts: []time.Duration{time.Second, 0, 2 * time.Second},
	})
	if err != nil {
		t.Error(err)
		return
	}
	assert.Equal(t, []int64{1, 2, 3}, resp.TXIDs)
	assert.Equal(t, int64(0), resp.ReadOnlyTransactionID)
	assert.Equal(t, int64(1), resp.AbortLowerBound)

	// 最早的事务结束后，下界随之推进
	assert.NoError(t, m.AbortTransaction(ctx, 1, errors.New("client gone")))
	resp, err = m.StartTransactions(ctx, &gotxn.StartRequest{})
	if err != nil {
		t.Error(err)
		return
	}
	assert.Empty(t, resp.TXIDs)
	assert.Equal(t, int64(1), resp.ReadOnlyTransactionID)
	assert.Equal(t, int64(2), resp.AbortLowerBound)
}

// 所有参与者 prepare 响应之前，不会向任何参与者发送 commit
func Test_manager_commit_barrier(t *testing.T) {
	line := &timeline{}
	resources := []*mockResource{
		newMockResource("r1", line),
		newMockResource("r2", line),
		newMockResource("r3", line),
	}
	resources[1].delay = 50 * time.Millisecond
	m := newTestManager(t, resources)
	defer m.Stop()

	txID := startOne(t, m, time.Second)
	result := commitOne(t, m, writeRecord(txID, "r1", "r2", "r3"))
	assert.True(t, result.Success)
	m.Wait()

	events := line.snapshot()
	assert.Len(t, events, 6)
	for i, event := range events {
		if i < 3 {
			assert.True(t, strings.HasPrefix(event, "prepare:"), event)
			continue
		}
		assert.True(t, strings.HasPrefix(event, "commit:"), event)
	}

	tx, err := m.txStore.GetTX(context.Background(), txID)
	if err != nil {
		t.Error(err)
		return
	}
	assert.Equal(t, TXSuccessful, tx.Status)
}

// 任一参与者拒绝时，不发送 commit，所有参与者都会收到 abort
func Test_manager_commit_reject(t *testing.T) {
	line := &timeline{}
	resources := []*mockResource{
		newMockResource("r1", line),
		newMockResource("r2", line),
		newMockResource("r3", line),
	}
	resources[1].accept = false
	m := newTestManager(t, resources)
	defer m.Stop()

	txID := startOne(t, m, time.Second)
	result := commitOne(t, m, writeRecord(txID, "r1", "r2", "r3"))
	assert.False(t, result.Success)
	assert.Equal(t, gotxn.StatusLockValidationFailed, result.Status)

	aborted := make(map[string]bool)
	for _, event := range line.snapshot() {
		assert.False(t, strings.HasPrefix(event, "commit:"), event)
		if strings.HasPrefix(event, "abort:") {
			aborted[strings.TrimPrefix(event, "abort:")] = true
		}
	}
	assert.Equal(t, map[string]bool{"r1": true, "r2": true, "r3": true}, aborted)

	tx, err := m.txStore.GetTX(context.Background(), txID)
	if err != nil {
		t.Error(err)
		return
	}
	assert.Equal(t, TXFailure, tx.Status)
	assert.Equal(t, gotxn.StatusLockValidationFailed, tx.Outcome)
}

// 决议提交后立即应答，第二阶段在后台投递
func Test_manager_commit_slow_second_phase(t *testing.T) {
	line := &timeline{}
	resource := newMockResource("r1", line)
	resource.commitDelay = 400 * time.Millisecond
	m := newTestManager(t, []*mockResource{resource})
	defer m.Stop()

	txID := startOne(t, m, 200*time.Millisecond)
	begin := time.Now()
	result := commitOne(t, m, writeRecord(txID, "r1"))
	assert.True(t, result.Success)
	assert.Less(t, time.Since(begin), 200*time.Millisecond)
	assert.Equal(t, []string{"prepare:r1"}, line.snapshot())

	// 投递中的事务可以查到结论
	resp, err := m.CommitTransactions(context.Background(), &gotxn.CommitRequest{Queries: []int64{txID}})
	if err != nil {
		t.Error(err)
		return
	}
	assert.True(t, resp.Results[txID].Success)

	m.Wait()
	assert.Equal(t, []string{"prepare:r1", "commit:r1"}, line.snapshot())
	tx, err := m.txStore.GetTX(context.Background(), txID)
	if err != nil {
		t.Error(err)
		return
	}
	assert.Equal(t, TXSuccessful, tx.Status)
}

// 赞成票在期限之后才收齐时不再决议提交
func Test_manager_votes_after_deadline(t *testing.T) {
	line := &timeline{}
	store := &slowVoteStore{MemoryTXStore: NewMemoryTXStore(), delay: 150 * time.Millisecond}
	m := newTestManager(t, []*mockResource{newMockResource("r1", line)}, WithTXStore(store))
	defer m.Stop()

	txID := startOne(t, m, 100*time.Millisecond)
	result := commitOne(t, m, writeRecord(txID, "r1"))
	assert.False(t, result.Success)
	assert.Equal(t, gotxn.StatusPrepareTimeout, result.Status)
	assert.Equal(t, []string{"prepare:r1", "abort:r1"}, line.snapshot())

	tx, err := store.GetTX(context.Background(), txID)
	if err != nil {
		t.Error(err)
		return
	}
	assert.Equal(t, TXFailure, tx.Status)
	assert.Equal(t, gotxn.StatusPrepareTimeout, tx.Outcome)
}

// 写参与者全部 prepare 之后才校验读参与者，第二阶段只发给写参与者
func Test_manager_writes_before_reads(t *testing.T) {
	line := &timeline{}
	resources := []*mockResource{
		newMockResource("r1", line),
		newMockResource("w1", line),
		newMockResource("w2", line),
	}
	resources[1].delay = 30 * time.Millisecond
	m := newTestManager(t, resources)
	defer m.Stop()

	txID := startOne(t, m, time.Second)
	readVersion := int64(0)
	record := writeRecord(txID, "w1", "w2")
	record.Accesses = append([]*gotxn.Access{{ResourceID: "r1", ReadVersion: &readVersion}}, record.Accesses...)
	assert.True(t, commitOne(t, m, record).Success)
	m.Wait()

	events := line.snapshot()
	if !assert.Len(t, events, 5) {
		return
	}
	assert.ElementsMatch(t, []string{"prepare:w1", "prepare:w2"}, events[:2])
	assert.Equal(t, "prepare:r1", events[2])
	assert.ElementsMatch(t, []string{"commit:w1", "commit:w2"}, events[3:])
}

func Test_manager_commit_failures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(r *mockResource)
		timeout time.Duration
		want    gotxn.TransactionalStatus
	}{
		{"prepare error", func(r *mockResource) { r.err = errors.New("lock lost") }, time.Second, gotxn.StatusBrokenLock},
		{"prepare timeout", func(r *mockResource) { r.hanging = true }, 100 * time.Millisecond, gotxn.StatusPrepareTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := &timeline{}
			resource := newMockResource("r1", line)
			tt.setup(resource)
			m := newTestManager(t, []*mockResource{resource})
			defer m.Stop()

			txID := startOne(t, m, tt.timeout)
			result := commitOne(t, m, writeRecord(txID, "r1"))
			assert.False(t, result.Success)
			assert.Equal(t, tt.want, result.Status)
			assert.True(t, result.Status.DefinitelyAborted())
		})
	}
}

func Test_manager_commit_unknown_and_aborted(t *testing.T) {
	m := newTestManager(t, []*mockResource{newMockResource("r1", &timeline{})})
	defer m.Stop()
	ctx := context.Background()

	result := commitOne(t, m, writeRecord(99, "r1"))
	assert.Equal(t, gotxn.StatusPresumedAbort, result.Status)

	txID := startOne(t, m, time.Second)
	assert.NoError(t, m.AbortTransaction(ctx, txID, errors.New("caller failed")))
	result = commitOne(t, m, writeRecord(txID, "r1"))
	assert.Equal(t, gotxn.StatusCascadingAbort, result.Status)

	marked := startOne(t, m, time.Second)
	record := writeRecord(marked, "r1")
	record.Aborted = true
	result = commitOne(t, m, record)
	assert.Equal(t, gotxn.StatusCascadingAbort, result.Status)

	expired := startOne(t, m, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	result = commitOne(t, m, writeRecord(expired, "r1"))
	assert.Equal(t, gotxn.StatusPrepareTimeout, result.Status)

	// 重复提交直接返回事务日志中的结果
	done := startOne(t, m, time.Second)
	assert.True(t, commitOne(t, m, writeRecord(done, "r1")).Success)
	assert.True(t, commitOne(t, m, writeRecord(done, "r1")).Success)
}

func Test_manager_query(t *testing.T) {
	m := newTestManager(t, []*mockResource{newMockResource("r1", &timeline{})})
	defer m.Stop()
	ctx := context.Background()

	committed := startOne(t, m, time.Second)
	pending := startOne(t, m, time.Second)
	assert.True(t, commitOne(t, m, writeRecord(committed, "r1")).Success)

	resp, err := m.CommitTransactions(ctx, &gotxn.CommitRequest{
		Queries: []int64{committed, pending, 1000},
	})
	if err != nil {
		t.Error(err)
		return
	}
	assert.True(t, resp.Results[committed].Success)
	_, ok := resp.Results[pending]
	assert.False(t, ok)
	assert.Equal(t, gotxn.StatusPresumedAbort, resp.Results[1000].Status)
	assert.Equal(t, committed, resp.ReadOnlyTransactionID)
	assert.Equal(t, pending, resp.AbortLowerBound)
}

func Test_manager_concurrent(t *testing.T) {
	line := &timeline{}
	resourcesCnt := 10
	resources := make([]*mockResource, 0, resourcesCnt)
	for i := 0; i < resourcesCnt; i++ {
		resources = append(resources, newMockResource(cast.ToString(i), line))
	}
	m := newTestManager(t, resources)
	defer m.Stop()

	concurrentTXs := 50
	var wg sync.WaitGroup
	for i := 0; i < concurrentTXs; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			txID := startOne(t, m, time.Second)
			record := writeRecord(txID, cast.ToString(i%resourcesCnt), cast.ToString((i+1)%resourcesCnt))
			assert.True(t, commitOne(t, m, record).Success)
		}()
	}
	wg.Wait()
}

// 轮询任务推进事务日志中已经有结论的悬挂事务
func Test_manager_advance_progress(t *testing.T) {
	line := &timeline{}
	store := NewMemoryTXStore()
	ctx := context.Background()

	decided := writeRecord(1001, "r1", "r2")
	assert.NoError(t, store.CreateTX(ctx, decided, time.Now().Add(time.Second)))
	assert.NoError(t, store.TXUpdate(ctx, 1001, "r1", true))
	assert.NoError(t, store.TXUpdate(ctx, 1001, "r2", true))

	expired := writeRecord(1002, "r1")
	assert.NoError(t, store.CreateTX(ctx, expired, time.Now().Add(-time.Second)))

	m := newTestManager(t, []*mockResource{newMockResource("r1", line), newMockResource("r2", line)},
		WithTXStore(store), WithMonitorTick(50*time.Millisecond))
	defer m.Stop()

	assert.Eventually(t, func() bool {
		txs, err := store.GetHangingTXs(ctx)
		return err == nil && len(txs) == 0
	}, 2*time.Second, 20*time.Millisecond)

	tx, err := store.GetTX(ctx, 1001)
	if err != nil {
		t.Error(err)
		return
	}
	assert.Equal(t, TXSuccessful, tx.Status)
	tx, err = store.GetTX(ctx, 1002)
	if err != nil {
		t.Error(err)
		return
	}
	assert.Equal(t, TXFailure, tx.Status)
	assert.Equal(t, gotxn.StatusPrepareTimeout, tx.Outcome)
	assert.Contains(t, line.snapshot(), "commit:r2")
	assert.Contains(t, line.snapshot(), "abort:r1")
}

// 超过期限仍未提交的事务被推定回滚
func Test_manager_presumed_abort(t *testing.T) {
	m := newTestManager(t, nil, WithMonitorTick(20*time.Millisecond))
	defer m.Stop()
	ctx := context.Background()

	txID := startOne(t, m, 30*time.Millisecond)
	assert.Eventually(t, func() bool {
		resp, err := m.StartTransactions(ctx, &gotxn.StartRequest{})
		return err == nil && resp.AbortLowerBound > txID
	}, time.Second, 10*time.Millisecond)

	resp, err := m.CommitTransactions(ctx, &gotxn.CommitRequest{Queries: []int64{txID}})
	if err != nil {
		t.Error(err)
		return
	}
	assert.False(t, resp.Results[txID].Success)
	assert.True(t, resp.Results[txID].Status.DefinitelyAborted())
}

func Test_manager_backOffTick(t *testing.T) {
	m := newTestManager(t, nil, WithMonitorTick(time.Second))
	defer m.Stop()
	got := m.backOffTick(time.Second)
	assert.Equal(t, 2*time.Second, got)
	got = m.backOffTick(got)
	assert.Equal(t, 4*time.Second, got)
	got = m.backOffTick(got)
	assert.Equal(t, 8*time.Second, got)
	got = m.backOffTick(got)
	assert.Equal(t, 8*time.Second, got)
}
