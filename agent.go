package gotxn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xiaoxuxiansheng/gotxn/log"
)

type startEntry struct {
	readOnly bool
	timeout  time.Duration
	done     chan startResult
}

type startResult struct {
	info *TransactionInfo
	err  error
}

type commitEntry struct {
	record   *TransactionRecord
	deadline time.Time
	done     chan commitOutcome
}

type commitOutcome struct {
	result *CommitResult
	err    error
}

// Agent is the per-host client of the transaction manager. Start and commit
// requests issued concurrently on one host share TM round trips.
type Agent struct {
	id       string
	ctx      context.Context
	stop     context.CancelFunc
	opts     *Options
	tm       TransactionManagerService
	registry ResourceRegistry
	metrics  *agentMetrics

	started   atomic.Bool
	startOnce sync.Once

	mux             sync.Mutex
	pendingStarts   []*startEntry
	pendingCommits  []*commitEntry
	inDoubt         map[int64]struct{}
	aborted         map[int64]time.Time
	readOnlyID      int64
	abortLowerBound int64

	startKick  chan struct{}
	commitKick chan struct{}
}

// NewAgent builds an agent. A nil tm leaves transactions disabled.
func NewAgent(tm TransactionManagerService, registry ResourceRegistry, opts ...Option) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	agent := Agent{
		id:         uuid.NewString(),
		ctx:        ctx,
		stop:       cancel,
		opts:       &Options{},
		tm:         tm,
		registry:   registry,
		inDoubt:    make(map[int64]struct{}),
		aborted:    make(map[int64]time.Time),
		startKick:  make(chan struct{}, 1),
		commitKick: make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(agent.opts)
	}

	repair(agent.opts)
	agent.metrics = newAgentMetrics(agent.opts.Registerer)
	return &agent
}

// ID returns the agent instance id.
func (a *Agent) ID() string {
	return a.id
}

// Start moves the agent out of the uninitialized state.
func (a *Agent) Start() error {
	if a.tm == nil {
		return NewError(KindTransactionsDisabled, 0, "no transaction manager configured", nil)
	}
	a.startOnce.Do(func() {
		go a.runStarts()
		go a.runCommits()
		a.started.Store(true)
		log.Infof("transaction agent %s started", a.id)
	})
	return nil
}

func (a *Agent) Stop() {
	a.stop()
}

func (a *Agent) ready() error {
	if a.tm == nil {
		return NewError(KindTransactionsDisabled, 0, "no transaction manager configured", nil)
	}
	if !a.started.Load() {
		return ErrAgentNotStarted
	}
	return nil
}

// StartTransaction obtains a new transaction. The deadline is measured from the
// moment the TM accepted the request.
func (a *Agent) StartTransaction(ctx context.Context, readOnly bool, timeout time.Duration) (*TransactionInfo, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = a.opts.Timeout
	}

	if readOnly {
		a.mux.Lock()
		readOnlyID := a.readOnlyID
		a.mux.Unlock()
		if readOnlyID > 0 {
			a.metrics.started.Inc()
			return NewTransactionInfo(readOnlyID, true, timeout, time.Now().Add(timeout)), nil
		}
	}

	entry := &startEntry{
		readOnly: readOnly,
		timeout:  timeout,
		done:     make(chan startResult, 1),
	}
	a.mux.Lock()
	a.pendingStarts = append(a.pendingStarts, entry)
	a.mux.Unlock()
	kick(a.startKick)

	select {
	case res := <-entry.done:
		if res.err != nil {
			return nil, res.err
		}
		a.metrics.started.Inc()
		return res.info, nil
	case <-ctx.Done():
		return nil, NewError(KindStartFailed, 0, "caller gave up waiting for a transaction id", ctx.Err())
	case <-a.ctx.Done():
		return nil, NewError(KindServiceUnavailable, 0, "transaction agent stopped", nil)
	}
}

func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (a *Agent) runStarts() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.startKick:
			a.flushStarts()
		}
	}
}

func (a *Agent) flushStarts() {
	a.mux.Lock()
	entries := a.pendingStarts
	a.pendingStarts = nil
	a.mux.Unlock()
	if len(entries) == 0 {
		return
	}

	// 只读事务共享只读 id，不占用 tm 分配的 id
	timeouts := make([]time.Duration, 0, len(entries))
	for _, entry := range entries {
		if !entry.readOnly {
			timeouts = append(timeouts, entry.timeout)
		}
	}

	ctx, cancel := context.WithTimeout(a.ctx, a.opts.CommitTimeout)
	resp, err := a.tm.StartTransactions(ctx, &StartRequest{Timeouts: timeouts})
	cancel()
	if err == nil && len(resp.TXIDs) != len(timeouts) {
		err = fmt.Errorf("tm returned %d ids for %d requests", len(resp.TXIDs), len(timeouts))
	}
	if err != nil {
		kind := KindStartFailed
		if errors.Is(err, ErrTMUnreachable) {
			kind = KindServiceUnavailable
		}
		log.Errorf("start transactions failed, agent: %s, batch: %d, err: %v", a.id, len(entries), err)
		for _, entry := range entries {
			entry.done <- startResult{err: NewError(kind, 0, "could not obtain a transaction id", err)}
		}
		return
	}

	accepted := time.Now()
	a.learn(resp.ReadOnlyTransactionID, resp.AbortLowerBound)

	var next int
	for _, entry := range entries {
		id := resp.ReadOnlyTransactionID
		if !entry.readOnly {
			id = resp.TXIDs[next]
			next++
		}
		entry.done <- startResult{
			info: NewTransactionInfo(id, entry.readOnly, entry.timeout, accepted.Add(entry.timeout)),
		}
	}
}

// learn records the TM's view of resolved transactions. An aborted id below the
// lower bound is kept for one transaction timeout so that in-flight calls of the
// same transaction still observe the abort.
func (a *Agent) learn(readOnlyID, abortLowerBound int64) {
	a.mux.Lock()
	defer a.mux.Unlock()
	if readOnlyID > a.readOnlyID {
		a.readOnlyID = readOnlyID
	}
	if abortLowerBound > a.abortLowerBound {
		a.abortLowerBound = abortLowerBound
	}
	expired := time.Now().Add(-a.opts.Timeout)
	for txID, abortedAt := range a.aborted {
		if txID < a.abortLowerBound && abortedAt.Before(expired) {
			delete(a.aborted, txID)
		}
	}
}

// Commit resolves the transaction. Orphaned forks abort it before any TM round
// trip; an undeterminable outcome is reported as in doubt.
func (a *Agent) Commit(ctx context.Context, info *TransactionInfo) error {
	if err := a.ready(); err != nil {
		return err
	}
	if info == nil {
		return ErrTransactionRequired
	}

	err := a.commit(ctx, info)
	a.metrics.observe(err)
	if err != nil {
		log.ForTX(info.ID).Warnf("transaction did not commit, err: %v", err)
	}
	return err
}

func (a *Agent) commit(ctx context.Context, info *TransactionInfo) error {
	if clean, orphans := info.ReconcilePending(); !clean {
		err := NewError(KindOrphanCall, info.ID, fmt.Sprintf("%d transactional calls were never awaited", orphans), nil)
		info.MarkAborted(err)
		a.recordAborted(info)
		return err
	}

	if info.IsAborted() {
		reason := info.AbortReason()
		a.Abort(ctx, info, reason)
		if IsAbortedError(reason) {
			return reason
		}
		return NewError(KindAborted, info.ID, "transaction was marked aborted", reason)
	}

	if info.ReadOnly {
		return a.commitReadOnly(ctx, info)
	}

	deadline := info.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(a.opts.CommitTimeout)
	}
	cctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	entry := &commitEntry{
		record:   info.Snapshot(),
		deadline: deadline,
		done:     make(chan commitOutcome, 1),
	}
	a.mux.Lock()
	a.pendingCommits = append(a.pendingCommits, entry)
	a.mux.Unlock()
	kick(a.commitKick)

	select {
	case out := <-entry.done:
		return a.resolve(info, out)
	case <-cctx.Done():
		// 期限与 tm 的响应同时到达时，以 tm 的结论为准
		select {
		case out := <-entry.done:
			return a.resolve(info, out)
		default:
		}
		if ctx.Err() != nil {
			a.markInDoubt(info.ID)
			return NewError(KindInDoubt, info.ID, "caller stopped waiting for the commit", ctx.Err())
		}
		err := NewError(KindTimeout, info.ID, "deadline passed before the commit resolved", cctx.Err())
		a.Abort(ctx, info, err)
		return err
	case <-a.ctx.Done():
		a.markInDoubt(info.ID)
		return NewError(KindInDoubt, info.ID, "transaction agent stopped during commit", nil)
	}
}

func (a *Agent) resolve(info *TransactionInfo, out commitOutcome) error {
	if out.err != nil {
		a.markInDoubt(info.ID)
		return NewError(KindInDoubt, info.ID, "commit round trip failed", out.err)
	}
	if out.result == nil {
		a.markInDoubt(info.ID)
		return NewError(KindInDoubt, info.ID, "tm returned no result", nil)
	}
	if out.result.Success {
		return nil
	}

	status := out.result.Status
	if status == StatusOk {
		status = StatusAssertionFailed
	}
	var cause error
	if out.result.Reason != "" {
		cause = errors.New(out.result.Reason)
	}
	err := status.Err(info.ID, cause)
	if status.DefinitelyAborted() {
		info.MarkAborted(err)
		a.recordAborted(info)
	}
	return err
}

func (a *Agent) runCommits() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.commitKick:
			a.flushCommits()
		}
	}
}

func (a *Agent) flushCommits() {
	a.mux.Lock()
	entries := a.pendingCommits
	a.pendingCommits = nil
	queries := make([]int64, 0, len(a.inDoubt))
	for txID := range a.inDoubt {
		queries = append(queries, txID)
	}
	a.mux.Unlock()

	// 已经过期的提交请求由调用方按超时处理，不再发往 tm
	now := time.Now()
	live := make([]*commitEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.deadline.After(now) {
			live = append(live, entry)
		}
	}
	if len(live) == 0 && len(queries) == 0 {
		return
	}

	req := CommitRequest{
		Transactions: make([]*TransactionRecord, 0, len(live)),
		Queries:      queries,
	}
	for _, entry := range live {
		req.Transactions = append(req.Transactions, entry.record)
	}

	ctx, cancel := context.WithTimeout(a.ctx, a.opts.CommitTimeout)
	resp, err := a.tm.CommitTransactions(ctx, &req)
	cancel()
	if err != nil {
		log.Errorf("commit transactions failed, agent: %s, batch: %d, err: %v", a.id, len(live), err)
		for _, entry := range live {
			entry.done <- commitOutcome{err: err}
		}
		return
	}

	a.learn(resp.ReadOnlyTransactionID, resp.AbortLowerBound)
	a.mux.Lock()
	for _, txID := range queries {
		result, ok := resp.Results[txID]
		if !ok {
			continue
		}
		delete(a.inDoubt, txID)
		if !result.Success && result.Status.DefinitelyAborted() {
			a.aborted[txID] = time.Now()
		}
	}
	a.mux.Unlock()

	for _, entry := range live {
		entry.done <- commitOutcome{result: resp.Results[entry.record.TXID]}
	}
}

func (a *Agent) markInDoubt(txID int64) {
	a.mux.Lock()
	defer a.mux.Unlock()
	a.inDoubt[txID] = struct{}{}
}

func (a *Agent) recordAborted(info *TransactionInfo) {
	// 只读 id 被多个事务共享，不能记入回滚集合
	if info.ReadOnly {
		return
	}
	a.mux.Lock()
	defer a.mux.Unlock()
	a.aborted[info.ID] = time.Now()
	delete(a.inDoubt, info.ID)
}

// commitReadOnly validates every recorded read directly with the participants.
func (a *Agent) commitReadOnly(ctx context.Context, info *TransactionInfo) error {
	accesses := info.Accesses()
	if len(accesses) == 0 {
		return nil
	}

	resourceIDs := make([]string, 0, len(accesses))
	for _, access := range accesses {
		if access.IsWrite() {
			return NewError(KindReadOnlyViolated, info.ID, fmt.Sprintf("write to %s", access.ResourceID), nil)
		}
		resourceIDs = append(resourceIDs, access.ResourceID)
	}
	resources, err := a.registry.Resources(ctx, resourceIDs...)
	if err != nil {
		return NewError(KindPrepareFailed, info.ID, "resolve read-only participants", err)
	}

	deadline := info.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(a.opts.CommitTimeout)
	}
	cctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	type vote struct {
		ok  bool
		err error
	}
	votes := make(chan vote, len(resources))
	for i, resource := range resources {
		resource, access := resource, accesses[i]
		go func() {
			ok, err := resource.Prepare(cctx, info.ID, nil, access.ReadVersion)
			votes <- vote{ok: ok, err: err}
		}()
	}

	status := StatusOk
	var cause error
	for range resources {
		select {
		case v := <-votes:
			switch {
			case status != StatusOk:
			case v.err != nil && cctx.Err() != nil:
				return StatusParticipantResponseTimeout.Err(info.ID, v.err)
			case v.err != nil:
				status, cause = StatusBrokenLock, v.err
			case !v.ok:
				status = StatusLockValidationFailed
			}
		case <-cctx.Done():
			return StatusParticipantResponseTimeout.Err(info.ID, cctx.Err())
		}
	}
	return status.Err(info.ID, cause)
}

// Abort notifies the TM and never fails. Errors are logged.
func (a *Agent) Abort(ctx context.Context, info *TransactionInfo, reason error) {
	if info == nil {
		return
	}
	info.MarkAborted(reason)
	a.recordAborted(info)
	if info.ReadOnly || a.ready() != nil {
		return
	}

	go func() {
		actx, cancel := context.WithTimeout(a.ctx, a.opts.CommitTimeout)
		defer cancel()
		if err := a.tm.AbortTransaction(actx, info.ID, reason); err != nil {
			log.ForTX(info.ID).Errorf("abort notification failed, reason: %v, err: %v", reason, err)
		}
	}()
}

// IsAborted is a local, possibly stale lookup. A false answer proves nothing.
func (a *Agent) IsAborted(txID int64) bool {
	a.mux.Lock()
	defer a.mux.Unlock()
	_, ok := a.aborted[txID]
	return ok
}
