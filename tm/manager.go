package tm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/gotxn"
	"github.com/xiaoxuxiansheng/gotxn/log"
)

type activeTX struct {
	deadline   time.Time
	committing bool
}

// Manager is an in-process transaction manager.
// 1. 分配事务 id 并维护活跃事务
// 2. 对参与者执行两阶段提交，投票结果写入事务日志
// 3. 轮询推进悬挂的事务，并对超时未提交的事务推定回滚
type Manager struct {
	ctx      context.Context
	stop     context.CancelFunc
	opts     *Options
	txStore  TXStore
	registry gotxn.ResourceRegistry

	mux     sync.Mutex
	lastID  int64
	active  map[int64]*activeTX
	aborted map[int64]time.Time
	// 已经决议提交、第二阶段仍在投递中的事务
	delivering map[int64]struct{}
	deliveries sync.WaitGroup
}

func NewManager(registry gotxn.ResourceRegistry, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	manager := Manager{
		ctx:        ctx,
		stop:       cancel,
		opts:       &Options{},
		registry:   registry,
		active:     make(map[int64]*activeTX),
		aborted:    make(map[int64]time.Time),
		delivering: make(map[int64]struct{}),
	}

	for _, opt := range opts {
		opt(manager.opts)
	}

	repair(manager.opts)
	manager.txStore = manager.opts.TXStore

	go manager.run()
	return &manager
}

// Stop waits for pending second phases, then stops the monitor.
func (m *Manager) Stop() {
	m.Wait()
	m.stop()
}

// Wait blocks until every transaction decided so far has been delivered to its
// participants.
func (m *Manager) Wait() {
	m.deliveries.Wait()
}

// bounds must be called with mux held.
func (m *Manager) bounds() (readOnlyID, abortLowerBound int64) {
	var lowest int64
	for txID := range m.active {
		if lowest == 0 || txID < lowest {
			lowest = txID
		}
	}
	if lowest == 0 {
		return m.lastID, m.lastID + 1
	}
	return lowest - 1, lowest
}

func (m *Manager) StartTransactions(ctx context.Context, req *gotxn.StartRequest) (*gotxn.StartResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 期限从 tm 受理请求的时刻开始计算
	accepted := time.Now()
	m.mux.Lock()
	defer m.mux.Unlock()
	txIDs := make([]int64, 0, len(req.Timeouts))
	for _, timeout := range req.Timeouts {
		if timeout <= 0 {
			timeout = m.opts.Timeout
		}
		m.lastID++
		m.active[m.lastID] = &activeTX{deadline: accepted.Add(timeout)}
		txIDs = append(txIDs, m.lastID)
	}

	readOnlyID, abortLowerBound := m.bounds()
	return &gotxn.StartResponse{
		TXIDs:                 txIDs,
		ReadOnlyTransactionID: readOnlyID,
		AbortLowerBound:       abortLowerBound,
	}, nil
}

func (m *Manager) CommitTransactions(ctx context.Context, req *gotxn.CommitRequest) (*gotxn.CommitResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := make(map[int64]*gotxn.CommitResult, len(req.Transactions)+len(req.Queries))
	var mux sync.Mutex
	var wg sync.WaitGroup
	for _, record := range req.Transactions {
		// shadow
		record := record
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := m.commit(ctx, record)
			mux.Lock()
			results[record.TXID] = result
			mux.Unlock()
		}()
	}
	wg.Wait()

	for _, txID := range req.Queries {
		if _, ok := results[txID]; ok {
			continue
		}
		if result, ok := m.query(ctx, txID); ok {
			results[txID] = result
		}
	}

	m.mux.Lock()
	readOnlyID, abortLowerBound := m.bounds()
	m.mux.Unlock()
	return &gotxn.CommitResponse{
		Results:               results,
		ReadOnlyTransactionID: readOnlyID,
		AbortLowerBound:       abortLowerBound,
	}, nil
}

// AbortTransaction never fails from the caller's view.
func (m *Manager) AbortTransaction(ctx context.Context, txID int64, reason error) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	active, ok := m.active[txID]
	if !ok {
		log.ForTX(txID).Debugf("abort of unknown or resolved tx, reason: %v", reason)
		return nil
	}
	// 已经进入两阶段提交的事务由期限兜底
	if active.committing {
		log.ForTX(txID).Warnf("abort ignored while commit in progress, reason: %v", reason)
		return nil
	}
	delete(m.active, txID)
	m.aborted[txID] = time.Now()
	log.ForTX(txID).Infof("tx aborted, reason: %v", reason)
	return nil
}

func fail(status gotxn.TransactionalStatus, reason string) *gotxn.CommitResult {
	return &gotxn.CommitResult{
		Status: status,
		Reason: reason,
	}
}

func (m *Manager) commit(ctx context.Context, record *gotxn.TransactionRecord) *gotxn.CommitResult {
	if record.ReadOnly {
		return fail(gotxn.StatusAssertionFailed, "read-only transactions are validated by the agent")
	}

	txID := record.TXID
	now := time.Now()
	m.mux.Lock()
	if _, ok := m.aborted[txID]; ok {
		m.mux.Unlock()
		return fail(gotxn.StatusCascadingAbort, "transaction was aborted before commit")
	}
	active, ok := m.active[txID]
	if !ok {
		m.mux.Unlock()
		if result, ok := m.query(ctx, txID); ok {
			return result
		}
		return fail(gotxn.StatusUnknownException, "transaction is still being resolved")
	}
	if active.committing {
		m.mux.Unlock()
		return fail(gotxn.StatusUnknownException, "duplicate commit while resolving")
	}
	if record.Aborted {
		delete(m.active, txID)
		m.aborted[txID] = now
		m.mux.Unlock()
		return fail(gotxn.StatusCascadingAbort, "transaction was marked aborted")
	}
	if !active.deadline.After(now) {
		delete(m.active, txID)
		m.aborted[txID] = now
		m.mux.Unlock()
		return fail(gotxn.StatusPrepareTimeout, "deadline passed before commit")
	}
	active.committing = true
	deadline := active.deadline
	m.mux.Unlock()

	success, status, reason := m.twoPhaseCommit(record, deadline)

	m.mux.Lock()
	delete(m.active, txID)
	m.mux.Unlock()
	if !success {
		log.ForTX(txID).Infof("tx commit denied, status: %s, reason: %s", status, reason)
		return fail(status, reason)
	}
	return &gotxn.CommitResult{Success: true}
}

type prepareVote struct {
	resourceID string
	ok         bool
	err        error
}

type participant struct {
	access   *gotxn.Access
	resource gotxn.TransactionalResource
}

// twoPhaseCommit sends phase two only after every prepare vote was collected
// and logged. Votes arriving after the outcome was decided are never logged, so
// the outcome stays derivable from the transaction log.
//
// Writes are prepared before reads: a read is validated while the transaction
// already holds all of its write locks. Once commit is decided the result is
// returned right away and phase two is delivered in the background.
func (m *Manager) twoPhaseCommit(record *gotxn.TransactionRecord, deadline time.Time) (bool, gotxn.TransactionalStatus, string) {
	ctx := m.ctx
	txID := record.TXID
	logger := log.ForTX(txID)
	if err := m.txStore.CreateTX(ctx, record, deadline); err != nil {
		logger.Errorf("tx create failed, err: %v", err)
		m.mux.Lock()
		m.aborted[txID] = time.Now()
		m.mux.Unlock()
		return false, gotxn.StatusStorageConflict, err.Error()
	}

	if len(record.Accesses) == 0 {
		if err := m.txStore.TXSubmit(ctx, txID, true, gotxn.StatusOk); err != nil {
			logger.Errorf("tx submit failed, err: %v", err)
		}
		return true, gotxn.StatusOk, ""
	}

	resourceIDs := make([]string, 0, len(record.Accesses))
	for _, access := range record.Accesses {
		resourceIDs = append(resourceIDs, access.ResourceID)
	}
	resources, err := m.registry.Resources(ctx, resourceIDs...)
	if err != nil {
		// 未发出任何 prepare，事务日志保持 hanging，到期后由轮询任务推定失败
		return false, gotxn.StatusBrokenLock, err.Error()
	}

	var writes, reads []*participant
	for i, access := range record.Accesses {
		p := participant{access: access, resource: resources[i]}
		if access.WriteVersion != nil {
			writes = append(writes, &p)
			continue
		}
		reads = append(reads, &p)
	}

	pctx, cancel := context.WithDeadline(ctx, deadline)
	status, reason := m.prepareRound(pctx, txID, writes)
	if status == gotxn.StatusOk {
		status, reason = m.prepareRound(pctx, txID, reads)
	}
	// 出现失败后终止其余 prepare
	cancel()

	if status == gotxn.StatusOk && !deadline.After(time.Now()) {
		// 所有赞成票都已落库，先把失败结论写入事务日志，再通知参与者回滚
		if err := m.txStore.TXSubmit(ctx, txID, false, gotxn.StatusPrepareTimeout); err != nil {
			logger.Errorf("tx submit failed, err: %v", err)
			return false, gotxn.StatusStorageConflict, err.Error()
		}
		if err := m.secondPhase(ctx, txID, writeIDs(record), false); err != nil {
			logger.Errorf("tx second phase failed, commit: false, err: %v", err)
		}
		return false, gotxn.StatusPrepareTimeout, "prepare votes collected after the deadline"
	}

	if status == gotxn.StatusOk {
		m.deliver(txID, writeIDs(record))
		return true, status, ""
	}

	// 第二阶段即便失败也无妨，事务日志保持 hanging，由轮询任务兜底
	if err := m.secondPhase(ctx, txID, writeIDs(record), false); err != nil {
		logger.Errorf("tx second phase failed, commit: false, err: %v", err)
		return false, status, reason
	}
	if err := m.txStore.TXSubmit(ctx, txID, false, status); err != nil {
		logger.Errorf("tx submit failed, err: %v", err)
	}
	return false, status, reason
}

// prepareRound prepares participants concurrently and logs every vote it
// collects. It stops at the first failure.
func (m *Manager) prepareRound(pctx context.Context, txID int64, participants []*participant) (gotxn.TransactionalStatus, string) {
	votes := make(chan prepareVote, len(participants))
	for _, p := range participants {
		// shadow
		p := p
		go func() {
			ok, err := p.resource.Prepare(pctx, txID, p.access.WriteVersion, p.access.ReadVersion)
			votes <- prepareVote{resourceID: p.access.ResourceID, ok: ok, err: err}
		}()
	}

	status := gotxn.StatusOk
	var reason string
	for received := 0; received < len(participants) && status == gotxn.StatusOk; received++ {
		select {
		case vote := <-votes:
			switch {
			case vote.err != nil && pctx.Err() != nil:
				status, reason = gotxn.StatusPrepareTimeout, fmt.Sprintf("resource: %s prepare timeout", vote.resourceID)
			case vote.err != nil:
				status, reason = gotxn.StatusBrokenLock, fmt.Sprintf("resource: %s prepare failed, err: %v", vote.resourceID, vote.err)
			case !vote.ok:
				status, reason = gotxn.StatusLockValidationFailed, fmt.Sprintf("resource: %s rejected prepare", vote.resourceID)
			}
			if err := m.txStore.TXUpdate(m.ctx, txID, vote.resourceID, status == gotxn.StatusOk); err != nil {
				log.ForTX(txID).Errorf("tx vote update failed, resource id: %s, err: %v", vote.resourceID, err)
				if status == gotxn.StatusOk {
					status, reason = gotxn.StatusBrokenLock, err.Error()
				}
			}
		case <-pctx.Done():
			status, reason = gotxn.StatusPrepareTimeout, "prepare votes not collected before the deadline"
		}
	}
	return status, reason
}

// deliver commits a decided transaction in the background. The transaction log
// already derives success from its votes, so the monitor redrives it if this
// delivery fails.
func (m *Manager) deliver(txID int64, resourceIDs []string) {
	m.mux.Lock()
	m.delivering[txID] = struct{}{}
	m.mux.Unlock()

	m.deliveries.Add(1)
	go func() {
		defer m.deliveries.Done()
		defer func() {
			m.mux.Lock()
			delete(m.delivering, txID)
			m.mux.Unlock()
		}()

		logger := log.ForTX(txID)
		if err := m.secondPhase(m.ctx, txID, resourceIDs, true); err != nil {
			logger.Errorf("tx second phase failed, commit: true, err: %v", err)
			return
		}
		if err := m.txStore.TXSubmit(m.ctx, txID, true, gotxn.StatusOk); err != nil {
			logger.Errorf("tx submit failed, err: %v", err)
		}
	}()
}

func writeIDs(record *gotxn.TransactionRecord) []string {
	writes := record.Writes()
	resourceIDs := make([]string, 0, len(writes))
	for _, access := range writes {
		resourceIDs = append(resourceIDs, access.ResourceID)
	}
	return resourceIDs
}

// secondPhase delivers commit or abort to every write participant.
func (m *Manager) secondPhase(ctx context.Context, txID int64, resourceIDs []string, commit bool) error {
	if len(resourceIDs) == 0 {
		return nil
	}
	resources, err := m.registry.Resources(ctx, resourceIDs...)
	if err != nil {
		return err
	}

	errCh := make(chan error, len(resources))
	var wg sync.WaitGroup
	for _, resource := range resources {
		// shadow
		resource := resource
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if commit {
				err = resource.Commit(ctx, txID)
			} else {
				err = resource.Abort(ctx, txID)
			}
			if err != nil {
				errCh <- fmt.Errorf("resource: %s, err: %w", resource.ID(), err)
			}
		}()
	}
	wg.Wait()
	close(errCh)

	var firstErr error
	for err := range errCh {
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// query reports a known outcome. ok is false while the outcome is undecided.
func (m *Manager) query(ctx context.Context, txID int64) (*gotxn.CommitResult, bool) {
	m.mux.Lock()
	if _, ok := m.aborted[txID]; ok {
		m.mux.Unlock()
		return fail(gotxn.StatusCascadingAbort, "transaction was aborted"), true
	}
	if _, ok := m.active[txID]; ok {
		m.mux.Unlock()
		return nil, false
	}
	m.mux.Unlock()

	tx, err := m.txStore.GetTX(ctx, txID)
	if errors.Is(err, ErrTXNotFound) {
		return fail(gotxn.StatusPresumedAbort, "no record of the transaction"), true
	}
	if err != nil {
		log.ForTX(txID).Errorf("tx query failed, err: %v", err)
		return nil, false
	}

	switch tx.getStatus(time.Now()) {
	case TXSuccessful:
		return &gotxn.CommitResult{Success: true}, true
	case TXFailure:
		return fail(tx.failStatus(), "transaction failed"), true
	default:
		return nil, false
	}
}

func (m *Manager) backOffTick(tick time.Duration) time.Duration {
	tick <<= 1
	if threshold := m.opts.MonitorTick << 3; tick > threshold {
		return threshold
	}
	return tick
}

func (m *Manager) run() {
	var tick time.Duration
	var err error
	for {
		// 如果出现了失败，tick 需要避让，遵循退避策略增大 tick 间隔时长
		if err == nil {
			tick = m.opts.MonitorTick
		} else {
			tick = m.backOffTick(tick)
		}
		select {
		case <-m.ctx.Done():
			return

		case <-time.After(tick):
			m.expire()

			// 加锁，避免多个 tm 节点的监控任务重复执行
			if err = m.txStore.Lock(m.ctx, m.opts.MonitorTick); err != nil {
				// 取锁失败时（大概率被其他节点占有），不对 tick 进行退避升级
				err = nil
				continue
			}

			var txs []*Transaction
			if txs, err = m.txStore.GetHangingTXs(m.ctx); err != nil {
				_ = m.txStore.Unlock(m.ctx)
				continue
			}

			err = m.batchAdvanceProgress(txs)
			_ = m.txStore.Unlock(m.ctx)
		}
	}
}

// expire presumes abort for started transactions whose deadline passed
// without a commit request.
func (m *Manager) expire() {
	now := time.Now()
	m.mux.Lock()
	defer m.mux.Unlock()
	for txID, active := range m.active {
		if active.committing || active.deadline.After(now) {
			continue
		}
		delete(m.active, txID)
		m.aborted[txID] = now
		log.ForTX(txID).Infof("tx presumed aborted")
	}
	for txID, abortedAt := range m.aborted {
		if now.Sub(abortedAt) > m.opts.Timeout {
			delete(m.aborted, txID)
		}
	}
}

func (m *Manager) batchAdvanceProgress(txs []*Transaction) error {
	errCh := make(chan error)
	go func() {
		var wg sync.WaitGroup
		for _, tx := range txs {
			// shadow
			tx := tx
			// 本节点正在提交或投递中的事务不做推进
			m.mux.Lock()
			_, active := m.active[tx.TXID]
			_, delivering := m.delivering[tx.TXID]
			m.mux.Unlock()
			if active || delivering {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := m.advanceProgress(tx); err != nil {
					errCh <- err
				}
			}()
		}
		wg.Wait()
		close(errCh)
	}()

	var firstErr error
	for err := range errCh {
		if firstErr != nil {
			continue
		}
		firstErr = err
	}

	return firstErr
}

func (m *Manager) advanceProgress(tx *Transaction) error {
	txStatus := tx.getStatus(time.Now())
	// hanging 状态的暂时不处理
	if txStatus == TXHanging {
		return nil
	}

	success := txStatus == TXSuccessful
	writes := tx.writes()
	resourceIDs := make([]string, 0, len(writes))
	for _, participant := range writes {
		resourceIDs = append(resourceIDs, participant.ResourceID)
	}
	if err := m.secondPhase(m.ctx, tx.TXID, resourceIDs, success); err != nil {
		return err
	}

	outcome := gotxn.StatusOk
	if !success {
		outcome = tx.failStatus()
	}
	return m.txStore.TXSubmit(m.ctx, tx.TXID, success, outcome)
}

var _ gotxn.TransactionManagerService = (*Manager)(nil)
