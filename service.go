package gotxn

import (
	"context"
	"time"
)

// TransactionRecord is the form in which a TransactionInfo is sent to the TM.
type TransactionRecord struct {
	TXID     int64     `json:"txID"`
	ReadOnly bool      `json:"readOnly"`
	Deadline time.Time `json:"deadline"`
	Aborted  bool      `json:"aborted"`
	Accesses []*Access `json:"accesses"`
}

// Writes returns the accesses that install a new version.
func (r *TransactionRecord) Writes() []*Access {
	writes := make([]*Access, 0, len(r.Accesses))
	for _, access := range r.Accesses {
		if access.IsWrite() {
			writes = append(writes, access)
		}
	}
	return writes
}

type StartRequest struct {
	// 按序申请的事务时长
	Timeouts []time.Duration `json:"timeouts"`
}

type StartResponse struct {
	// 与请求中的 Timeouts 位置一一对应
	TXIDs                 []int64 `json:"txIDs"`
	ReadOnlyTransactionID int64   `json:"readOnlyTransactionID"`
	// 小于该值的事务都已经有了结果
	AbortLowerBound int64 `json:"abortLowerBound"`
}

type CommitRequest struct {
	Transactions []*TransactionRecord `json:"transactions"`
	// 查询结果的事务 id
	Queries []int64 `json:"queries"`
}

type CommitResult struct {
	Success bool                `json:"success"`
	Status  TransactionalStatus `json:"status"`
	Reason  string              `json:"reason,omitempty"`
}

type CommitResponse struct {
	Results               map[int64]*CommitResult `json:"results"`
	ReadOnlyTransactionID int64                   `json:"readOnlyTransactionID"`
	AbortLowerBound       int64                   `json:"abortLowerBound"`
}

// TransactionManagerService is the batched surface the agent talks to.
type TransactionManagerService interface {
	StartTransactions(ctx context.Context, req *StartRequest) (*StartResponse, error)
	CommitTransactions(ctx context.Context, req *CommitRequest) (*CommitResponse, error)
	// 失败对调用方透明，实现方自行记录内部错误
	AbortTransaction(ctx context.Context, txID int64, reason error) error
}
