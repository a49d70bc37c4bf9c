package tm

import (
	"time"

	"github.com/xiaoxuxiansheng/gotxn"
)

// 事务状态
type TXStatus string

const (
	// 事务执行中
	TXHanging TXStatus = "hanging"
	// 事务成功
	TXSuccessful TXStatus = "successful"
	// 事务失败
	TXFailure TXStatus = "failure"
)

func (t TXStatus) String() string {
	return string(t)
}

// 参与者 prepare 投票结果
type VoteStatus string

func (v VoteStatus) String() string {
	return string(v)
}

const (
	VoteHanging VoteStatus = "hanging"
	VoteYes     VoteStatus = "yes"
	VoteNo      VoteStatus = "no"
)

type ParticipantVote struct {
	ResourceID   string     `json:"resourceID"`
	ReadVersion  *int64     `json:"readVersion,omitempty"`
	WriteVersion *int64     `json:"writeVersion,omitempty"`
	Vote         VoteStatus `json:"vote"`
}

// IsWrite reports whether the participant receives phase two.
func (p *ParticipantVote) IsWrite() bool {
	return p.WriteVersion != nil
}

// 事务日志
type Transaction struct {
	TXID         int64              `json:"txID"`
	Participants []*ParticipantVote `json:"participants"`
	Status       TXStatus           `json:"status"`
	// 失败时记录的协议状态
	Outcome   gotxn.TransactionalStatus `json:"outcome"`
	Deadline  time.Time                 `json:"deadline"`
	CreatedAt time.Time                 `json:"createdAt"`
}

func NewTransaction(record *gotxn.TransactionRecord, deadline time.Time) *Transaction {
	participants := make([]*ParticipantVote, 0, len(record.Accesses))
	for _, access := range record.Accesses {
		participants = append(participants, &ParticipantVote{
			ResourceID:   access.ResourceID,
			ReadVersion:  access.ReadVersion,
			WriteVersion: access.WriteVersion,
			Vote:         VoteHanging,
		})
	}
	return &Transaction{
		TXID:         record.TXID,
		Participants: participants,
		Status:       TXHanging,
		Deadline:     deadline,
		CreatedAt:    time.Now(),
	}
}

// getStatus derives the decision from the recorded votes.
func (t *Transaction) getStatus(now time.Time) TXStatus {
	if t.Status != TXHanging {
		return t.Status
	}

	// 1 如果当中出现否决票，直接置为失败
	var hangingExist bool
	for _, participant := range t.Participants {
		if participant.Vote == VoteNo {
			return TXFailure
		}
		hangingExist = hangingExist || (participant.Vote != VoteYes)
	}

	// 2 如果存在 hanging 状态，并且已经超过期限，也直接置为失败
	if hangingExist && t.Deadline.Before(now) {
		return TXFailure
	}

	if hangingExist {
		return TXHanging
	}

	// 3 所有参与者都投了赞成票
	return TXSuccessful
}

// failStatus classifies a failed transaction when no explicit outcome was logged.
func (t *Transaction) failStatus() gotxn.TransactionalStatus {
	if t.Outcome != gotxn.StatusOk {
		return t.Outcome
	}
	for _, participant := range t.Participants {
		if participant.Vote == VoteNo {
			return gotxn.StatusLockValidationFailed
		}
	}
	return gotxn.StatusPrepareTimeout
}

func (t *Transaction) writes() []*ParticipantVote {
	writes := make([]*ParticipantVote, 0, len(t.Participants))
	for _, participant := range t.Participants {
		if participant.IsWrite() {
			writes = append(writes, participant)
		}
	}
	return writes
}

func (t *Transaction) clone() *Transaction {
	c := *t
	c.Participants = make([]*ParticipantVote, 0, len(t.Participants))
	for _, participant := range t.Participants {
		p := *participant
		c.Participants = append(c.Participants, &p)
	}
	return &c
}
