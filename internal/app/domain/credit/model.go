// Package credit defines the append-only credit ledger model.
package credit

import (
	"fmt"
	"time"
)

// Reason tags recorded on ledger entries. Batch debits and task refunds embed
// the referenced identifier so the ledger reads as an audit trail.
const (
	ReasonBatchDebit    = "deduct_for_batch"
	ReasonTaskRefund    = "refund_task"
	ReasonAdminAdjust   = "admin_adjust"
	ReasonDebitReversal = "reverse_batch_debit"
)

// DebitReason formats the reason tag for a batch debit.
func DebitReason(batchID string) string {
	return fmt.Sprintf("%s:%s", ReasonBatchDebit, batchID)
}

// RefundReason formats the reason tag for a task refund.
func RefundReason(taskID string) string {
	return fmt.Sprintf("%s:%s", ReasonTaskRefund, taskID)
}

// ReversalReason formats the reason tag for reversing a batch debit whose
// batch was never created.
func ReversalReason(batchID string) string {
	return fmt.Sprintf("%s:%s", ReasonDebitReversal, batchID)
}

// Transaction is one signed movement of credits. Rows are never updated or
// deleted; a user's balance is the sum of their deltas.
type Transaction struct {
	ID         string
	OwnerID    string
	Delta      int64
	Reason     string
	RefBatchID string
	RefTaskID  string
	CreatedAt  time.Time
}
