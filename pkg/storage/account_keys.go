package storage

import (
	"fmt"
)

// Key schema for Pebble storage
//
//   acc:{accountID}                  → accountRecord (balance + entry sequence)
//   mut:{accountID}:{mutationKey}    → account.Entry
//   hist:{accountID}:{seq, 20 digits} → mutation key, in commit order
//   rec:{accountID}:{clientOrderID}  → ledger.Pending
//
// Account ids never contain ':' so per-account prefixes do not overlap.

// Key prefixes
const (
	prefixAccount   = "acc:"
	prefixMutation  = "mut:"
	prefixHistory   = "hist:"
	prefixReconcile = "rec:"
)

// accountKey returns the key for an account
// Format: "acc:{id}"
func accountKey(id string) []byte {
	return []byte(prefixAccount + id)
}

// mutationKey returns the key for an applied mutation
// Format: "mut:{id}:{key}"
func mutationKey(id, key string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixMutation, id, key))
}

// historyKey returns the commit-order index key of a mutation
// Sequence is zero-padded (20 digits) for lexicographic sorting
func historyKey(id string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixHistory, id, seq))
}

// historyPrefix returns the prefix for the whole history of an account
// Format: "hist:{id}:"
func historyPrefix(id string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixHistory, id))
}

// reconcileKey returns the key of a pending reconciliation
// Format: "rec:{accountID}:{clientOrderID}"
func reconcileKey(accountID, clientOrderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixReconcile, accountID, clientOrderID))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
