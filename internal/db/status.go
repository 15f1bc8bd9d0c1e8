package db

import (
	"context"
	"fmt"

	"horse.fit/tape/internal/globaltime"
)

// ItemStatus is the closed set of item lifecycle states. Transitions are
// forward-only along the listed order, with three exceptions: the terminal
// resolve_failed branch (reachable only from resolve_pending), the bounded
// resolve_failed -> resolve_pending retry re-entry guarded by the resolve
// queue's attempt ceiling, and the searched -> discovered claim release that
// returns items to the rank pool after a failed or abandoned pass.
type ItemStatus string

const (
	ItemDiscovered     ItemStatus = "discovered"
	ItemSearched       ItemStatus = "searched"
	ItemRanked         ItemStatus = "ranked"
	ItemResolvePending ItemStatus = "resolve_pending"
	ItemResolved       ItemStatus = "resolved"
	ItemResolveFailed  ItemStatus = "resolve_failed"
	ItemCrawled        ItemStatus = "crawled"
	ItemProcessed      ItemStatus = "processed"
)

var itemStatusOrder = map[ItemStatus]int{
	ItemDiscovered:     0,
	ItemSearched:       1,
	ItemRanked:         2,
	ItemResolvePending: 3,
	ItemResolved:       4,
	ItemCrawled:        5,
	ItemProcessed:      6,
}

func (s ItemStatus) Valid() bool {
	if s == ItemResolveFailed {
		return true
	}
	_, ok := itemStatusOrder[s]
	return ok
}

// CanTransition reports whether from -> to is a legal item status transition.
func CanTransition(from, to ItemStatus) bool {
	if !from.Valid() || !to.Valid() || from == to {
		return false
	}
	if to == ItemResolveFailed {
		return from == ItemResolvePending
	}
	if from == ItemResolveFailed {
		return to == ItemResolvePending
	}
	if from == ItemSearched && to == ItemDiscovered {
		// Claim release: searched marks an in-flight rank claim, not
		// completed work.
		return true
	}
	if from == ItemProcessed {
		return false
	}
	return itemStatusOrder[to] > itemStatusOrder[from]
}

// RunType identifies which pipeline phase a run executed.
type RunType string

const (
	RunIngest  RunType = "ingest"
	RunResolve RunType = "resolve"
	RunRank    RunType = "rank"
	RunCrawl   RunType = "crawl"
	RunThread  RunType = "thread"
	RunDigest  RunType = "digest"
)

func (t RunType) Valid() bool {
	switch t {
	case RunIngest, RunResolve, RunRank, RunCrawl, RunThread, RunDigest:
		return true
	default:
		return false
	}
}

// RunStatus is the closed set of pipeline run states.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunSuccess, RunFailed:
		return true
	default:
		return false
	}
}

// ThreadOpen and ThreadClosed are the thread acceptance states.
const (
	ThreadOpen   = "open"
	ThreadClosed = "closed"
)

// UpdateItemStatus performs a conditional status advance: the write applies
// only when the item is still in the expected prior state, which makes
// overlapping phase invocations safe without a global lock.
func (p *Pool) UpdateItemStatus(ctx context.Context, itemID int64, from, to ItemStatus) (bool, error) {
	if !CanTransition(from, to) {
		return false, fmt.Errorf("illegal item status transition %s -> %s", from, to)
	}

	const q = `
UPDATE wire.items
SET status = $1, updated_at = $2
WHERE item_id = $3
  AND status = $4
`
	tag, err := p.Exec(ctx, q, string(to), globaltime.UTC(), itemID, string(from))
	if err != nil {
		return false, fmt.Errorf("update item %d status %s -> %s: %w", itemID, from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}
