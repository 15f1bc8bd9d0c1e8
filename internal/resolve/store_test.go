package resolve

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/tape/internal/db"
)

type fakeItem struct {
	rawURL    string
	status    db.ItemStatus
	canonical string
	attempts  int
	reason    string
}

type fakeEntry struct {
	id           int64
	itemID       int64
	attemptCount int
	nextEligible time.Time
	claimedAt    time.Time
}

// fakeStore is an in-memory queueStore. The mutex stands in for the row
// locks the SQL implementation takes, so concurrent drains observe the same
// claim-once behavior.
type fakeStore struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]*fakeEntry
	byItem  map[int64]int64
	items   map[int64]*fakeItem
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries: make(map[int64]*fakeEntry),
		byItem:  make(map[int64]int64),
		items:   make(map[int64]*fakeItem),
	}
}

func (f *fakeStore) addItem(itemID int64, rawURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[itemID] = &fakeItem{rawURL: rawURL, status: db.ItemResolvePending}
}

func (f *fakeStore) entryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *fakeStore) entryForItem(itemID int64) (*fakeEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entryID, ok := f.byItem[itemID]
	if !ok {
		return nil, false
	}
	entry := *f.entries[entryID]
	return &entry, true
}

func (f *fakeStore) setEntry(itemID int64, mutate func(*fakeEntry)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entryID, ok := f.byItem[itemID]; ok {
		mutate(f.entries[entryID])
	}
}

func (f *fakeStore) item(itemID int64) fakeItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.items[itemID]
}

func (f *fakeStore) insertEntry(_ context.Context, itemID int64, eligibleAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.byItem[itemID]; exists {
		return nil
	}
	f.nextID++
	f.entries[f.nextID] = &fakeEntry{id: f.nextID, itemID: itemID, nextEligible: eligibleAt}
	f.byItem[itemID] = f.nextID
	return nil
}

func (f *fakeStore) claimNext(_ context.Context, now, staleBefore time.Time) (claimedEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *fakeEntry
	for _, entry := range f.entries {
		if !entry.claimedAt.IsZero() && !entry.claimedAt.Before(staleBefore) {
			continue
		}
		if entry.nextEligible.After(now) {
			continue
		}
		if best == nil || entry.nextEligible.Before(best.nextEligible) ||
			(entry.nextEligible.Equal(best.nextEligible) && entry.id < best.id) {
			best = entry
		}
	}
	if best == nil {
		return claimedEntry{}, false, nil
	}
	best.claimedAt = now
	return claimedEntry{EntryID: best.id, ItemID: best.itemID, AttemptCount: best.attemptCount}, true, nil
}

func (f *fakeStore) itemRawURL(_ context.Context, itemID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[itemID]
	if !ok {
		return "", db.ErrNoRows
	}
	return item.rawURL, nil
}

func (f *fakeStore) deleteEntry(_ context.Context, entryID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.entries[entryID]; ok {
		delete(f.byItem, entry.itemID)
		delete(f.entries, entryID)
	}
	return nil
}

func (f *fakeStore) markResolved(_ context.Context, entry claimedEntry, canonical string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.items[entry.ItemID]; ok && item.status == db.ItemResolvePending {
		item.status = db.ItemResolved
		item.canonical = canonical
		item.attempts = entry.AttemptCount + 1
	}
	delete(f.entries, entry.EntryID)
	delete(f.byItem, entry.ItemID)
	return nil
}

func (f *fakeStore) markTerminal(_ context.Context, entry claimedEntry, reason string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.items[entry.ItemID]; ok && item.status == db.ItemResolvePending {
		item.status = db.ItemResolveFailed
		item.reason = reason
		item.attempts = entry.AttemptCount + 1
	}
	delete(f.entries, entry.EntryID)
	delete(f.byItem, entry.ItemID)
	return nil
}

func (f *fakeStore) scheduleRetry(_ context.Context, entry claimedEntry, attempt int, nextEligibleAt, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if stored, ok := f.entries[entry.EntryID]; ok {
		stored.attemptCount = attempt
		stored.nextEligible = nextEligibleAt
		stored.claimedAt = time.Time{}
	}
	if item, ok := f.items[entry.ItemID]; ok {
		item.attempts = attempt
	}
	return nil
}

func (f *fakeStore) unclaim(_ context.Context, entryID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.entries[entryID]; ok {
		entry.claimedAt = time.Time{}
	}
	return nil
}

func (f *fakeStore) countRemaining(_ context.Context, now, staleBefore time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	remaining := 0
	for _, entry := range f.entries {
		if !entry.claimedAt.IsZero() && !entry.claimedAt.Before(staleBefore) {
			continue
		}
		if entry.nextEligible.After(now) {
			continue
		}
		remaining++
	}
	return remaining, nil
}

// stubResolver resolves every URL to a fixed canonical target and counts
// calls per raw URL. URLs listed in errs fail instead.
type stubResolver struct {
	mu    sync.Mutex
	calls map[string]int
	errs  map[string]error
}

func newStubResolver() *stubResolver {
	return &stubResolver{calls: make(map[string]int), errs: make(map[string]error)}
}

func (r *stubResolver) Resolve(_ context.Context, rawURL string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[rawURL]++
	if err, ok := r.errs[rawURL]; ok {
		return "", err
	}
	return "https://example.com/canonical" + rawURL[len(rawURL)-1:], nil
}

func (r *stubResolver) callCount(rawURL string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[rawURL]
}

func newTestQueue(store queueStore, resolver Resolver, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 30 * time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = time.Hour
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 15 * time.Minute
	}
	return &Queue{
		store:    store,
		resolver: resolver,
		logger:   zerolog.Nop(),
		opts:     opts,
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.addItem(7, "https://news.google.com/rss/articles/a")
	q := newTestQueue(store, newStubResolver(), Options{})

	ctx := context.Background()
	if err := q.Enqueue(ctx, 7); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, 7); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if got := store.entryCount(); got != 1 {
		t.Fatalf("expected a single queue entry after duplicate enqueue, got %d", got)
	}

	result, err := q.ProcessBatch(ctx, 10)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if result.Resolved != 1 {
		t.Fatalf("expected exactly one resolution, got %d", result.Resolved)
	}
}

func TestProcessBatchClaimsEachEntryOnce(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	resolver := newStubResolver()
	const items = 12
	ctx := context.Background()
	q := newTestQueue(store, resolver, Options{})

	for i := int64(1); i <= items; i++ {
		url := fmt.Sprintf("https://news.google.com/rss/articles/%d", i)
		store.addItem(i, url)
		if err := q.Enqueue(ctx, i); err != nil {
			t.Fatalf("enqueue item %d: %v", i, err)
		}
	}

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			results[w], errs[w] = q.ProcessBatch(ctx, items)
		}(w)
	}
	wg.Wait()

	for w, err := range errs {
		if err != nil {
			t.Fatalf("drain %d: %v", w, err)
		}
	}
	if total := results[0].Resolved + results[1].Resolved; total != items {
		t.Fatalf("expected %d resolutions across both drains, got %d", items, total)
	}
	for i := int64(1); i <= items; i++ {
		url := fmt.Sprintf("https://news.google.com/rss/articles/%d", i)
		if got := resolver.callCount(url); got != 1 {
			t.Fatalf("item %d resolved %d times, want exactly once", i, got)
		}
	}
	if got := store.entryCount(); got != 0 {
		t.Fatalf("expected queue drained, %d entries left", got)
	}
}

func TestRemainingExcludesBackedOffEntries(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.addItem(1, "https://news.google.com/rss/articles/1")
	store.addItem(2, "https://news.google.com/rss/articles/2")
	q := newTestQueue(store, newStubResolver(), Options{})

	ctx := context.Background()
	for _, itemID := range []int64{1, 2} {
		if err := q.Enqueue(ctx, itemID); err != nil {
			t.Fatalf("enqueue item %d: %v", itemID, err)
		}
	}
	// Push item 2 behind a backoff window.
	store.setEntry(2, func(entry *fakeEntry) {
		entry.nextEligible = time.Now().UTC().Add(time.Hour)
	})

	result, err := q.ProcessBatch(ctx, 10)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if result.Resolved != 1 {
		t.Fatalf("expected one resolution, got %d", result.Resolved)
	}
	if result.Remaining != 0 {
		t.Fatalf("backed-off entry must not count as remaining, got %d", result.Remaining)
	}
	if got := store.entryCount(); got != 1 {
		t.Fatalf("backed-off entry should survive the pass, %d entries left", got)
	}
}

func TestStaleClaimIsReclaimed(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.addItem(1, "https://news.google.com/rss/articles/1")
	store.addItem(2, "https://news.google.com/rss/articles/2")
	resolver := newStubResolver()
	q := newTestQueue(store, resolver, Options{ClaimTTL: 15 * time.Minute})

	ctx := context.Background()
	for _, itemID := range []int64{1, 2} {
		if err := q.Enqueue(ctx, itemID); err != nil {
			t.Fatalf("enqueue item %d: %v", itemID, err)
		}
	}
	// Item 1 was claimed by a drain that died an hour ago; item 2 is held by
	// a live drain.
	store.setEntry(1, func(entry *fakeEntry) {
		entry.claimedAt = time.Now().UTC().Add(-time.Hour)
	})
	store.setEntry(2, func(entry *fakeEntry) {
		entry.claimedAt = time.Now().UTC()
	})

	result, err := q.ProcessBatch(ctx, 10)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if result.Resolved != 1 {
		t.Fatalf("expected the stale claim to be reclaimed and resolved, got %d resolutions", result.Resolved)
	}
	if got := resolver.callCount("https://news.google.com/rss/articles/2"); got != 0 {
		t.Fatalf("live claim must not be stolen, item 2 resolved %d times", got)
	}
	if item := store.item(1); item.status != db.ItemResolved {
		t.Fatalf("expected item 1 resolved, status %q", item.status)
	}
	if result.Remaining != 0 {
		t.Fatalf("live claim must not count as remaining, got %d", result.Remaining)
	}
}

func TestAttemptCeilingMarksResolveFailed(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.addItem(1, "https://news.google.com/rss/articles/1")
	resolver := newStubResolver()
	resolver.errs["https://news.google.com/rss/articles/1"] = fmt.Errorf("connection refused")
	q := newTestQueue(store, resolver, Options{MaxAttempts: 2, BackoffBase: 30 * time.Second})

	ctx := context.Background()
	if err := q.Enqueue(ctx, 1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result, err := q.ProcessBatch(ctx, 10)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if result.Retried != 1 || result.Failed != 0 {
		t.Fatalf("expected one retry on first pass, got retried=%d failed=%d", result.Retried, result.Failed)
	}
	entry, ok := store.entryForItem(1)
	if !ok {
		t.Fatalf("entry must survive a retry")
	}
	if !entry.nextEligible.After(time.Now().UTC()) {
		t.Fatalf("retry must back off into the future, eligible at %v", entry.nextEligible)
	}

	// Fast-forward past the backoff window.
	store.setEntry(1, func(entry *fakeEntry) {
		entry.nextEligible = time.Now().UTC().Add(-time.Second)
	})

	result, err = q.ProcessBatch(ctx, 10)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("expected abandonment at the attempt ceiling, got failed=%d", result.Failed)
	}
	item := store.item(1)
	if item.status != db.ItemResolveFailed {
		t.Fatalf("expected item resolve_failed, status %q", item.status)
	}
	if item.reason == "" {
		t.Fatalf("expected a failure reason to be recorded")
	}
	if got := store.entryCount(); got != 0 {
		t.Fatalf("terminal outcome must remove the entry, %d left", got)
	}
}

func TestOrphanedEntryIsDropped(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	q := newTestQueue(store, newStubResolver(), Options{})

	ctx := context.Background()
	if err := q.Enqueue(ctx, 99); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result, err := q.ProcessBatch(ctx, 10)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("expected orphaned entry counted as failed, got %d", result.Failed)
	}
	if got := store.entryCount(); got != 0 {
		t.Fatalf("orphaned entry must be removed, %d left", got)
	}
}
