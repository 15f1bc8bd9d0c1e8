package digest

import (
	"testing"
	"time"
)

func TestGroupEntries(t *testing.T) {
	t.Parallel()

	early := time.Date(2026, 8, 22, 8, 0, 0, 0, time.UTC)
	late := early.Add(2 * time.Hour)

	entries := []digestEntry{
		{ThreadUUID: "t1", ThreadTitle: "Bank probe", MemberCount: 2,
			Item: ItemDigest{ItemUUID: "i1", RankScore: 0.6, DiscoveredAt: early}},
		{ThreadUUID: "t1", ThreadTitle: "Bank probe", MemberCount: 2,
			Item: ItemDigest{ItemUUID: "i2", RankScore: 0.9, DiscoveredAt: late}},
		{ThreadUUID: "t2", ThreadTitle: "Rates decision", MemberCount: 1,
			Item: ItemDigest{ItemUUID: "i3", RankScore: 0.7, DiscoveredAt: early}},
	}

	threads := groupEntries(entries)
	if len(threads) != 2 {
		t.Fatalf("expected 2 threads, got %d", len(threads))
	}

	// Thread t1 has the best-ranked item and must come first.
	if threads[0].ThreadUUID != "t1" {
		t.Fatalf("expected thread t1 first, got %s", threads[0].ThreadUUID)
	}
	if threads[0].TopScore != 0.9 {
		t.Fatalf("expected top score 0.9, got %f", threads[0].TopScore)
	}
	if threads[0].Items[0].ItemUUID != "i2" {
		t.Fatalf("expected highest-ranked item first within thread, got %s", threads[0].Items[0].ItemUUID)
	}
	if threads[1].ThreadUUID != "t2" || len(threads[1].Items) != 1 {
		t.Fatalf("unexpected second thread %+v", threads[1])
	}
}

func TestGroupEntriesEmpty(t *testing.T) {
	t.Parallel()

	if threads := groupEntries(nil); len(threads) != 0 {
		t.Fatalf("expected no threads for empty input, got %d", len(threads))
	}
}

func TestFileName(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 23, 14, 5, 9, 0, time.UTC)
	if got := fileName(now); got != "digest-20260823T140509Z.json" {
		t.Fatalf("unexpected file name %q", got)
	}
}
