package db

import "testing"

func TestCanTransition_ForwardOnly(t *testing.T) {
	t.Parallel()

	if !CanTransition(ItemDiscovered, ItemSearched) {
		t.Fatalf("expected discovered -> searched to be legal")
	}
	if !CanTransition(ItemDiscovered, ItemResolvePending) {
		t.Fatalf("expected forward skip discovered -> resolve_pending to be legal")
	}
	if !CanTransition(ItemRanked, ItemCrawled) {
		t.Fatalf("expected ranked -> crawled to be legal")
	}
	if CanTransition(ItemRanked, ItemDiscovered) {
		t.Fatalf("did not expect backward transition to be legal")
	}
	if CanTransition(ItemProcessed, ItemCrawled) {
		t.Fatalf("did not expect any transition out of processed")
	}
	if CanTransition(ItemRanked, ItemRanked) {
		t.Fatalf("did not expect self transition to be legal")
	}
}

func TestCanTransition_ClaimRelease(t *testing.T) {
	t.Parallel()

	if !CanTransition(ItemSearched, ItemDiscovered) {
		t.Fatalf("expected claim release searched -> discovered to be legal")
	}
	if CanTransition(ItemRanked, ItemSearched) {
		t.Fatalf("ranked items must not re-enter the claim state")
	}
	if CanTransition(ItemCrawled, ItemDiscovered) {
		t.Fatalf("only the searched claim state may release back to discovered")
	}
}

// Redirect-host items travel discovered -> searched -> resolve_pending ->
// resolved -> crawled -> processed: ranked before resolution, because once
// resolved there is no legal route back into the rank claim.
func TestCanTransition_DeferredResolutionRoute(t *testing.T) {
	t.Parallel()

	route := []ItemStatus{
		ItemDiscovered,
		ItemSearched,
		ItemResolvePending,
		ItemResolved,
		ItemCrawled,
		ItemProcessed,
	}
	for i := 0; i < len(route)-1; i++ {
		if !CanTransition(route[i], route[i+1]) {
			t.Fatalf("expected %s -> %s to be legal", route[i], route[i+1])
		}
	}

	if CanTransition(ItemResolved, ItemSearched) {
		t.Fatalf("resolved items must not re-enter the rank claim")
	}
	if CanTransition(ItemResolved, ItemDiscovered) {
		t.Fatalf("resolved items must not return to discovered")
	}
}

func TestCanTransition_ResolveFailedBranch(t *testing.T) {
	t.Parallel()

	if !CanTransition(ItemResolvePending, ItemResolveFailed) {
		t.Fatalf("expected resolve_pending -> resolve_failed to be legal")
	}
	if CanTransition(ItemDiscovered, ItemResolveFailed) {
		t.Fatalf("resolve_failed must only be reachable from resolve_pending")
	}
	if !CanTransition(ItemResolveFailed, ItemResolvePending) {
		t.Fatalf("expected bounded retry re-entry resolve_failed -> resolve_pending")
	}
	if CanTransition(ItemResolveFailed, ItemProcessed) {
		t.Fatalf("did not expect resolve_failed -> processed to be legal")
	}
}

func TestCanTransition_RejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	if CanTransition(ItemStatus("bogus"), ItemRanked) {
		t.Fatalf("did not expect unknown source status to be legal")
	}
	if CanTransition(ItemDiscovered, ItemStatus("bogus")) {
		t.Fatalf("did not expect unknown target status to be legal")
	}
}

func TestRunTypeAndStatusValidity(t *testing.T) {
	t.Parallel()

	for _, runType := range []RunType{RunIngest, RunResolve, RunRank, RunCrawl, RunThread, RunDigest} {
		if !runType.Valid() {
			t.Fatalf("expected run type %q to be valid", runType)
		}
	}
	if RunType("reticulate").Valid() {
		t.Fatalf("did not expect unknown run type to be valid")
	}
	if !RunFailed.Valid() || RunStatus("maybe").Valid() {
		t.Fatalf("unexpected run status validity")
	}
}
