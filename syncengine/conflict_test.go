package syncengine

import (
	"testing"
	"time"

	"github.com/optimly/integrations_backend/models"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestResolveConflictMostRecentWins(t *testing.T) {
	t1 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC)

	// Source modified at T1, target at T2 with T1 < T2: target wins.
	got := ResolveConflict(models.ConflictPolicyMostRecentWins, timePtr(t1), timePtr(t2))
	if got != models.ResolutionTargetWins {
		t.Fatalf("resolution = %q, want target_wins", got)
	}

	// Reversed: source wins.
	got = ResolveConflict(models.ConflictPolicyMostRecentWins, timePtr(t2), timePtr(t1))
	if got != models.ResolutionSourceWins {
		t.Fatalf("resolution = %q, want source_wins", got)
	}

	// Equal timestamps: source wins deterministically.
	got = ResolveConflict(models.ConflictPolicyMostRecentWins, timePtr(t1), timePtr(t1))
	if got != models.ResolutionSourceWins {
		t.Fatalf("resolution = %q, want source_wins on tie", got)
	}
}

func TestResolveConflictMissingTimestamps(t *testing.T) {
	t1 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	if got := ResolveConflict(models.ConflictPolicyMostRecentWins, nil, nil); got != models.ResolutionSourceWins {
		t.Fatalf("no timestamps: %q, want source_wins", got)
	}
	if got := ResolveConflict(models.ConflictPolicyMostRecentWins, nil, timePtr(t1)); got != models.ResolutionTargetWins {
		t.Fatalf("source timestamp missing: %q, want target_wins", got)
	}
	if got := ResolveConflict(models.ConflictPolicyMostRecentWins, timePtr(t1), nil); got != models.ResolutionSourceWins {
		t.Fatalf("target timestamp missing: %q, want source_wins", got)
	}
}

func TestResolveConflictManualReview(t *testing.T) {
	t1 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	got := ResolveConflict(models.ConflictPolicyManualReview, timePtr(t1), timePtr(t1.Add(time.Hour)))
	if got != models.ResolutionManualRequired {
		t.Fatalf("resolution = %q, want manual_required", got)
	}
}

func TestBothSidesChanged(t *testing.T) {
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	mapping := &models.EntityMapping{
		SourceVersion:    "v1",
		TargetVersion:    "10",
		SourceModifiedAt: timePtr(base),
		TargetModifiedAt: timePtr(base),
	}

	incoming := Record{Version: "v2", ModifiedAt: timePtr(base.Add(time.Hour))}
	local := &models.InternalRecord{Version: "11", ModifiedAt: timePtr(base.Add(30 * time.Minute))}
	if !BothSidesChanged(mapping, incoming, local) {
		t.Fatal("both versions moved, expected conflict")
	}

	// Only the source moved.
	localUnchanged := &models.InternalRecord{Version: "10", ModifiedAt: timePtr(base)}
	if BothSidesChanged(mapping, incoming, localUnchanged) {
		t.Fatal("target unchanged, expected no conflict")
	}

	// Only the target moved.
	incomingUnchanged := Record{Version: "v1", ModifiedAt: timePtr(base)}
	if BothSidesChanged(mapping, incomingUnchanged, local) {
		t.Fatal("source unchanged, expected no conflict")
	}

	// First sight of the entity: no mapping, no conflict possible.
	if BothSidesChanged(nil, incoming, local) {
		t.Fatal("nil mapping should never conflict")
	}
	if BothSidesChanged(mapping, incoming, nil) {
		t.Fatal("nil local record should never conflict")
	}
}
