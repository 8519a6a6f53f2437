package audit

import (
	"context"
	"testing"

	"github.com/ocihub/registry/internal/catalog"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewService(store.DB())
}

func TestLogAndForRepository(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	userID := int64(7)
	if err := svc.Log(ctx, &userID, "push", "library/alpine", map[string]any{"reference": "latest"}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := svc.Log(ctx, nil, "pull", "library/alpine", map[string]any{"reference": "latest"}); err != nil {
		t.Fatalf("Log (anonymous): %v", err)
	}
	if err := svc.Log(ctx, &userID, "push", "library/other", nil); err != nil {
		t.Fatalf("Log (other repo): %v", err)
	}

	entries, err := svc.ForRepository(ctx, "library/alpine", 10)
	if err != nil {
		t.Fatalf("ForRepository: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ForRepository returned %d entries, want 2", len(entries))
	}

	var sawPush, sawPull bool
	for _, e := range entries {
		switch e.Action {
		case "push":
			sawPush = true
			if e.UserID == nil || *e.UserID != userID {
				t.Fatalf("push entry UserID = %v, want %d", e.UserID, userID)
			}
		case "pull":
			sawPull = true
			if e.UserID != nil {
				t.Fatalf("anonymous pull entry has non-nil UserID: %v", *e.UserID)
			}
		default:
			t.Fatalf("unexpected action %q", e.Action)
		}
	}
	if !sawPush || !sawPull {
		t.Fatalf("expected both a push and a pull entry, got %+v", entries)
	}
}

func TestForRepositoryRespectsLimit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := svc.Log(ctx, nil, "pull", "library/busy", nil); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	entries, err := svc.ForRepository(ctx, "library/busy", 3)
	if err != nil {
		t.Fatalf("ForRepository: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("ForRepository with limit 3 returned %d entries", len(entries))
	}
}
