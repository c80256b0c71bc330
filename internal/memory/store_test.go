package memory

import (
	"context"
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "facts.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRememberAndRecall(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	fact, err := s.Remember(ctx, "garage", "The garage code is 4312", "nina")
	if err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if fact.ID == "" {
		t.Fatal("empty fact id")
	}

	facts, err := s.Recall(ctx, "garage", 10)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("facts = %d, want 1", len(facts))
	}
	if facts[0].Content != "The garage code is 4312" {
		t.Errorf("content = %q", facts[0].Content)
	}
	if facts[0].Source != "nina" {
		t.Errorf("source = %q", facts[0].Source)
	}
}

func TestRecallMatchesContent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Remember(ctx, "plants", "Water the ferns every Tuesday", "")
	s.Remember(ctx, "plants", "The cactus lives on the windowsill", "")

	facts, err := s.Recall(ctx, "tuesday", 10)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(facts) != 1 || facts[0].Content != "Water the ferns every Tuesday" {
		t.Errorf("facts = %v", facts)
	}
}

func TestRecallEmptyQueryReturnsRecent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Remember(ctx, "a", "first fact", "")
	s.Remember(ctx, "b", "second fact", "")

	facts, err := s.Recall(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(facts) != 2 {
		t.Errorf("facts = %d, want 2", len(facts))
	}
}

func TestRememberDeduplicates(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first, err := s.Remember(ctx, "wifi", "Guest network password is sunflower", "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Remember(ctx, "wifi", "Guest network password is sunflower", "")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("duplicate ids %s and %s", first.ID, second.ID)
	}

	facts, _ := s.Recall(ctx, "sunflower", 10)
	if len(facts) != 1 {
		t.Errorf("facts = %d, want 1", len(facts))
	}
}

func TestRememberRequiresContent(t *testing.T) {
	s := testStore(t)
	if _, err := s.Remember(context.Background(), "x", "   ", ""); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestForget(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	fact, _ := s.Remember(ctx, "temp", "Throwaway", "")
	if err := s.Forget(ctx, fact.ID); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if err := s.Forget(ctx, fact.ID); err == nil {
		t.Fatal("expected error forgetting twice")
	}

	facts, _ := s.Recall(ctx, "Throwaway", 10)
	if len(facts) != 0 {
		t.Errorf("facts = %v, want none", facts)
	}
}

func TestStats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Remember(ctx, "plants", "one", "")
	s.Remember(ctx, "plants", "two", "")
	s.Remember(ctx, "wifi", "three", "")

	stats := s.Stats()
	if stats["facts"] != 3 {
		t.Errorf("facts = %v", stats["facts"])
	}
	subjects := stats["subjects"].(map[string]int)
	if subjects["plants"] != 2 {
		t.Errorf("subjects = %v", subjects)
	}
}
