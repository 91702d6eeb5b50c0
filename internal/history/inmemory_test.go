package history

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestInMemoryStoreRecentNewestFirst(t *testing.T) {
	s := NewInMemoryStore(10)
	for i := 0; i < 3; i++ {
		err := s.Save(context.Background(), Record{
			ID:         fmt.Sprintf("job-%d", i),
			AvatarID:   "demo",
			Status:     "completed",
			FinishedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	recent, err := s.Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("len = %d, want 2", len(recent))
	}
	if recent[0].ID != "job-2" || recent[1].ID != "job-1" {
		t.Fatalf("unexpected order: %s, %s", recent[0].ID, recent[1].ID)
	}
}

func TestInMemoryStoreBounded(t *testing.T) {
	s := NewInMemoryStore(4)
	for i := 0; i < 20; i++ {
		if err := s.Save(context.Background(), Record{ID: fmt.Sprintf("job-%d", i)}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}
	recent, err := s.Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 4 {
		t.Fatalf("len = %d, want 4", len(recent))
	}
	if recent[0].ID != "job-19" {
		t.Fatalf("newest = %s, want job-19", recent[0].ID)
	}
}
