package record

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestInMemoryStore_RecordAndEntries(t *testing.T) {
	s := NewInMemoryStore()
	entries, err := s.Entries("t1", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %#v", entries)
	}

	if err := s.Record("t1", 0, Entry{Value: 1, Delay: time.Second}); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := s.Record("t1", 0, Entry{Value: 0, Delay: 3 * time.Second}); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := s.Record("t1", 2, Entry{Value: 1, Delay: 2 * time.Second}); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	got, _ := s.Entries("t1", 0)
	if len(got) != 2 || got[0].Value != 1 || got[1].Value != 0 {
		t.Fatalf("unexpected entries: %#v", got)
	}
	// copy isolation
	got[0].Value = 9
	again, _ := s.Entries("t1", 0)
	if again[0].Value != 1 {
		t.Fatalf("expected copy isolation, got %#v", again[0])
	}

	if s.Votes("t1", 0) != 2 || s.Votes("t1", 1) != 0 || s.Votes("other", 0) != 0 {
		t.Fatalf("unexpected vote counts")
	}
	if vars := s.Variables("t1"); len(vars) != 2 || vars[0] != 0 || vars[1] != 2 {
		t.Fatalf("unexpected variables: %v", vars)
	}
	if d := s.Delays(); len(d) != 3 || d[0] != time.Second || d[2] != 3*time.Second {
		t.Fatalf("unexpected delays: %v", d)
	}

	s.Clear("t1")
	if s.Votes("t1", 0) != 0 {
		t.Fatalf("expected cleared task")
	}
}

func TestInMemoryStore_RejectsInvalid(t *testing.T) {
	s := NewInMemoryStore()
	for _, tc := range []struct {
		task  string
		v     int
		entry Entry
	}{
		{"", 0, Entry{}},
		{"t", -1, Entry{}},
		{"t", 0, Entry{Value: -1}},
		{"t", 0, Entry{Delay: -time.Second}},
	} {
		if err := s.Record(tc.task, tc.v, tc.entry); !errors.Is(err, ErrInvalidEntry) {
			t.Fatalf("expected ErrInvalidEntry for %+v, got %v", tc, err)
		}
	}
}

func TestInMemoryStore_ConcurrentRecord(t *testing.T) {
	s := NewInMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Record("t", i%3, Entry{Value: i % 2})
		}(i)
	}
	wg.Wait()
	total := s.Votes("t", 0) + s.Votes("t", 1) + s.Votes("t", 2)
	if total != 50 {
		t.Fatalf("expected 50 votes, got %d", total)
	}
}
