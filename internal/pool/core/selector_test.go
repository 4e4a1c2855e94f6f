package core

import (
	"testing"
	"time"
)

func testWorkers(n int) []*Worker {
	ws := make([]*Worker, n)
	for i := range n {
		ws[i] = &Worker{ID: string(rune('a' + i)), Index: i, State: LoadStateIdle}
	}
	return ws
}

func TestSelectorByName(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"", SelectFirstIdle, false},
		{SelectFirstIdle, SelectFirstIdle, false},
		{SelectLRU, SelectLRU, false},
		{SelectRoundRobin, SelectRoundRobin, false},
		{"random", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := SelectorByName(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SelectorByName(%q) error = %v", tt.name, err)
			}
			if err == nil && s.Name() != tt.want {
				t.Errorf("got %s, want %s", s.Name(), tt.want)
			}
		})
	}
}

func TestFirstIdle(t *testing.T) {
	ws := testWorkers(3)
	if got := (FirstIdle{}).Select(ws[1:]); got != ws[1] {
		t.Errorf("expected worker b, got %s", got.ID)
	}
}

func TestLeastRecentlyUsed(t *testing.T) {
	now := time.Now()
	ws := testWorkers(3)
	ws[0].LastDispatchAt = now
	ws[1].LastDispatchAt = now.Add(-time.Minute)
	ws[2].LastDispatchAt = now.Add(-time.Second)

	if got := (LeastRecentlyUsed{}).Select(ws); got != ws[1] {
		t.Errorf("expected worker b, got %s", got.ID)
	}

	// never dispatched workers win, earliest registration first
	fresh := testWorkers(2)
	fresh[0].LastDispatchAt = now
	if got := (LeastRecentlyUsed{}).Select(fresh); got != fresh[1] {
		t.Errorf("expected never-used worker, got %s", got.ID)
	}
}

func TestRoundRobin(t *testing.T) {
	ws := testWorkers(3)
	rr := &RoundRobin{}

	var got []string
	for range 5 {
		got = append(got, rr.Select(ws).ID)
	}
	want := []string{"a", "b", "c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("round robin order %v, want %v", got, want)
		}
	}
}

func TestRoundRobin_SkipsBusyWorkers(t *testing.T) {
	ws := testWorkers(4)
	rr := &RoundRobin{}

	if got := rr.Select(ws); got.ID != "a" {
		t.Fatalf("expected a, got %s", got.ID)
	}
	// b is busy and therefore not offered
	idle := []*Worker{ws[0], ws[2], ws[3]}
	if got := rr.Select(idle); got.ID != "c" {
		t.Errorf("expected c, got %s", got.ID)
	}
	if got := rr.Select([]*Worker{ws[0], ws[1]}); got.ID != "a" {
		t.Errorf("expected wrap-around to a, got %s", got.ID)
	}
}
