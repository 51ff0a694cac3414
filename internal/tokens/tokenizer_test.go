package tokens

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestHeuristic(t *testing.T) {
	tests := map[string]int{"": 0, "a": 1, "abcd": 1, "abcde": 2, "12345678": 2}
	for in, want := range tests {
		if got := Heuristic.Count(in); got != want {
			t.Fatalf("Heuristic(%q)=%d want %d", in, got, want)
		}
	}
}

func TestMemo_CachesByContent(t *testing.T) {
	var calls int
	m := NewMemo(Func(func(s string) int { calls++; return len(s) }), 2)
	m.Count("aa")
	m.Count("aa")
	if calls != 1 || m.Len() != 1 {
		t.Fatalf("calls=%d len=%d", calls, m.Len())
	}
	m.Count("bb")
	m.Count("cc")
	if m.Len() > 2 {
		t.Fatalf("len=%d exceeds bound", m.Len())
	}
}

func TestLoader_SingleFactoryRunUnderConcurrency(t *testing.T) {
	l := NewLoader()
	var runs atomic.Int32
	l.Define("fam", func() (Tokenizer, error) {
		runs.Add(1)
		return Func(func(s string) int { return len(s) }), nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := l.Load("fam").Count("abc"); got != 3 {
				t.Errorf("count=%d", got)
			}
		}()
	}
	wg.Wait()
	if runs.Load() != 1 {
		t.Fatalf("factory runs=%d", runs.Load())
	}

	l.Teardown()
	l.Load("fam")
	if runs.Load() != 2 {
		t.Fatalf("expected rebuild after teardown, runs=%d", runs.Load())
	}
}

func TestLoader_FallsBackToHeuristic(t *testing.T) {
	l := NewLoader()
	l.Define("broken", func() (Tokenizer, error) { return nil, errors.New("no vocab") })
	if got := l.Load("broken").Count("abcdefgh"); got != 2 {
		t.Fatalf("broken family count=%d", got)
	}
	if got := l.Load("unknown").Count("abcd"); got != 1 {
		t.Fatalf("unknown family count=%d", got)
	}
}
