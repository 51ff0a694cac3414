package tokens

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Tokenizer returns the length of text in a model's native unit.
type Tokenizer interface {
	Count(text string) int
}

type Func func(text string) int

func (f Func) Count(text string) int { return f(text) }

// charsPerToken approximates English text for budgeting when no model
// tokenizer is registered.
const charsPerToken = 4

// Heuristic counts one token per four bytes, rounded up.
var Heuristic Tokenizer = Func(func(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + charsPerToken - 1) / charsPerToken
})

// Memo caches counts by content. It is safe for concurrent use and may be
// shared by every call that targets the same tokenizer.
type Memo struct {
	inner Tokenizer
	max   int

	mu    sync.RWMutex
	cache map[string]int
}

func NewMemo(inner Tokenizer, maxEntries int) *Memo {
	if maxEntries <= 0 {
		maxEntries = 8192
	}
	return &Memo{inner: inner, max: maxEntries, cache: map[string]int{}}
}

func (m *Memo) Count(text string) int {
	if text == "" {
		return 0
	}
	m.mu.RLock()
	n, ok := m.cache[text]
	m.mu.RUnlock()
	if ok {
		return n
	}

	n = m.inner.Count(text)

	m.mu.Lock()
	if len(m.cache) >= m.max {
		// Reset instead of tracking recency; entries are cheap to recompute.
		m.cache = make(map[string]int, m.max/2)
	}
	m.cache[text] = n
	m.mu.Unlock()
	return n
}

func (m *Memo) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

// Factory builds the tokenizer for a model family.
type Factory func() (Tokenizer, error)

// Loader lazily builds one memoized tokenizer per family. Concurrent first
// use of a family shares a single Factory invocation.
type Loader struct {
	group singleflight.Group

	mu        sync.RWMutex
	factories map[string]Factory
	loaded    map[string]*Memo
}

func NewLoader() *Loader {
	return &Loader{factories: map[string]Factory{}, loaded: map[string]*Memo{}}
}

// Define registers the factory for family, replacing any loaded instance.
func (l *Loader) Define(family string, f Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[family] = f
	delete(l.loaded, family)
}

// Load returns the tokenizer for family. Unknown families, and factories
// that fail, fall back to the shared heuristic tokenizer.
func (l *Loader) Load(family string) Tokenizer {
	l.mu.RLock()
	m, ok := l.loaded[family]
	f := l.factories[family]
	l.mu.RUnlock()
	if ok {
		return m
	}
	if f == nil {
		return l.fallback()
	}

	v, err, _ := l.group.Do(family, func() (any, error) {
		l.mu.RLock()
		m, ok := l.loaded[family]
		l.mu.RUnlock()
		if ok {
			return m, nil
		}
		tk, err := f()
		if err != nil {
			return nil, err
		}
		m = NewMemo(tk, 0)
		l.mu.Lock()
		l.loaded[family] = m
		l.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return l.fallback()
	}
	return v.(*Memo)
}

const heuristicFamily = "\x00heuristic"

func (l *Loader) fallback() Tokenizer {
	l.mu.RLock()
	m, ok := l.loaded[heuristicFamily]
	l.mu.RUnlock()
	if ok {
		return m
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.loaded[heuristicFamily]; ok {
		return m
	}
	m = NewMemo(Heuristic, 0)
	l.loaded[heuristicFamily] = m
	return m
}

// Teardown drops every loaded tokenizer and its memo. Factories stay
// defined and are re-run on next use.
func (l *Loader) Teardown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loaded = map[string]*Memo{}
}

var shared = NewLoader()

// Shared is the process-wide loader.
func Shared() *Loader { return shared }
