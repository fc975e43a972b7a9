// Package medial tracks the values that flow between transforms.
//
// A Medial is an opaque identity (the host-path string backing the value)
// shared by the transform that produces it and every transform that
// consumes it. It binds to its producer/consumer through the InputHasher
// interface rather than a concrete *transform.Transform type, so this
// package never imports pkg/transform — pkg/transform depends on pkg/medial,
// not the reverse, avoiding the cyclic producer/consumer references the
// source carries between Medial and Transform objects directly.
package medial

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cuemby/kiln/pkg/hash"
)

// ErrAlreadyBound is returned by BindProducer/BindConsumer when a medial
// already has a producer or has already recorded that consumer.
var ErrAlreadyBound = errors.New("medial: already bound")

// InputHasher is satisfied by a transform: anything that can report the
// input hash summarizing everything its outputs depend on.
type InputHasher interface {
	InputHash(ctx context.Context) (string, error)
}

// Medial represents a single value passed between transforms. At most one
// transform produces it; any number may consume it.
type Medial struct {
	// Val is the medial's identity, typically a host filesystem path.
	Val string

	mu        sync.Mutex
	producer  InputHasher
	hasProd   bool
	consumers []InputHasher

	cachedInputHash *string
}

// New constructs a Medial for the given identity value.
func New(val string) *Medial {
	return &Medial{Val: val}
}

// BindProducer records the single transform that produces this medial.
// Binding a second producer is an error.
func (m *Medial) BindProducer(producer InputHasher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasProd {
		return fmt.Errorf("%w: producer already set for medial %q", ErrAlreadyBound, m.Val)
	}
	m.producer = producer
	m.hasProd = true
	return nil
}

// BindConsumer records a transform that consumes this medial. Consumers are
// kept for analysis only; they are not required for correctness and may be
// bound any number of times as long as each distinct consumer is bound once.
func (m *Medial) BindConsumer(consumer InputHasher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.consumers {
		if c == consumer {
			return fmt.Errorf("%w: consumer already bound to medial %q", ErrAlreadyBound, m.Val)
		}
	}
	m.consumers = append(m.consumers, consumer)
	return nil
}

// HasProducer reports whether a producing transform has been bound.
func (m *Medial) HasProducer() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasProd
}

// InputHash returns the producing transform's input hash if this medial is
// produced, or the content hash of the referenced filesystem object
// otherwise. The result is memoized after first computation.
func (m *Medial) InputHash(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.cachedInputHash != nil {
		digest := *m.cachedInputHash
		m.mu.Unlock()
		return digest, nil
	}
	producer := m.producer
	hasProd := m.hasProd
	m.mu.Unlock()

	var digest string
	var err error
	if hasProd {
		digest, err = producer.InputHash(ctx)
	} else {
		digest, err = hash.HashContent(m.Val)
	}
	if err != nil {
		return "", fmt.Errorf("medial %q: %w", m.Val, err)
	}

	m.mu.Lock()
	m.cachedInputHash = &digest
	m.mu.Unlock()
	return digest, nil
}

// Exists reports whether the medial's backing filesystem object is present
// ahead of a workflow run.
func (m *Medial) Exists() bool {
	if _, err := os.Lstat(m.Val); err == nil {
		return true
	}
	return false
}

func (m *Medial) String() string {
	return fmt.Sprintf("<Medial val=%q>", m.Val)
}

// Registry hands out a single shared *Medial per distinct value so that a
// path referenced by both a producing and a consuming transform resolves to
// the same identity. A workflow owns one Registry for the lifetime of a run.
type Registry struct {
	mu    sync.Mutex
	byVal map[string]*Medial
}

// NewRegistry constructs an empty medial registry.
func NewRegistry() *Registry {
	return &Registry{byVal: make(map[string]*Medial)}
}

// Get returns the canonical Medial for val, creating it on first reference.
func (r *Registry) Get(val string) *Medial {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.byVal[val]; ok {
		return m
	}
	m := New(val)
	r.byVal[val] = m
	return m
}

// All returns every medial currently registered, in no particular order.
func (r *Registry) All() []*Medial {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Medial, 0, len(r.byVal))
	for _, m := range r.byVal {
		out = append(out, m)
	}
	return out
}
