// Package credential finds an OpenAI key supplied by the hosting environment.
// A pre-supplied key is treated exactly like one the user typed in.
package credential

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrNotFound means no source had a key. Callers fall back to asking the user.
var ErrNotFound = errors.New("credential: no pre-supplied credential")

// Source is one place a key may come from.
type Source interface {
	Name() string
	Lookup(ctx context.Context) (string, error)
}

// Static is a key known at startup (config file, flag or environment).
type Static struct {
	Label string
	Key   string
}

func (s Static) Name() string { return s.Label }

func (s Static) Lookup(context.Context) (string, error) {
	return strings.TrimSpace(s.Key), nil
}

// Resolver tries its sources in order and caches the first result.
type Resolver struct {
	sources []Source

	once   sync.Once
	key    string
	origin string
	err    error
}

// NewResolver ignores nil sources.
func NewResolver(sources ...Source) *Resolver {
	r := &Resolver{}
	for _, s := range sources {
		if s != nil {
			r.sources = append(r.sources, s)
		}
	}
	return r
}

// Resolve returns the first non-empty key and the name of its source. A
// source error stops the search; the user can still enter a key by hand.
func (r *Resolver) Resolve(ctx context.Context) (key, origin string, err error) {
	r.once.Do(func() {
		r.key, r.origin, r.err = r.lookup(ctx)
	})
	return r.key, r.origin, r.err
}

func (r *Resolver) lookup(ctx context.Context) (string, string, error) {
	for _, s := range r.sources {
		key, err := s.Lookup(ctx)
		if err != nil {
			return "", s.Name(), err
		}
		if key != "" {
			return key, s.Name(), nil
		}
	}
	return "", "", ErrNotFound
}
