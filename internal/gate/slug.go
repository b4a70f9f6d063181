package gate

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/SomethingGeneric/gort/internal/domain"
)

// SlugLocks serializes runs that target the same repository.
// Runs for different repositories never contend.
type SlugLocks struct {
	locks map[domain.RepositorySlug]*semaphore.Weighted
	mu    sync.Mutex
}

// NewSlugLocks creates an empty lock table
func NewSlugLocks() *SlugLocks {
	return &SlugLocks{locks: make(map[domain.RepositorySlug]*semaphore.Weighted)}
}

func (l *SlugLocks) get(slug domain.RepositorySlug) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()

	sem, ok := l.locks[slug]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.locks[slug] = sem
	}
	return sem
}

// Lock blocks until slug is free or ctx is done. The returned func releases the lock
// and is safe to call more than once.
func (l *SlugLocks) Lock(ctx context.Context, slug domain.RepositorySlug) (func(), error) {
	sem := l.get(slug)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return releaseOnce(sem), nil
}

// TryLock claims slug without blocking. ok is false if the slug is held.
func (l *SlugLocks) TryLock(slug domain.RepositorySlug) (unlock func(), ok bool) {
	sem := l.get(slug)
	if !sem.TryAcquire(1) {
		return nil, false
	}
	return releaseOnce(sem), true
}

func releaseOnce(sem *semaphore.Weighted) func() {
	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(1) })
	}
}
