// Package gate provides the single-flight primitives of the run orchestrator:
// a per-run gate that admits one tool-output batch at a time, and per-repository
// locks that keep concurrent runs off the same checkout.
package gate

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrNotHeld is returned when exiting a gate with a token that does not hold it
var ErrNotHeld = errors.New("gate not held by token")

// Token proves ownership of a run's gate
type Token string

// Gate tracks which runs have a batch in flight
type Gate struct {
	held map[string]Token
	mu   sync.Mutex
}

// New creates an empty gate
func New() *Gate {
	return &Gate{held: make(map[string]Token)}
}

// TryEnter claims the gate for runID. The second return value is false when
// another batch for the same run is still in flight.
func (g *Gate) TryEnter(runID string) (Token, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.held[runID]; busy {
		return "", false
	}
	tok := Token(uuid.NewString())
	g.held[runID] = tok
	return tok, true
}

// Exit releases the gate for runID. The token must be the one returned by TryEnter.
func (g *Gate) Exit(runID string, tok Token) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cur, ok := g.held[runID]; !ok || cur != tok {
		return fmt.Errorf("exit run %s: %w", runID, ErrNotHeld)
	}
	delete(g.held, runID)
	return nil
}

// Held reports whether a batch is in flight for runID
func (g *Gate) Held(runID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[runID]
	return ok
}

// InFlight returns the number of runs currently holding the gate
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.held)
}
