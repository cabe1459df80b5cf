package loan

import "sync"

// transitionGuard hands out one mutex per loan identifier so a whole
// transition (status check, escrow work, ledger call, write-back) executes
// without interleaving against another transition on the same loan. Entries
// are reference counted and dropped once the last holder releases.
type transitionGuard struct {
	mu    sync.Mutex
	loans map[string]*guardEntry
}

type guardEntry struct {
	mu   sync.Mutex
	refs int
}

func newTransitionGuard() *transitionGuard {
	return &transitionGuard{loans: make(map[string]*guardEntry)}
}

func (g *transitionGuard) acquire(loanID string) func() {
	g.mu.Lock()
	entry, ok := g.loans[loanID]
	if !ok {
		entry = &guardEntry{}
		g.loans[loanID] = entry
	}
	entry.refs++
	g.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		g.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(g.loans, loanID)
		}
		g.mu.Unlock()
	}
}
