package orchestrator

import (
	"sync"
	"time"
)

// pendingCapabilities holds the capability fields of an AdmitRequest between
// BeginJoin and CompleteJoin, keyed by join_id. JoinRequest in the node
// store only persists the identity half (pubkey/alg/nonce) the signature
// challenge needs; the capability fields ride along in memory since a join
// must complete within joinRequestTTL or not at all.
type pendingCapabilities struct {
	mu      sync.Mutex
	entries map[string]pendingEntry
}

type pendingEntry struct {
	req AdmitRequest
	at  time.Time
}

func newPendingCapabilities() *pendingCapabilities {
	return &pendingCapabilities{entries: make(map[string]pendingEntry)}
}

func (p *pendingCapabilities) store(joinID string, req AdmitRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[joinID] = pendingEntry{req: req, at: time.Now()}
}

func (p *pendingCapabilities) load(joinID string) (AdmitRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[joinID]
	if !ok || time.Since(e.at) > joinRequestTTL {
		return AdmitRequest{}, false
	}
	return e.req, true
}

func (p *pendingCapabilities) delete(joinID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, joinID)
}

func (p *pendingCapabilities) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.entries {
		if time.Since(e.at) > joinRequestTTL {
			delete(p.entries, k)
		}
	}
}
