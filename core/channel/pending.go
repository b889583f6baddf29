package channel

import "sync"

// pendingTable maps correlation ids of in-flight requests to their response
// slots. Responses resolve by id, never by arrival order. Dropping the
// table, which happens on every disconnect, closes all slots so waiters
// fail fast instead of running out their deadlines.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]chan Message
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]chan Message)}
}

// add registers a response slot for the id.
func (p *pendingTable) add(id string) <-chan Message {
	ch := make(chan Message, 1)
	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()
	return ch
}

// remove discards the slot for the id, if still present.
func (p *pendingTable) remove(id string) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// resolve delivers msg to the waiter registered under its id. It reports
// whether a waiter was found; an unmatched id is not an error, the message
// simply is not a response to anything pending.
func (p *pendingTable) resolve(id string, msg Message) bool {
	p.mu.Lock()
	ch, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	ch <- msg
	return true
}

// drop fails every pending request by closing its slot.
func (p *pendingTable) drop() {
	p.mu.Lock()
	for id, ch := range p.waiters {
		close(ch)
		delete(p.waiters, id)
	}
	p.mu.Unlock()
}
