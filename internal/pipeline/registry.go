package pipeline

import "sync"

// PendingBuys tracks mints whose BUY has been detected but not fully
// processed. Sell submitters consult it to avoid racing a buy that is
// still somewhere in the queue. Counted rather than a plain set so two
// quick buys of the same mint both have to finish before the flag
// clears.
type PendingBuys struct {
	mu    sync.Mutex
	count map[string]int
}

func NewPendingBuys() *PendingBuys {
	return &PendingBuys{count: make(map[string]int)}
}

func (p *PendingBuys) Add(mint string) {
	p.mu.Lock()
	p.count[mint]++
	p.mu.Unlock()
}

func (p *PendingBuys) Done(mint string) {
	p.mu.Lock()
	if p.count[mint] > 1 {
		p.count[mint]--
	} else {
		delete(p.count, mint)
	}
	p.mu.Unlock()
}

func (p *PendingBuys) Has(mint string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count[mint] > 0
}
