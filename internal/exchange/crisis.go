package exchange

import (
	"sync"

	"parley/internal/domain"
	"parley/internal/proxy"
)

// Crisis kinds.
const (
	CrisisJoin   = "join"
	CrisisLeave  = "leave"
	CrisisCancel = "cancel"
)

// Crisis is an urgent external event aimed at a running exchange: a new
// participant arriving, one being pulled out, or an external cancellation.
// Crises never interrupt a beat in flight; they apply at the next beat
// boundary.
type Crisis struct {
	Kind        string
	Participant domain.Participant
	Proxy       *proxy.Bounded
	Reason      string
}

// Intake queues crises for one exchange. Push is safe from any goroutine
// and never blocks; the machine drains the queue between beats.
type Intake struct {
	mu      sync.Mutex
	pending []Crisis
}

func (q *Intake) Push(c Crisis) {
	q.mu.Lock()
	q.pending = append(q.pending, c)
	q.mu.Unlock()
}

// Drain returns all queued crises in arrival order and empties the queue.
func (q *Intake) Drain() []Crisis {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

func (q *Intake) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
