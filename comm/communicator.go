// Package comm models the message-passing boundary between ranks
// described in spec §5 "Scheduling model": parallel cooperating ranks,
// one logical address space per rank, synchronized only by collectives
// and point-to-point messages, never by shared memory.
//
// The teacher repo has no cluster-messaging dependency to imitate — its
// only concurrency is intra-process goroutines reporting back over a
// channel (gotetra.go's chanInterpolate/out chan int). NewLocal
// generalizes exactly that rendezvous idiom into a full set of
// collective operations, so the rest of this module can be exercised and
// tested in one process while the Communicator interface is the seam
// where a real MPI or RPC-streaming binding would later attach (see
// DESIGN.md for why gRPC was not that binding).
package comm

import (
	"fmt"
	"sync"
)

// Communicator is the message-passing surface every component in this
// module sees. No method ever exposes another rank's memory: every
// payload crossing it is a []byte, matching spec §6's "payload is packed
// contiguous byte sequences".
type Communicator interface {
	Rank() int
	Size() int

	// Send/Recv are point-to-point, used only by the top-tree pairwise
	// merge (spec §4.3), which is not a collective.
	Send(dst, tag int, payload []byte) error
	Recv(src, tag int) ([]byte, error)

	// Broadcast, Barrier, AllReduceSum*, and Alltoallv are collectives:
	// every rank must call the same one, in the same order, or the
	// simulated world deadlocks exactly as a real MPI program would.
	Broadcast(root int, data []byte) []byte
	Barrier()
	AllReduceSumInt64(data []int64)
	AllReduceSumFloat64(data []float64)
	Alltoallv(send [][]byte) ([][]byte, error)
}

type message struct {
	src, tag int
	payload  []byte
}

type mailbox struct {
	mu   sync.Mutex
	cond *sync.Cond
	msgs []message
}

func newMailbox() *mailbox {
	mb := &mailbox{}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

// world is the shared state behind every rank NewLocal spawns. It plays
// the role a real MPI runtime plays for a cluster, except every rank
// happens to live in this one process.
type world struct {
	size      int
	mailboxes []*mailbox

	mu sync.Mutex

	barrierGen, barrierCount int
	barrierCond              *sync.Cond

	reduceIntGen, reduceIntCount int
	reduceIntCond                *sync.Cond
	reduceIntContrib             [][]int64
	reduceIntResult              []int64

	reduceFloatGen, reduceFloatCount int
	reduceFloatCond                  *sync.Cond
	reduceFloatContrib               [][]float64
	reduceFloatResult                []float64

	bcastGen, bcastCount int
	bcastCond            *sync.Cond
	bcastData            []byte

	a2aGen, a2aCount int
	a2aCond          *sync.Cond
	a2aSend          [][][]byte
	a2aResult        [][][]byte
}

func newWorld(n int) *world {
	w := &world{size: n}
	w.mailboxes = make([]*mailbox, n)
	for i := range w.mailboxes {
		w.mailboxes[i] = newMailbox()
	}
	w.barrierCond = sync.NewCond(&w.mu)
	w.reduceIntCond = sync.NewCond(&w.mu)
	w.reduceFloatCond = sync.NewCond(&w.mu)
	w.bcastCond = sync.NewCond(&w.mu)
	w.a2aCond = sync.NewCond(&w.mu)
	w.reduceIntContrib = make([][]int64, n)
	w.reduceFloatContrib = make([][]float64, n)
	w.a2aSend = make([][][]byte, n)
	return w
}

type localComm struct {
	w    *world
	rank int
}

// NewLocal spins up n in-process ranks sharing one world.
func NewLocal(n int) []Communicator {
	if n <= 0 {
		panic("comm: NewLocal requires n > 0")
	}
	w := newWorld(n)
	out := make([]Communicator, n)
	for i := 0; i < n; i++ {
		out[i] = &localComm{w: w, rank: i}
	}
	return out
}

func (c *localComm) Rank() int { return c.rank }
func (c *localComm) Size() int { return c.w.size }

func (c *localComm) Send(dst, tag int, payload []byte) error {
	if dst < 0 || dst >= c.w.size {
		return fmt.Errorf("comm: send to out-of-range rank %d", dst)
	}
	mb := c.w.mailboxes[dst]
	cp := make([]byte, len(payload))
	copy(cp, payload)

	mb.mu.Lock()
	mb.msgs = append(mb.msgs, message{src: c.rank, tag: tag, payload: cp})
	mb.cond.Broadcast()
	mb.mu.Unlock()
	return nil
}

// Recv blocks until a message tagged tag arrives from src (or from any
// rank, if src < 0).
func (c *localComm) Recv(src, tag int) ([]byte, error) {
	if c.rank < 0 || c.rank >= c.w.size {
		return nil, fmt.Errorf("comm: receiver rank %d out of range", c.rank)
	}
	mb := c.w.mailboxes[c.rank]
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for {
		for i, m := range mb.msgs {
			if (src < 0 || m.src == src) && m.tag == tag {
				mb.msgs = append(mb.msgs[:i], mb.msgs[i+1:]...)
				return m.payload, nil
			}
		}
		mb.cond.Wait()
	}
}

func (c *localComm) Barrier() {
	w := c.w
	w.mu.Lock()
	gen := w.barrierGen
	w.barrierCount++
	if w.barrierCount == w.size {
		w.barrierCount = 0
		w.barrierGen++
		w.barrierCond.Broadcast()
	} else {
		for w.barrierGen == gen {
			w.barrierCond.Wait()
		}
	}
	w.mu.Unlock()
}

func (c *localComm) AllReduceSumInt64(data []int64) {
	w := c.w
	w.mu.Lock()
	gen := w.reduceIntGen
	cp := make([]int64, len(data))
	copy(cp, data)
	w.reduceIntContrib[c.rank] = cp
	w.reduceIntCount++
	if w.reduceIntCount == w.size {
		n := len(cp)
		sum := make([]int64, n)
		for _, contrib := range w.reduceIntContrib {
			for i := 0; i < n && i < len(contrib); i++ {
				sum[i] += contrib[i]
			}
		}
		w.reduceIntResult = sum
		w.reduceIntCount = 0
		w.reduceIntGen++
		w.reduceIntCond.Broadcast()
	} else {
		for w.reduceIntGen == gen {
			w.reduceIntCond.Wait()
		}
	}
	result := w.reduceIntResult
	w.mu.Unlock()
	copy(data, result)
}

func (c *localComm) AllReduceSumFloat64(data []float64) {
	w := c.w
	w.mu.Lock()
	gen := w.reduceFloatGen
	cp := make([]float64, len(data))
	copy(cp, data)
	w.reduceFloatContrib[c.rank] = cp
	w.reduceFloatCount++
	if w.reduceFloatCount == w.size {
		n := len(cp)
		sum := make([]float64, n)
		for _, contrib := range w.reduceFloatContrib {
			for i := 0; i < n && i < len(contrib); i++ {
				sum[i] += contrib[i]
			}
		}
		w.reduceFloatResult = sum
		w.reduceFloatCount = 0
		w.reduceFloatGen++
		w.reduceFloatCond.Broadcast()
	} else {
		for w.reduceFloatGen == gen {
			w.reduceFloatCond.Wait()
		}
	}
	result := w.reduceFloatResult
	w.mu.Unlock()
	copy(data, result)
}

func (c *localComm) Broadcast(root int, data []byte) []byte {
	w := c.w
	w.mu.Lock()
	gen := w.bcastGen
	if c.rank == root {
		cp := make([]byte, len(data))
		copy(cp, data)
		w.bcastData = cp
	}
	w.bcastCount++
	if w.bcastCount == w.size {
		w.bcastCount = 0
		w.bcastGen++
		w.bcastCond.Broadcast()
	} else {
		for w.bcastGen == gen {
			w.bcastCond.Wait()
		}
	}
	result := make([]byte, len(w.bcastData))
	copy(result, w.bcastData)
	w.mu.Unlock()
	return result
}

// Alltoallv is the collective behind the three paired transfers of spec
// §4.6 step 8: send[j] is this rank's payload for rank j (nil or empty to
// send nothing); the return value's [i] is what rank i sent to this rank.
func (c *localComm) Alltoallv(send [][]byte) ([][]byte, error) {
	if len(send) != c.w.size {
		return nil, fmt.Errorf("comm: alltoallv send length %d != world size %d", len(send), c.w.size)
	}
	w := c.w
	w.mu.Lock()
	gen := w.a2aGen
	cp := make([][]byte, len(send))
	for i, b := range send {
		bc := make([]byte, len(b))
		copy(bc, b)
		cp[i] = bc
	}
	w.a2aSend[c.rank] = cp
	w.a2aCount++
	if w.a2aCount == w.size {
		// Transpose into a dedicated result snapshot while every rank's
		// contribution is still in place, the same way AllReduceSum* and
		// Broadcast stash a result before resetting their own counters.
		// Reading straight out of w.a2aSend after this point (as a prior
		// version did) let a fast rank overwrite its own slot for the next
		// round before a slower rank had read this round's payload out of
		// it; the snapshot is never mutated once built, so later rounds
		// cannot race with a round still being drained.
		result := make([][][]byte, w.size)
		for dst := 0; dst < w.size; dst++ {
			result[dst] = make([][]byte, w.size)
			for src := 0; src < w.size; src++ {
				result[dst][src] = w.a2aSend[src][dst]
			}
		}
		w.a2aResult = result
		w.a2aCount = 0
		w.a2aGen++
		w.a2aCond.Broadcast()
	} else {
		for w.a2aGen == gen {
			w.a2aCond.Wait()
		}
	}
	recv := w.a2aResult[c.rank]
	w.mu.Unlock()
	return recv, nil
}
