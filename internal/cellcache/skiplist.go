package cellcache

import (
	"math/rand"
	"sync/atomic"
)

const (
	// defaultMaxHeight is the maximum height a skip list node can reach.
	defaultMaxHeight = 12
	// defaultBranchingFactor: on average 1/branchingFactor nodes are
	// promoted to the next level.
	defaultBranchingFactor = 4
)

// entryComparator compares two encoded skiplist entries (as produced by
// encodeEntry), ordering by cellkey.Compare on the embedded key.
type entryComparator func(a, b []byte) int

type skipNode struct {
	entry []byte
	next  []*atomic.Pointer[skipNode]
}

func newSkipNode(entry []byte, height int) *skipNode {
	n := &skipNode{entry: entry, next: make([]*atomic.Pointer[skipNode], height)}
	for i := range n.next {
		n.next[i] = &atomic.Pointer[skipNode]{}
	}
	return n
}

func (n *skipNode) getNext(level int) *skipNode { return n.next[level].Load() }

func (n *skipNode) setNext(level int, node *skipNode) { n.next[level].Store(node) }

// skipList is a lock-free-for-reads skip list of CellCache entries. Writes
// require external synchronization, provided by CellCache's mutex.
//
// Grounded on internal/memtable/skiplist.go, generalized from a raw
// byte comparator to one that decodes the cellkey.Key trailer.
type skipList struct {
	head      *skipNode
	maxHeight int32
	compare   entryComparator
	rng       *rand.Rand

	kMaxHeight  int
	kBranching  int
	kScaledInvB uint32

	count int64
}

func newSkipList(cmp entryComparator) *skipList {
	return &skipList{
		head:        newSkipNode(nil, defaultMaxHeight),
		maxHeight:   1,
		compare:     cmp,
		rng:         rand.New(rand.NewSource(0xDEADBEEF)),
		kMaxHeight:  defaultMaxHeight,
		kBranching:  defaultBranchingFactor,
		kScaledInvB: uint32(0xFFFFFFFF) / uint32(defaultBranchingFactor),
	}
}

// insert adds entry to the list. REQUIRES external synchronization and that
// no equal entry is already present (CellCache entries are unique because
// they embed a monotonic revision).
func (sl *skipList) insert(entry []byte) {
	prev := make([]*skipNode, sl.kMaxHeight)
	x := sl.findGreaterOrEqual(entry, prev)
	if x != nil && sl.compare(entry, x.entry) == 0 {
		return
	}

	height := sl.randomHeight()
	maxH := int(atomic.LoadInt32(&sl.maxHeight))
	if height > maxH {
		for i := maxH; i < height; i++ {
			prev[i] = sl.head
		}
		atomic.StoreInt32(&sl.maxHeight, int32(height))
	}

	node := newSkipNode(entry, height)
	for i := 0; i < height; i++ {
		node.setNext(i, prev[i].getNext(i))
		prev[i].setNext(i, node)
	}
	atomic.AddInt64(&sl.count, 1)
}

func (sl *skipList) entryCount() int64 { return atomic.LoadInt64(&sl.count) }

func (sl *skipList) findGreaterOrEqual(entry []byte, prev []*skipNode) *skipNode {
	x := sl.head
	level := int(atomic.LoadInt32(&sl.maxHeight)) - 1
	for {
		next := x.getNext(level)
		if next != nil && sl.compare(entry, next.entry) > 0 {
			x = next
		} else {
			if prev != nil {
				prev[level] = x
			}
			if level == 0 {
				return next
			}
			level--
		}
	}
}

func (sl *skipList) randomHeight() int {
	h := 1
	for h < sl.kMaxHeight {
		if sl.rng.Uint32() < sl.kScaledInvB {
			h++
		} else {
			break
		}
	}
	return h
}

// iterator walks the list from its head. Not safe for concurrent use
// alongside insert; CellCache serializes inserts under its mutex, but it
// also hands out iterators over a live (unfrozen) cache, and those may
// race with a concurrent insert.
type iterator struct {
	list *skipList
	node *skipNode
}

func (sl *skipList) newIterator() *iterator { return &iterator{list: sl} }

func (it *iterator) valid() bool { return it.node != nil }

func (it *iterator) entry() []byte { return it.node.entry }

func (it *iterator) seekToFirst() { it.node = it.list.head.getNext(0) }

func (it *iterator) next() { it.node = it.node.getNext(0) }
