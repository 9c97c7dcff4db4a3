package util

func mod(a int, b int) int {
	return ((a % b) + b) % b
}

// fixed-size ring-buffer queue
type Queue[T any] struct {
	data	[]T
	head	int // next slot to write to
	cnt 	int
}

func CreateQueue[T any](size int) Queue[T] {
	return Queue[T] {
		head: 	0,
		cnt: 	0,
		data: 	make([]T, size),
	}
}

func (q *Queue[T]) Cnt() int {
	return q.cnt
}

func (q *Queue[T]) Cap() int {
	return len(q.data)
}

// will panic if out of space.
func (q *Queue[T]) Push(val T) {
	if q.cnt == len(q.data) { panic("queue overflow") }
	q.data[q.head] = val
	q.head = mod((q.head + 1), len(q.data))
	q.cnt++
}

func (q *Queue[T]) Pop() T {
	if q.cnt == 0 { panic("queue underflow") }
	i := mod((q.head - q.cnt), len(q.data))
	q.cnt--
	return q.data[i]
}


// TicketQueue combines a fixed contiguous array and a queue of numbered "tickets" which
// correspond to slots in the contiguous array. In other words, a shared pool of slots
// handed out as checked handles.
//
// A ticket is (generation << 32 | slot). Releasing a slot bumps its generation, so a
// stale ticket for a recycled slot is rejected instead of resolving to the wrong value.
// Not safe for concurrent use, the owner provides the lock.
type TicketQueue[T any] struct {
	queue		Queue[int]
	data		[]T
	gens		[]uint32
	live		[]bool
}

func CreateTicketQueue[T any](size int) TicketQueue[T] {
	queue := CreateQueue[int](size)
	for i := range size {
		queue.Push(i)
	}

	return TicketQueue[T]{
		queue: 	queue,
		data: 	make([]T, size),
		gens: 	make([]uint32, size),
		live: 	make([]bool, size),
	}
}

// number of tickets that can still be handed out
func (tq *TicketQueue[T]) Free() int {
	return tq.queue.Cnt()
}

// number of tickets currently held
func (tq *TicketQueue[T]) Held() int {
	return tq.queue.Cap() - tq.queue.Cnt()
}

// This acquires a ticket and sets the slot to the passed value. ok is false if
// every slot is taken.
func (tq *TicketQueue[T]) TryAcq(val T) (ticket uint64, ok bool) {
	if tq.queue.Cnt() == 0 { return 0, false }
	slot := tq.queue.Pop()
	tq.data[slot] = val
	tq.live[slot] = true
	return uint64(tq.gens[slot]) << 32 | uint64(slot), true
}

func (tq *TicketQueue[T]) slot(ticket uint64) (int, bool) {
	slot := int(ticket & 0xffff_ffff)
	if slot >= len(tq.data) { return 0, false }
	if !tq.live[slot] || tq.gens[slot] != uint32(ticket >> 32) { return 0, false }
	return slot, true
}

func (tq *TicketQueue[T]) Get(ticket uint64) (T, bool) {
	slot, ok := tq.slot(ticket)
	if !ok {
		var zero T
		return zero, false
	}
	return tq.data[slot], true
}

// Rel returns the slot's value and gives the slot back to the pool.
func (tq *TicketQueue[T]) Rel(ticket uint64) (T, bool) {
	var zero T
	slot, ok := tq.slot(ticket)
	if !ok { return zero, false }

	val := tq.data[slot]
	tq.data[slot] = zero
	tq.live[slot] = false
	tq.gens[slot]++
	tq.queue.Push(slot)
	return val, true
}


// Linker is implemented by anything that can sit in a List. Embedding Entry[E] in a
// struct and using a pointer to it as E is the usual way.
type Linker[E any] interface {
	comparable
	Next() E
	Prev() E
	SetNext(E)
	SetPrev(E)
}

// List is an intrusive doubly linked list. Elements carry their own links so adding,
// removing and splicing whole lists are all O(1) and allocation free.
//
// The zero value is an empty list. An element may be in at most one list at a time.
type List[E Linker[E]] struct {
	head	E
	tail	E
}

func (l *List[E]) Reset() {
	var zero E
	l.head = zero
	l.tail = zero
}

func (l *List[E]) Empty() bool {
	var zero E
	return l.head == zero
}

func (l *List[E]) Front() E {
	return l.head
}

func (l *List[E]) Back() E {
	return l.tail
}

// NOTE: O(n)
func (l *List[E]) Len() (count int) {
	var zero E
	for e := l.head; e != zero; e = e.Next() {
		count++
	}
	return count
}

func (l *List[E]) PushBack(e E) {
	var zero E
	e.SetNext(zero)
	e.SetPrev(l.tail)
	if l.tail != zero {
		l.tail.SetNext(e)
	} else {
		l.head = e
	}
	l.tail = e
}

// PushFrontList moves all of m to the front of l, keeping m's order. m is left empty.
func (l *List[E]) PushFrontList(m *List[E]) {
	var zero E
	if m.head == zero { return }

	if l.head == zero {
		l.tail = m.tail
	} else {
		m.tail.SetNext(l.head)
		l.head.SetPrev(m.tail)
	}
	l.head = m.head
	m.Reset()
}

func (l *List[E]) Remove(e E) {
	var zero E
	prev := e.Prev()
	next := e.Next()

	if prev != zero {
		prev.SetNext(next)
	} else if l.head == e {
		l.head = next
	}

	if next != zero {
		next.SetPrev(prev)
	} else if l.tail == e {
		l.tail = prev
	}

	e.SetNext(zero)
	e.SetPrev(zero)
}

// Entry is the default Linker. Embed it and the embedding pointer type satisfies Linker.
type Entry[E any] struct {
	next	E
	prev	E
}

func (e *Entry[E]) Next() E 		{ return e.next }
func (e *Entry[E]) Prev() E 		{ return e.prev }
func (e *Entry[E]) SetNext(n E) 	{ e.next = n }
func (e *Entry[E]) SetPrev(p E) 	{ e.prev = p }
