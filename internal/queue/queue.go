package queue

import (
	"github.com/RoanBrand/gomqttc/internal/model"
)

// DescriptorSize is the number of arena bytes accounted for each queued message descriptor.
const DescriptorSize = 12

// State of a queued outbound message.
type State uint8

const (
	Unsent State = iota
	AwaitingAck
	Complete
)

func (s State) String() string {
	switch s {
	case Unsent:
		return "unsent"
	case AwaitingAck:
		return "awaiting ack"
	case Complete:
		return "complete"
	}
	return "invalid"
}

// Message describes one encoded packet held in the queue's arena.
type Message struct {
	Sent        uint32 // time of last send
	PacketID    uint16
	ControlType model.ControlType
	State       State

	start, size int
}

// Start is the arena offset of the message's first byte.
func (m *Message) Start() int { return m.start }

func (m *Message) Size() int { return m.size }

// Queue holds encoded outbound packets and their descriptors in one fixed arena.
// Packet bytes grow up from the start, descriptors are accounted for down from the end.
// Nothing is allocated after New.
type Queue struct {
	buf  []byte
	curr int       // data front
	msgs []Message // oldest first
}

func New(buf []byte) (*Queue, error) {
	if len(buf) == 0 {
		return nil, model.ErrNullArgument
	}

	return &Queue{
		buf:  buf,
		msgs: make([]Message, 0, len(buf)/DescriptorSize),
	}, nil
}

// Cap is the arena size.
func (q *Queue) Cap() int { return len(q.buf) }

// DataFront is the offset one past the last queued packet byte.
func (q *Queue) DataFront() int { return q.curr }

// DescriptorFront is the lowest arena offset used by descriptors.
func (q *Queue) DescriptorFront() int { return len(q.buf) - len(q.msgs)*DescriptorSize }

// Free is the number of packet bytes that can still be registered,
// leaving room for the descriptor of that packet.
func (q *Queue) Free() int {
	if f := q.DescriptorFront() - DescriptorSize - q.curr; f > 0 {
		return f
	}
	return 0
}

// Tail is the writable region at the data front. Pack into it, then Register.
func (q *Queue) Tail() []byte {
	return q.buf[q.curr : q.curr+q.Free()]
}

// Register claims the n bytes most recently packed into Tail as a new Unsent message.
func (q *Queue) Register(n int) *Message {
	if n <= 0 || n > q.Free() {
		panic("queue: register outside free space")
	}

	q.msgs = append(q.msgs, Message{start: q.curr, size: n, State: Unsent})
	q.curr += n
	return &q.msgs[len(q.msgs)-1]
}

func (q *Queue) Len() int { return len(q.msgs) }

// At returns the i'th message, oldest first. Valid until the next Compact.
func (q *Queue) At(i int) *Message { return &q.msgs[i] }

// Bytes returns the encoded packet of m.
func (q *Queue) Bytes(m *Message) []byte {
	return q.buf[m.start : m.start+m.size]
}

// Find searches from newest to oldest for a message of type ct.
// With a packet id, the first message of that type carrying the id matches.
// Without one, the first message of that type that is not yet complete matches.
func (q *Queue) Find(ct model.ControlType, packetID *uint16) *Message {
	for i := len(q.msgs) - 1; i >= 0; i-- {
		m := &q.msgs[i]
		if m.ControlType != ct {
			continue
		}
		if (packetID == nil && m.State != Complete) || (packetID != nil && *packetID == m.PacketID) {
			return m
		}
	}
	return nil
}

// Contains reports whether any queued message carries packetID.
func (q *Queue) Contains(packetID uint16) bool {
	for i := range q.msgs {
		if q.msgs[i].PacketID == packetID {
			return true
		}
	}
	return false
}

// Compact reclaims the space of the leading run of complete messages and
// reports how many packet bytes were freed. Messages after the first
// incomplete one are kept even if complete.
func (q *Queue) Compact() int {
	head := 0
	for head < len(q.msgs) && q.msgs[head].State == Complete {
		head++
	}

	switch head {
	case 0:
		return 0
	case len(q.msgs):
		freed := q.curr
		q.curr, q.msgs = 0, q.msgs[:0]
		return freed
	}

	removing := q.msgs[head].start
	q.curr = copy(q.buf, q.buf[removing:q.curr])

	n := copy(q.msgs, q.msgs[head:])
	q.msgs = q.msgs[:n]
	for i := range q.msgs {
		q.msgs[i].start -= removing
	}

	return removing
}
