package replica

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// ListOpType defines the type of a list operation.
type ListOpType string

const (
	ListOpInsert ListOpType = "ins"
	ListOpDelete ListOpType = "del"
	ListOpSet    ListOpType = "set"
)

// ListOp is a single positional edit on the node list.
type ListOp struct {
	Type ListOpType      `json:"type"`
	Pos  int             `json:"pos"`
	Node json.RawMessage `json:"node,omitempty"` // Only used for ins and set.
}

// operation is the inbound payload accepted by ApplyOperation.
type operation struct {
	Ops    []ListOp        `json:"ops"`
	Cursor json.RawMessage `json:"cursor,omitempty"`
}

// delta is the outbound payload emitted to peers.
type delta struct {
	Version uint64                     `json:"version"`
	Ops     []ListOp                   `json:"ops"`
	Cursors map[string]json.RawMessage `json:"cursors,omitempty"`
}

// snapshot is the serialized state returned by Snapshot.
type snapshot struct {
	Version  uint64                     `json:"version"`
	Children []json.RawMessage          `json:"children"`
	Cursors  map[string]json.RawMessage `json:"cursors"`
}

// change is one entry of the outbound log.
type change struct {
	seq    uint64
	author string
	delta  delta
}

type peer struct {
	send SendFunc
	sent uint64 // seq of the last change this peer has seen
}

// List is the reference replica: an ordered list of JSON nodes with a
// cursor map, synchronized to peers through per-peer watermarks.
type List struct {
	documentID string
	children   []json.RawMessage
	cursors    map[string]json.RawMessage
	version    uint64
	log        []change
	peers      map[string]*peer
}

var _ Replica = (*List)(nil)

// NewList creates a List from a JSON array of nodes. Empty input yields an
// empty document. NewList satisfies Factory.
func NewList(documentID string, initial json.RawMessage) (Replica, error) {
	l := &List{
		documentID: documentID,
		cursors:    make(map[string]json.RawMessage),
		peers:      make(map[string]*peer),
	}

	trimmed := bytes.TrimSpace(initial)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		l.children = []json.RawMessage{}
		return l, nil
	}
	if err := json.Unmarshal(trimmed, &l.children); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	if l.children == nil {
		l.children = []json.RawMessage{}
	}
	return l, nil
}

// CreatePeer implements Replica.
func (l *List) CreatePeer(peerID string, send SendFunc) error {
	if _, ok := l.peers[peerID]; ok {
		return ErrDuplicatePeer
	}
	l.peers[peerID] = &peer{send: send, sent: l.version}
	return nil
}

// ClosePeer implements Replica.
func (l *List) ClosePeer(peerID string) {
	delete(l.peers, peerID)
	l.compact()
}

// ApplyOperation implements Replica.
func (l *List) ApplyOperation(peerID string, raw json.RawMessage) error {
	if _, ok := l.peers[peerID]; !ok {
		return ErrUnknownPeer
	}

	var op operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOp, err)
	}

	next, err := applyOps(l.children, op.Ops)
	if err != nil {
		return err
	}

	d := delta{Ops: op.Ops}
	if d.Ops == nil {
		d.Ops = []ListOp{}
	}
	if op.Cursor != nil {
		if bytes.Equal(bytes.TrimSpace(op.Cursor), []byte("null")) {
			delete(l.cursors, peerID)
			d.Cursors = map[string]json.RawMessage{peerID: json.RawMessage("null")}
		} else {
			l.cursors[peerID] = op.Cursor
			d.Cursors = map[string]json.RawMessage{peerID: op.Cursor}
		}
	}
	if len(d.Ops) == 0 && d.Cursors == nil {
		return nil
	}

	l.children = next
	l.record(peerID, d)
	return nil
}

// RemoveCursor implements Replica.
func (l *List) RemoveCursor(peerID string) error {
	if _, ok := l.cursors[peerID]; !ok {
		return nil
	}
	delete(l.cursors, peerID)
	l.record("", delta{
		Ops:     []ListOp{},
		Cursors: map[string]json.RawMessage{peerID: json.RawMessage("null")},
	})
	return nil
}

// Cursors implements Replica. The result is sorted.
func (l *List) Cursors() []string {
	ids := make([]string, 0, len(l.cursors))
	for id := range l.cursors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot implements Replica.
func (l *List) Snapshot() ([]byte, error) {
	return json.Marshal(snapshot{
		Version:  l.version,
		Children: l.children,
		Cursors:  l.cursors,
	})
}

// Content implements Replica.
func (l *List) Content() ([]byte, error) {
	return json.Marshal(l.children)
}

// record appends a change and flushes it to every peer that has not seen it.
func (l *List) record(author string, d delta) {
	l.version++
	d.Version = l.version
	l.log = append(l.log, change{seq: l.version, author: author, delta: d})

	for id, p := range l.peers {
		l.flush(id, p)
	}
	l.compact()
}

// flush sends a peer every logged change past its watermark, skipping the
// peer's own changes.
func (l *List) flush(id string, p *peer) {
	for _, c := range l.log {
		if c.seq <= p.sent {
			continue
		}
		p.sent = c.seq
		if c.author == id {
			continue
		}
		payload, err := json.Marshal(c.delta)
		if err != nil {
			continue
		}
		p.send(c.author, payload)
	}
}

// compact drops log entries every peer has already seen.
func (l *List) compact() {
	low := l.version
	for _, p := range l.peers {
		if p.sent < low {
			low = p.sent
		}
	}
	i := 0
	for i < len(l.log) && l.log[i].seq <= low {
		i++
	}
	if i > 0 {
		l.log = append(l.log[:0], l.log[i:]...)
	}
}

// applyOps validates and applies ops to a copy of children.
func applyOps(children []json.RawMessage, ops []ListOp) ([]json.RawMessage, error) {
	next := make([]json.RawMessage, len(children), len(children)+len(ops))
	copy(next, children)

	for i, op := range ops {
		switch op.Type {
		case ListOpInsert:
			if op.Pos < 0 || op.Pos > len(next) {
				return nil, fmt.Errorf("%w: op %d ins at %d, length %d", ErrPositionInvalid, i, op.Pos, len(next))
			}
			if len(op.Node) == 0 {
				return nil, fmt.Errorf("%w: op %d ins without node", ErrInvalidOp, i)
			}
			next = append(next, nil)
			copy(next[op.Pos+1:], next[op.Pos:])
			next[op.Pos] = op.Node
		case ListOpDelete:
			if op.Pos < 0 || op.Pos >= len(next) {
				return nil, fmt.Errorf("%w: op %d del at %d, length %d", ErrPositionInvalid, i, op.Pos, len(next))
			}
			next = append(next[:op.Pos], next[op.Pos+1:]...)
		case ListOpSet:
			if op.Pos < 0 || op.Pos >= len(next) {
				return nil, fmt.Errorf("%w: op %d set at %d, length %d", ErrPositionInvalid, i, op.Pos, len(next))
			}
			if len(op.Node) == 0 {
				return nil, fmt.Errorf("%w: op %d set without node", ErrInvalidOp, i)
			}
			next[op.Pos] = op.Node
		default:
			return nil, fmt.Errorf("%w: op %d has unknown type %q", ErrInvalidOp, i, op.Type)
		}
	}
	return next, nil
}
