package replica

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	author  string
	payload json.RawMessage
}

type recorder struct {
	msgs []sent
}

func (r *recorder) send(author string, payload json.RawMessage) {
	r.msgs = append(r.msgs, sent{author: author, payload: payload})
}

func newTestList(t *testing.T, initial string) *List {
	t.Helper()
	r, err := NewList("doc", json.RawMessage(initial))
	require.NoError(t, err)
	return r.(*List)
}

func decodeDelta(t *testing.T, raw json.RawMessage) delta {
	t.Helper()
	var d delta
	require.NoError(t, json.Unmarshal(raw, &d))
	return d
}

func TestNewList(t *testing.T) {
	l := newTestList(t, `[{"text":"A"}]`)
	content, err := l.Content()
	require.NoError(t, err)
	assert.JSONEq(t, `[{"text":"A"}]`, string(content))

	empty := newTestList(t, "")
	content, err = empty.Content()
	require.NoError(t, err)
	assert.Equal(t, "[]", string(content))

	_, err = NewList("doc", json.RawMessage(`{"not":"array"}`))
	assert.ErrorIs(t, err, ErrInvalidContent)
}

func TestSnapshot(t *testing.T) {
	l := newTestList(t, `["A"]`)
	snap, err := l.Snapshot()
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":0,"children":["A"],"cursors":{}}`, string(snap))
}

func TestApplyOperationFansOutToOtherPeers(t *testing.T) {
	l := newTestList(t, `["A"]`)
	var p1, p2 recorder
	require.NoError(t, l.CreatePeer("p1", p1.send))
	require.NoError(t, l.CreatePeer("p2", p2.send))

	err := l.ApplyOperation("p1", json.RawMessage(`{"ops":[{"type":"ins","pos":1,"node":"B"}]}`))
	require.NoError(t, err)

	assert.Empty(t, p1.msgs, "author must not receive its own change")
	require.Len(t, p2.msgs, 1)
	assert.Equal(t, "p1", p2.msgs[0].author)

	d := decodeDelta(t, p2.msgs[0].payload)
	assert.Equal(t, uint64(1), d.Version)
	require.Len(t, d.Ops, 1)
	assert.Equal(t, ListOpInsert, d.Ops[0].Type)

	content, _ := l.Content()
	assert.JSONEq(t, `["A","B"]`, string(content))
}

func TestApplyOperationEditKinds(t *testing.T) {
	l := newTestList(t, `["A","B","C"]`)
	require.NoError(t, l.CreatePeer("p", func(string, json.RawMessage) {}))

	op := `{"ops":[{"type":"del","pos":0},{"type":"set","pos":1,"node":"Z"},{"type":"ins","pos":0,"node":"X"}]}`
	require.NoError(t, l.ApplyOperation("p", json.RawMessage(op)))

	content, _ := l.Content()
	assert.JSONEq(t, `["X","B","Z"]`, string(content))
	assert.Equal(t, uint64(1), l.version)
}

func TestApplyOperationRejectsInvalidAtomically(t *testing.T) {
	tests := []struct {
		name string
		op   string
		want error
	}{
		{"malformed", `{"ops":`, ErrInvalidOp},
		{"unknown type", `{"ops":[{"type":"move","pos":0}]}`, ErrInvalidOp},
		{"insert out of range", `{"ops":[{"type":"ins","pos":5,"node":"x"}]}`, ErrPositionInvalid},
		{"delete out of range", `{"ops":[{"type":"del","pos":1}]}`, ErrPositionInvalid},
		{"second op invalid", `{"ops":[{"type":"del","pos":0},{"type":"del","pos":0}]}`, ErrPositionInvalid},
		{"insert without node", `{"ops":[{"type":"ins","pos":0}]}`, ErrInvalidOp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestList(t, `["A"]`)
			var other recorder
			require.NoError(t, l.CreatePeer("p", func(string, json.RawMessage) {}))
			require.NoError(t, l.CreatePeer("q", other.send))

			err := l.ApplyOperation("p", json.RawMessage(tt.op))
			assert.ErrorIs(t, err, tt.want)

			content, _ := l.Content()
			assert.JSONEq(t, `["A"]`, string(content))
			assert.Empty(t, other.msgs)
			assert.Equal(t, uint64(0), l.version)
		})
	}
}

func TestApplyOperationUnknownPeer(t *testing.T) {
	l := newTestList(t, `[]`)
	err := l.ApplyOperation("ghost", json.RawMessage(`{"ops":[]}`))
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestCreatePeerDuplicate(t *testing.T) {
	l := newTestList(t, `[]`)
	require.NoError(t, l.CreatePeer("p", func(string, json.RawMessage) {}))
	assert.ErrorIs(t, l.CreatePeer("p", func(string, json.RawMessage) {}), ErrDuplicatePeer)
}

func TestLatePeerSeesOnlyNewChanges(t *testing.T) {
	l := newTestList(t, `[]`)
	require.NoError(t, l.CreatePeer("p1", func(string, json.RawMessage) {}))
	require.NoError(t, l.ApplyOperation("p1", json.RawMessage(`{"ops":[{"type":"ins","pos":0,"node":"A"}]}`)))

	var late recorder
	require.NoError(t, l.CreatePeer("late", late.send))
	assert.Empty(t, late.msgs)

	require.NoError(t, l.ApplyOperation("p1", json.RawMessage(`{"ops":[{"type":"ins","pos":1,"node":"B"}]}`)))
	require.Len(t, late.msgs, 1)
	assert.Equal(t, uint64(2), decodeDelta(t, late.msgs[0].payload).Version)
}

func TestCursorLifecycle(t *testing.T) {
	l := newTestList(t, `[]`)
	var p2 recorder
	require.NoError(t, l.CreatePeer("p1", func(string, json.RawMessage) {}))
	require.NoError(t, l.CreatePeer("p2", p2.send))

	require.NoError(t, l.ApplyOperation("p1", json.RawMessage(`{"ops":[],"cursor":{"anchor":0,"focus":0}}`)))
	assert.Equal(t, []string{"p1"}, l.Cursors())
	require.Len(t, p2.msgs, 1)

	snap, _ := l.Snapshot()
	assert.Contains(t, string(snap), `"p1"`)

	require.NoError(t, l.RemoveCursor("p1"))
	assert.Empty(t, l.Cursors())
	require.Len(t, p2.msgs, 2)
	assert.Equal(t, "", p2.msgs[1].author)
	d := decodeDelta(t, p2.msgs[1].payload)
	assert.Equal(t, "null", string(d.Cursors["p1"]))

	// Removing again is a no-op.
	require.NoError(t, l.RemoveCursor("p1"))
	assert.Len(t, p2.msgs, 2)
}

func TestCursorNullClears(t *testing.T) {
	l := newTestList(t, `[]`)
	require.NoError(t, l.CreatePeer("p1", func(string, json.RawMessage) {}))
	require.NoError(t, l.ApplyOperation("p1", json.RawMessage(`{"cursor":{"a":1}}`)))
	require.NoError(t, l.ApplyOperation("p1", json.RawMessage(`{"cursor":null}`)))
	assert.Empty(t, l.Cursors())
}

func TestEmptyOperationIsNoop(t *testing.T) {
	l := newTestList(t, `[]`)
	var p2 recorder
	require.NoError(t, l.CreatePeer("p1", func(string, json.RawMessage) {}))
	require.NoError(t, l.CreatePeer("p2", p2.send))
	require.NoError(t, l.ApplyOperation("p1", json.RawMessage(`{"ops":[]}`)))
	assert.Empty(t, p2.msgs)
	assert.Equal(t, uint64(0), l.version)
}

func TestLogCompaction(t *testing.T) {
	l := newTestList(t, `[]`)
	require.NoError(t, l.CreatePeer("p1", func(string, json.RawMessage) {}))
	require.NoError(t, l.CreatePeer("p2", func(string, json.RawMessage) {}))

	for i := 0; i < 10; i++ {
		require.NoError(t, l.ApplyOperation("p1", json.RawMessage(`{"ops":[{"type":"ins","pos":0,"node":1}]}`)))
	}
	assert.Empty(t, l.log, "all peers are caught up")

	l.ClosePeer("p2")
	assert.Equal(t, 1, len(l.peers))
	l.ClosePeer("missing")
}
