package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dileet/ecco-sub003/pkg/mesh"
)

func TestCorrelationTable_Routing(t *testing.T) {
	tbl := newCorrelationTable()
	now := time.Now()
	ch := tbl.open("req-1", []mesh.PeerID{"a", "b"}, now.Add(time.Second))
	assert.Equal(t, 1, tbl.inFlight())

	assert.Equal(t, delivered, tbl.deliver("a", AgentReply{CorrelationID: "req-1", Success: true}, now))
	assert.Equal(t, duplicateReply, tbl.deliver("a", AgentReply{CorrelationID: "req-1"}, now))
	assert.Equal(t, duplicateReply, tbl.deliver("stranger", AgentReply{CorrelationID: "req-1"}, now))
	assert.Equal(t, unknownReply, tbl.deliver("a", AgentReply{CorrelationID: "req-2"}, now))
	assert.Equal(t, lateReply, tbl.deliver("b", AgentReply{CorrelationID: "req-1"}, now.Add(2*time.Second)))

	require.Len(t, ch, 1)
	in := <-ch
	assert.Equal(t, mesh.PeerID("a"), in.peer)
	assert.True(t, in.reply.Success)

	tbl.retire("req-1")
	assert.Equal(t, 0, tbl.inFlight())
	assert.Equal(t, lateReply, tbl.deliver("b", AgentReply{CorrelationID: "req-1"}, now))
}

func TestCorrelationTable_Forget(t *testing.T) {
	tbl := newCorrelationTable()
	now := time.Now()
	tbl.open("req", []mesh.PeerID{"a"}, now.Add(time.Second))
	tbl.forget("req", "a")
	assert.Equal(t, duplicateReply, tbl.deliver("a", AgentReply{CorrelationID: "req"}, now))
}
