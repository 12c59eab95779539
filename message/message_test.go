package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestPeerValidate(t *testing.T) {
	var nilPeer *Peer
	assert.Error(t, nilPeer.Validate())

	peer := &Peer{Host: "A", Instance: "1", Time: 1700000000000, Port: 47585}
	require.NoError(t, peer.Validate())
	assert.Equal(t, "A-1-1700000000000", peer.ID())

	for _, bad := range []*Peer{
		{Host: "", Instance: "1", Time: 1, Port: 1},
		{Host: "A", Instance: "", Time: 1, Port: 1},
		{Host: "A", Instance: "1", Time: 0, Port: 1},
		{Host: "A", Instance: "1", Time: 1, Port: 0},
	} {
		assert.Error(t, bad.Validate(), "%+v", *bad)
	}
}

func TestMessageOmitsAbsentBodies(t *testing.T) {
	buf, err := msgpack.Marshal(&Message{
		Txseq:   1,
		Txtime:  2,
		PeerBye: &PeerBye{Reason: PeerByeReasonIdle},
	})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, msgpack.Unmarshal(buf, &fields))
	assert.Contains(t, fields, "PeerBye")
	assert.NotContains(t, fields, "PeerHello")
	assert.NotContains(t, fields, "PeerPacket")
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "Idle", PeerByeReasonIdle.String())
	assert.Equal(t, "Unknown Reason", PeerByeReason(9).String())
	assert.Equal(t, "Reliable With Buffering", SendReliableWithBuffering.String())
	assert.Equal(t, "Unknown Send Type", SendType(9).String())
}
