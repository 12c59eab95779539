package message

type Message struct {
	Txseq  uint64 `json:"txseq"`
	Txtime int64  `json:"txtime"` // epoch milliseconds

	PeerHello  *PeerHello  `json:"peer_hello,omitempty" msgpack:",omitempty"`
	PeerBye    *PeerBye    `json:"peer_bye,omitempty" msgpack:",omitempty"`
	PeerPacket *PeerPacket `json:"peer_packet,omitempty" msgpack:",omitempty"`
}
