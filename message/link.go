package message

type PeerHello struct {
	Peer *Peer `json:"peer"`
}

type PeerByeReason uint8

const (
	PeerByeReasonInvalid  PeerByeReason = 0
	PeerByeReasonShutdown PeerByeReason = 1
	PeerByeReasonIdle     PeerByeReason = 2
)

func (r PeerByeReason) String() string {
	switch r {
	case PeerByeReasonInvalid:
		return "Invalid Reason"
	case PeerByeReasonShutdown:
		return "Shutdown"
	case PeerByeReasonIdle:
		return "Idle"
	default:
		return "Unknown Reason"
	}
}

type PeerBye struct {
	Reason PeerByeReason `json:"reason"`
}

type SendType uint8

const (
	SendUnreliable            SendType = 0
	SendUnreliableNoDelay     SendType = 1
	SendReliable              SendType = 2
	SendReliableWithBuffering SendType = 3
)

func (t SendType) String() string {
	switch t {
	case SendUnreliable:
		return "Unreliable"
	case SendUnreliableNoDelay:
		return "Unreliable No Delay"
	case SendReliable:
		return "Reliable"
	case SendReliableWithBuffering:
		return "Reliable With Buffering"
	default:
		return "Unknown Send Type"
	}
}

type PeerPacket struct {
	Channel  int32    `json:"channel"`
	SendType SendType `json:"send_type"`
	Data     []byte   `json:"data"`
}
