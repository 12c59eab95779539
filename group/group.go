package group

type Group uint8

const (
	GroupInvalid           Group = 0
	GroupServerListWait    Group = 1
	GroupPeerLinkIdleSweep Group = 2
)

func (g Group) String() string {
	switch g {
	case GroupInvalid:
		return "Invalid Group"
	case GroupServerListWait:
		return "Server List Wait"
	case GroupPeerLinkIdleSweep:
		return "Peer Link Idle Sweep"
	default:
		return "Unknown Group"
	}
}
