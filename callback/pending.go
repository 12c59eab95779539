package callback

type pending struct {
	category int32
	callID   CallID
	payload  []byte
}

func newPending() *pending {
	return &pending{
		category: 0,
		callID:   InvalidCallID,
		payload:  nil,
	}
}

// pump goroutine
func (p *pending) reset() {
	p.category = 0
	p.callID = InvalidCallID
	p.payload = nil
}
