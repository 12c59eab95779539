package callback

// Legacy adapts a single-argument delivery function to Handler, for consumers
// that never look at the call id or failure flag.
type Legacy struct {
	CategoryCode int32
	PayloadSize  int
	Func         func(payload []byte)
}

func (l *Legacy) Category() int32 {
	return l.CategoryCode
}

func (l *Legacy) Run(payload []byte) {
	if l.Func != nil {
		l.Func(payload)
	}
}

func (l *Legacy) RunResult(payload []byte, _ bool, _ CallID) {
	l.Run(payload)
}

func (l *Legacy) Size() int {
	return l.PayloadSize
}
