package message

import "fmt"

type Peer struct {
	Host     string `json:"host"`
	Instance string `json:"instance"`
	Time     int64  `json:"time"` // epoch milliseconds
	Port     uint16 `json:"port"` // peer link listen port
}

func (p *Peer) ID() string {
	return fmt.Sprintf("%s-%s-%d", p.Host, p.Instance, p.Time)
}

func (p *Peer) Validate() error {
	if p == nil {
		return fmt.Errorf("nil Peer")
	}
	if p.Host == "" {
		return fmt.Errorf("invalid Host=%s", p.Host)
	}
	if p.Instance == "" {
		return fmt.Errorf("invalid Instance=%s", p.Instance)
	}
	if p.Time <= 0 {
		return fmt.Errorf("invalid Time=%d", p.Time)
	}
	if p.Port == 0 {
		return fmt.Errorf("invalid Port=%d", p.Port)
	}
	return nil
}
