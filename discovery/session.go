package discovery

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionID is a 128-bit session identifier, the top bit of a generated id is
// always set so the zero value means "no session".
type SessionID [16]byte

var ZeroSessionID SessionID

func NewSessionID() SessionID {
	id := SessionID(uuid.New())
	id[0] |= 0x80
	return id
}

func ParseSessionID(s string) (SessionID, error) {
	var id SessionID

	if len(s) != hex.EncodedLen(len(id)) {
		return id, fmt.Errorf("invalid session id length %d", len(s))
	}

	_, err := hex.Decode(id[:], []byte(s))
	if err != nil {
		return id, fmt.Errorf("invalid session id %q, err=%w", s, err)
	}

	return id, nil
}

func (id SessionID) String() string {
	return hex.EncodeToString(id[:])
}

func (id SessionID) IsZero() bool {
	return id == ZeroSessionID
}

// GameData is a JSON object document that keeps key insertion order.
type GameData struct {
	keys   []string
	values map[string]any
}

func NewGameData() *GameData {
	return &GameData{
		keys:   nil,
		values: make(map[string]any),
	}
}

func (g *GameData) Set(key string, value any) {
	_, found := g.values[key]
	if !found {
		g.keys = append(g.keys, key)
	}
	g.values[key] = value
}

func (g *GameData) Get(key string) (any, bool) {
	value, found := g.values[key]
	return value, found
}

func (g *GameData) Delete(key string) {
	_, found := g.values[key]
	if !found {
		return
	}
	delete(g.values, key)

	for index, k := range g.keys {
		if k == key {
			g.keys = append(g.keys[:index], g.keys[index+1:]...)
			break
		}
	}
}

func (g *GameData) Keys() []string {
	keys := make([]string, len(g.keys))
	copy(keys, g.keys)
	return keys
}

func (g *GameData) Len() int {
	return len(g.keys)
}

// Merge copies every top level key of other into g, last write wins.
func (g *GameData) Merge(other *GameData) {
	for _, key := range other.keys {
		g.Set(key, other.values[key])
	}
}

func (g *GameData) Clone() *GameData {
	clone := NewGameData()
	clone.Merge(g)
	return clone
}

func (g *GameData) MarshalJSON() ([]byte, error) {
	buffer := new(bytes.Buffer)
	buffer.WriteByte('{')

	for index, key := range g.keys {
		if index > 0 {
			buffer.WriteByte(',')
		}

		kbuf, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buffer.Write(kbuf)
		buffer.WriteByte(':')

		vbuf, err := json.Marshal(g.values[key])
		if err != nil {
			return nil, err
		}
		buffer.Write(vbuf)
	}

	buffer.WriteByte('}')
	return buffer.Bytes(), nil
}

// UnmarshalJSON accepts only a JSON object and appends its keys in document
// order.
func (g *GameData) UnmarshalJSON(buf []byte) error {
	if g.values == nil {
		g.values = make(map[string]any)
	}

	decoder := json.NewDecoder(bytes.NewReader(buf))
	token, err := decoder.Token()
	if err != nil {
		return err
	}
	delim, ok := token.(json.Delim)
	if !ok || delim != '{' {
		return fmt.Errorf("game data must be a JSON object, got %v", token)
	}

	for decoder.More() {
		token, err = decoder.Token()
		if err != nil {
			return err
		}
		key, ok := token.(string)
		if !ok {
			return fmt.Errorf("unexpected key token %v", token)
		}

		var value any
		err = decoder.Decode(&value)
		if err != nil {
			return err
		}
		g.Set(key, value)
	}

	// closing brace
	_, err = decoder.Token()
	if err != nil {
		return err
	}

	if decoder.More() {
		return fmt.Errorf("trailing data after game data object")
	}

	return nil
}

type LocalSession struct {
	ID            SessionID
	GameData      *GameData
	LastBroadcast time.Time
	Advertised    bool
}

type PeerSession struct {
	ID          SessionID
	HostAddress string // bound on first sight
	GameData    *GameData
	LastSeen    time.Time
}

func (p *PeerSession) Clone() *PeerSession {
	return &PeerSession{
		ID:          p.ID,
		HostAddress: p.HostAddress,
		GameData:    p.GameData.Clone(),
		LastSeen:    p.LastSeen,
	}
}
