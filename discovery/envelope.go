package discovery

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// protocol level event tokens, peers match these verbatim
const (
	EventAnnounce     = "Announce"
	EventServerupdate = "Serverupdate"
	EventEndsession   = "Endsession"
)

const (
	appIDLen        int = 4
	maxDatagramLen  int = 65507
	typicalEnvelope int = 512
)

type Envelope struct {
	Event     string
	SessionID string
	Data      string // base64
}

// mailbox value, one per session between consumer polls
type inbound struct {
	Event  string
	Data   string
	Sender string
}

func encodeAppID(appID uint32) [appIDLen]byte {
	var prefix [appIDLen]byte
	binary.LittleEndian.PutUint32(prefix[:], appID)
	return prefix
}

// ensureBase64 leaves data untouched when it already decodes as standard
// base64, otherwise encodes it.
func ensureBase64(data string) string {
	_, err := base64.StdEncoding.DecodeString(data)
	if err == nil {
		return data
	}
	return base64.StdEncoding.EncodeToString([]byte(data))
}

func encodeDatagram(prefix [appIDLen]byte, envelope *Envelope) ([]byte, error) {
	buffer := new(bytes.Buffer)
	buffer.Grow(typicalEnvelope)

	// app id is a multiplexing tag for traffic sharing the port, datagrams
	// carry their own boundaries
	buffer.Write(prefix[:])

	err := json.NewEncoder(buffer).Encode(envelope)
	if err != nil {
		return nil, err
	}

	buf := buffer.Bytes()
	if len(buf) > maxDatagramLen {
		return nil, fmt.Errorf("datagram length %d exceeds %d", len(buf), maxDatagramLen)
	}

	return buf, nil
}

type decodeError struct {
	foreign bool
	err     error
}

func (e *decodeError) Error() string {
	return e.err.Error()
}

func decodeDatagram(prefix [appIDLen]byte, buf []byte) (SessionID, *Envelope, error) {
	if len(buf) < appIDLen || !bytes.Equal(buf[:appIDLen], prefix[:]) {
		return ZeroSessionID, nil, &decodeError{
			foreign: true,
			err:     fmt.Errorf("app id mismatch"),
		}
	}

	envelope := &Envelope{}
	err := json.Unmarshal(buf[appIDLen:], envelope)
	if err != nil {
		return ZeroSessionID, nil, &decodeError{
			foreign: false,
			err:     fmt.Errorf("failed to unmarshal envelope, err=%w", err),
		}
	}

	if envelope.Event == "" {
		return ZeroSessionID, nil, &decodeError{
			foreign: false,
			err:     fmt.Errorf("empty event"),
		}
	}

	sessionID, err := ParseSessionID(envelope.SessionID)
	if err != nil || sessionID.IsZero() {
		return ZeroSessionID, nil, &decodeError{
			foreign: false,
			err:     fmt.Errorf("invalid session id %q", envelope.SessionID),
		}
	}

	return sessionID, envelope, nil
}

// decodeGameData turns the base64 payload of an update into a document.
func decodeGameData(data string) (*GameData, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64, err=%w", err)
	}

	gameData := NewGameData()
	err = json.Unmarshal(raw, gameData)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal game data, err=%w", err)
	}

	return gameData, nil
}
