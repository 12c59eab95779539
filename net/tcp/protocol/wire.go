package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	m "github.com/Meander-Cloud/go-lanemu/message"
)

// header of seven bytes
// 0 - pre-designated bit pattern indicating valid message
// 1 - protocol version
// 2 - sender id
// 3,4,5,6 - payload length of type uint32, little endian byte order

// invoked on arbiter goroutine
func writeWireData(logPrefix string, logDebug bool, txid byte, connState *ConnState, messageStruct *m.Message) error {
	descriptor := connState.Data.Load().Descriptor

	buffer := new(bytes.Buffer)
	buffer.Grow(typicalBufferLen)

	buffer.WriteByte(protocolPattern)
	buffer.WriteByte(protocolVersion)
	buffer.WriteByte(txid)

	// placeholder for payload length
	buffer.Write([]byte{0x00, 0x00, 0x00, 0x00})

	err := msgpack.NewEncoder(buffer).Encode(messageStruct)
	if err != nil {
		log.Printf("%s: %s: msgpack failed to encode messageStruct=%+v, err=%s", logPrefix, descriptor, messageStruct, err.Error())
		return err
	}

	buf := buffer.Bytes()
	// do not access buffer beyond this point

	bufLen := len(buf)
	payloadLen := uint32(bufLen - headerLen)
	if payloadLen > maxPayloadLen {
		err = fmt.Errorf("%s: %s: payloadLen=%d exceeds %d", logPrefix, descriptor, payloadLen, maxPayloadLen)
		log.Printf("%s", err.Error())
		return err
	}
	binary.LittleEndian.PutUint32(buf[3:headerLen], payloadLen)

	connState.Conn.SetWriteDeadline(time.Now().UTC().Add(tcpWriteDeadline))
	n, err := connState.Conn.Write(buf)
	if err != nil {
		log.Printf("%s: %s: failed to write %d bytes, err=%s", logPrefix, descriptor, bufLen, err.Error())
		return err
	}
	if logDebug {
		log.Printf("%s: %s: wrote %d bytes, header %X", logPrefix, descriptor, n, buf[0:headerLen])
	}

	return nil
}

// invoked on ReadLoop goroutine
func readWireData(logPrefix string, logDebug bool, rxid byte, connState *ConnState) (*m.Message, error) {
	descriptor := connState.Data.Load().Descriptor

	header := make([]byte, headerLen)
	_, err := io.ReadFull(connState.Conn, header)
	if err != nil {
		log.Printf("%s: %s: failed to read header bytes, err=%s", logPrefix, descriptor, err.Error())
		return nil, err
	}

	// protocol specific sanity check
	if header[0] != protocolPattern {
		err = fmt.Errorf("%s: %s: invalid protocol pattern in header bytes %X", logPrefix, descriptor, header)
		log.Printf("%s", err.Error())
		return nil, err
	}
	if header[1] != protocolVersion {
		err = fmt.Errorf("%s: %s: unsupported protocol version in header bytes %X", logPrefix, descriptor, header)
		log.Printf("%s", err.Error())
		return nil, err
	}
	if header[2] != rxid {
		err = fmt.Errorf("%s: %s: unrecognized sender id in header bytes %X", logPrefix, descriptor, header)
		log.Printf("%s", err.Error())
		return nil, err
	}

	payloadLen := binary.LittleEndian.Uint32(header[3:headerLen])
	if payloadLen > maxPayloadLen {
		err = fmt.Errorf("%s: %s: payloadLen=%d in header bytes %X is too large", logPrefix, descriptor, payloadLen, header)
		log.Printf("%s", err.Error())
		return nil, err
	}

	payload := make([]byte, payloadLen)
	_, err = io.ReadFull(connState.Conn, payload)
	if err != nil {
		log.Printf("%s: %s: failed to read %d payload bytes, err=%s", logPrefix, descriptor, payloadLen, err.Error())
		return nil, err
	}

	messageStruct := new(m.Message)
	err = msgpack.Unmarshal(payload, messageStruct)
	if err != nil {
		log.Printf("%s: %s: failed to unmarshal %d payload bytes, err=%s", logPrefix, descriptor, payloadLen, err.Error())
		return nil, err
	}
	if logDebug {
		log.Printf("%s: %s: received messageStruct=%+v", logPrefix, descriptor, messageStruct)
	}

	return messageStruct, nil
}

func itoa(port uint16) string {
	return strconv.FormatUint(uint64(port), 10)
}
