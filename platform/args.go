package platform

import (
	"log"

	m "github.com/Meander-Cloud/go-lanemu/message"
)

// host arguments arrive untyped, a missing or mistyped argument reads as the
// zero value

func argString(logPrefix string, slot string, args []any, index int) string {
	if index >= len(args) {
		return ""
	}
	v, ok := args[index].(string)
	if !ok {
		log.Printf("%s: %s: argument %d is %T, want string", logPrefix, slot, index, args[index])
	}
	return v
}

func argBytes(logPrefix string, slot string, args []any, index int) []byte {
	if index >= len(args) {
		return nil
	}
	switch v := args[index].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		log.Printf("%s: %s: argument %d is %T, want []byte", logPrefix, slot, index, args[index])
		return nil
	}
}

func argInt32(logPrefix string, slot string, args []any, index int) int32 {
	if index >= len(args) {
		return 0
	}
	switch v := args[index].(type) {
	case int32:
		return v
	case int:
		return int32(v)
	default:
		log.Printf("%s: %s: argument %d is %T, want int32", logPrefix, slot, index, args[index])
		return 0
	}
}

func argSendType(logPrefix string, slot string, args []any, index int) m.SendType {
	if index >= len(args) {
		return m.SendReliable
	}
	switch v := args[index].(type) {
	case m.SendType:
		return v
	case int:
		return m.SendType(v)
	default:
		log.Printf("%s: %s: argument %d is %T, want SendType", logPrefix, slot, index, args[index])
		return m.SendReliable
	}
}
