// Package wire defines the AoNET frame format: message types, the
// fixed-layout header, and the length-prefixed framing used on the wire.
package wire

// Message type constants (§6).
const (
	TypeHI        uint8 = 0x01 // both: 32-byte raw X25519 public key
	TypeAUTH      uint8 = 0x02 // C->S: UTF-8 user name
	TypeAUTHOK    uint8 = 0x03 // S->C: UTF-8 welcome
	TypeAUTHFAIL  uint8 = 0x04 // S->C: UTF-8 reason

	TypeTEXT   uint8 = 0x10 // both: UTF-8 text
	TypeIMAGE  uint8 = 0x11 // reserved
	TypeTYPING uint8 = 0x12 // reserved
	TypeDM     uint8 = 0x13 // C->S "target:text" / S->C "[sender] text"

	TypeONLINE  uint8 = 0x20 // S->C: UTF-8 notice
	TypeOFFLINE uint8 = 0x21 // S->C: UTF-8 notice

	TypeSUP   uint8 = 0x30 // both: UTF-8 channel name (request / confirm)
	TypeADIOS uint8 = 0x31 // C->S: empty

	TypeSHIT uint8 = 0xFF // reserved
)

// ProtocolVersion is the only version this implementation speaks.
const ProtocolVersion uint8 = 1

const (
	// HeaderSize is the size in bytes of version+type+bodyLength+messageID,
	// i.e. everything the checksum covers before the body.
	HeaderSize = 1 + 1 + 4 + 2

	// ChecksumSize is the size in bytes of the trailing CRC-32.
	ChecksumSize = 4

	// LengthPrefixSize is the size of the 4-byte big-endian record length
	// that precedes every encoded message on the wire (§4.1 framing).
	LengthPrefixSize = 4

	// MinRecordSize is the smallest a decodable record can be: an empty
	// body still carries the full header and checksum.
	MinRecordSize = HeaderSize + ChecksumSize
)

// TypeName returns a human-readable name for a message type, matching the
// names used in §6. Unknown types report "UNKNOWN".
func TypeName(t uint8) string {
	switch t {
	case TypeHI:
		return "HI"
	case TypeAUTH:
		return "AUTH"
	case TypeAUTHOK:
		return "AUTH_OK"
	case TypeAUTHFAIL:
		return "AUTH_FAIL"
	case TypeTEXT:
		return "TEXT"
	case TypeIMAGE:
		return "IMAGE"
	case TypeTYPING:
		return "TYPING"
	case TypeDM:
		return "DM"
	case TypeONLINE:
		return "ONLINE"
	case TypeOFFLINE:
		return "OFFLINE"
	case TypeSUP:
		return "SUP"
	case TypeADIOS:
		return "ADIOS"
	case TypeSHIT:
		return "SHIT"
	default:
		return "UNKNOWN"
	}
}

// IsKnownType reports whether t is one of the enumerated message types.
// SHIT, IMAGE and TYPING are reserved but still "known" — they decode
// successfully and are dropped at the session layer (§9).
func IsKnownType(t uint8) bool {
	switch t {
	case TypeHI, TypeAUTH, TypeAUTHOK, TypeAUTHFAIL,
		TypeTEXT, TypeIMAGE, TypeTYPING, TypeDM,
		TypeONLINE, TypeOFFLINE, TypeSUP, TypeADIOS, TypeSHIT:
		return true
	default:
		return false
	}
}
