package common

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// Wire constants
// --------------------------------------------------------------------------

const (
	// HeaderSize is the fixed size of the SMB2 header
	HeaderSize = 64

	// TransportHeaderSize is the size of the direct TCP transport prefix
	// (one zero byte followed by a 24 bit big endian length)
	TransportHeaderSize = 4

	// MaxMessageSize is the largest SMB2 message the transport prefix can describe
	MaxMessageSize = 1<<24 - 1

	// ProtocolID is 0xFE 'S' 'M' 'B' read as a little endian uint32
	ProtocolID uint32 = 0x424D53FE

	// SignatureOffset and SignatureSize locate the signature inside the header
	SignatureOffset = 48
	SignatureSize   = 16
)

// Parsing errors
var (
	ErrMessageTooShort   = errors.New("message too short for SMB2 header")
	ErrInvalidProtocolID = errors.New("invalid SMB2 protocol ID")
	ErrInvalidHeaderSize = errors.New("invalid SMB2 header structure size")
	ErrFrameTooLarge     = errors.New("frame exceeds maximum SMB2 message size")
)

// --------------------------------------------------------------------------
// Commands
// --------------------------------------------------------------------------

// Command is the SMB2 command code. The transport only looks at it to pick
// a cancel encoder, everything else treats it as an opaque tag.
type Command uint16

const (
	CmdNegotiate      Command = 0x0000
	CmdSessionSetup   Command = 0x0001
	CmdLogoff         Command = 0x0002
	CmdTreeConnect    Command = 0x0003
	CmdTreeDisconnect Command = 0x0004
	CmdCreate         Command = 0x0005
	CmdClose          Command = 0x0006
	CmdFlush          Command = 0x0007
	CmdRead           Command = 0x0008
	CmdWrite          Command = 0x0009
	CmdLock           Command = 0x000A
	CmdIoctl          Command = 0x000B
	CmdCancel         Command = 0x000C
	CmdEcho           Command = 0x000D
	CmdQueryDirectory Command = 0x000E
	CmdChangeNotify   Command = 0x000F
	CmdQueryInfo      Command = 0x0010
	CmdSetInfo        Command = 0x0011
	CmdOplockBreak    Command = 0x0012
)

var commandNames = map[Command]string{
	CmdNegotiate:      "NEGOTIATE",
	CmdSessionSetup:   "SESSION_SETUP",
	CmdLogoff:         "LOGOFF",
	CmdTreeConnect:    "TREE_CONNECT",
	CmdTreeDisconnect: "TREE_DISCONNECT",
	CmdCreate:         "CREATE",
	CmdClose:          "CLOSE",
	CmdFlush:          "FLUSH",
	CmdRead:           "READ",
	CmdWrite:          "WRITE",
	CmdLock:           "LOCK",
	CmdIoctl:          "IOCTL",
	CmdCancel:         "CANCEL",
	CmdEcho:           "ECHO",
	CmdQueryDirectory: "QUERY_DIRECTORY",
	CmdChangeNotify:   "CHANGE_NOTIFY",
	CmdQueryInfo:      "QUERY_INFO",
	CmdSetInfo:        "SET_INFO",
	CmdOplockBreak:    "OPLOCK_BREAK",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%04x)", uint16(c))
}

// ParseCommand returns the command for a name as printed by String (case
// insensitive) or a numeric code like 0x0d
func ParseCommand(s string) (Command, error) {
	for cmd, name := range commandNames {
		if strings.EqualFold(name, s) {
			return cmd, nil
		}
	}
	code, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("unknown command %q", s)
	}
	return Command(code), nil
}

// --------------------------------------------------------------------------
// Status codes
// --------------------------------------------------------------------------

// Status is an NT_STATUS code carried in responses
type Status uint32

const (
	StatusSuccess                Status = 0x00000000
	StatusPending                Status = 0x00000103
	StatusMoreProcessingRequired Status = 0xC0000016
	StatusCancelled              Status = 0xC0000120
	StatusInvalidParameter       Status = 0xC000000D
	StatusAccessDenied           Status = 0xC0000022
	StatusNotSupported           Status = 0xC00000BB
	StatusNetworkNameDel         Status = 0xC00000C9
	StatusLockNotGranted         Status = 0xC0000055
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "STATUS_SUCCESS"
	case StatusPending:
		return "STATUS_PENDING"
	case StatusMoreProcessingRequired:
		return "STATUS_MORE_PROCESSING_REQUIRED"
	case StatusCancelled:
		return "STATUS_CANCELLED"
	case StatusInvalidParameter:
		return "STATUS_INVALID_PARAMETER"
	case StatusAccessDenied:
		return "STATUS_ACCESS_DENIED"
	case StatusNotSupported:
		return "STATUS_NOT_SUPPORTED"
	case StatusNetworkNameDel:
		return "STATUS_NETWORK_NAME_DELETED"
	case StatusLockNotGranted:
		return "STATUS_LOCK_NOT_GRANTED"
	}
	return fmt.Sprintf("0x%08x", uint32(s))
}

// IsError reports whether the severity bits mark the status as an error
func (s Status) IsError() bool { return uint32(s)>>30 == 3 }

// --------------------------------------------------------------------------
// Header flags
// --------------------------------------------------------------------------

type HeaderFlags uint32

const (
	FlagServerToRedir     HeaderFlags = 0x00000001
	FlagAsyncCommand      HeaderFlags = 0x00000002
	FlagRelatedOperations HeaderFlags = 0x00000004
	FlagSigned            HeaderFlags = 0x00000008
)

func (f HeaderFlags) IsResponse() bool { return f&FlagServerToRedir != 0 }
func (f HeaderFlags) IsAsync() bool    { return f&FlagAsyncCommand != 0 }
func (f HeaderFlags) IsSigned() bool   { return f&FlagSigned != 0 }

// --------------------------------------------------------------------------
// Header Structure
// --------------------------------------------------------------------------

// Header is the 64 byte SMB2 common header. Sync messages carry ProcessID
// and TreeID at offset 32, async messages carry AsyncID there instead.
type Header struct {
	CreditCharge uint16
	Status       Status
	Command      Command
	Credits      uint16 // CreditRequest in requests, CreditResponse in responses
	Flags        HeaderFlags
	NextCommand  uint32
	MessageID    uint64
	ProcessID    uint32 // sync only
	TreeID       uint32 // sync only
	AsyncID      uint64 // async only
	SessionID    uint64
	Signature    [SignatureSize]byte
}

// Encode writes the header into buf (which must hold HeaderSize bytes) using
// the little endian wire layout and returns buf[:HeaderSize]
func (h *Header) Encode(buf []byte) []byte {
	buf = buf[:HeaderSize]
	binary.LittleEndian.PutUint32(buf[0:4], ProtocolID)
	binary.LittleEndian.PutUint16(buf[4:6], HeaderSize)
	binary.LittleEndian.PutUint16(buf[6:8], h.CreditCharge)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Status))
	binary.LittleEndian.PutUint16(buf[12:14], uint16(h.Command))
	binary.LittleEndian.PutUint16(buf[14:16], h.Credits)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.Flags))
	binary.LittleEndian.PutUint32(buf[20:24], h.NextCommand)
	binary.LittleEndian.PutUint64(buf[24:32], h.MessageID)
	if h.Flags.IsAsync() {
		binary.LittleEndian.PutUint64(buf[32:40], h.AsyncID)
	} else {
		binary.LittleEndian.PutUint32(buf[32:36], h.ProcessID)
		binary.LittleEndian.PutUint32(buf[36:40], h.TreeID)
	}
	binary.LittleEndian.PutUint64(buf[40:48], h.SessionID)
	copy(buf[SignatureOffset:HeaderSize], h.Signature[:])
	return buf
}

// Bytes returns a freshly allocated encoding of the header
func (h *Header) Bytes() []byte {
	return h.Encode(make([]byte, HeaderSize))
}

// ParseHeader decodes the common header at the start of data
func ParseHeader(data []byte) (Header, error) {
	var h Header
	if len(data) < HeaderSize {
		return h, ErrMessageTooShort
	}
	if binary.LittleEndian.Uint32(data[0:4]) != ProtocolID {
		return h, ErrInvalidProtocolID
	}
	if binary.LittleEndian.Uint16(data[4:6]) != HeaderSize {
		return h, ErrInvalidHeaderSize
	}

	h.CreditCharge = binary.LittleEndian.Uint16(data[6:8])
	h.Status = Status(binary.LittleEndian.Uint32(data[8:12]))
	h.Command = Command(binary.LittleEndian.Uint16(data[12:14]))
	h.Credits = binary.LittleEndian.Uint16(data[14:16])
	h.Flags = HeaderFlags(binary.LittleEndian.Uint32(data[16:20]))
	h.NextCommand = binary.LittleEndian.Uint32(data[20:24])
	h.MessageID = binary.LittleEndian.Uint64(data[24:32])
	if h.Flags.IsAsync() {
		h.AsyncID = binary.LittleEndian.Uint64(data[32:40])
	} else {
		h.ProcessID = binary.LittleEndian.Uint32(data[32:36])
		h.TreeID = binary.LittleEndian.Uint32(data[36:40])
	}
	h.SessionID = binary.LittleEndian.Uint64(data[40:48])
	copy(h.Signature[:], data[SignatureOffset:HeaderSize])
	return h, nil
}

// SetSigned sets the signed flag in an already encoded header
func SetSigned(encoded []byte) {
	flags := binary.LittleEndian.Uint32(encoded[16:20])
	binary.LittleEndian.PutUint32(encoded[16:20], flags|uint32(FlagSigned))
}

// --------------------------------------------------------------------------
// Transport framing
// --------------------------------------------------------------------------

// PutTransportHeader writes the direct TCP prefix for a message of length n
func PutTransportHeader(buf []byte, n int) error {
	if n < 0 || n > MaxMessageSize {
		return ErrFrameTooLarge
	}
	buf[0] = 0
	buf[1] = byte(n >> 16)
	buf[2] = byte(n >> 8)
	buf[3] = byte(n)
	return nil
}

// TransportLength decodes the message length from a direct TCP prefix
func TransportLength(buf []byte) int {
	return int(buf[1])<<16 | int(buf[2])<<8 | int(buf[3])
}
