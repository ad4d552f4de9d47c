package ringio

import (
	"errors"
	"fmt"
)

// Status is the informational outcome of a successful call. A partial grant
// is reported here, never as an error.
type Status int

const (
	StatusSuccess Status = iota
	StatusPendingAttribute
	StatusNotContiguous
	StatusBufferFull
	StatusBufferWrap
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPendingAttribute:
		return "pending_attribute"
	case StatusNotContiguous:
		return "not_contiguous"
	case StatusBufferFull:
		return "buffer_full"
	case StatusBufferWrap:
		return "buffer_wrap"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

var (
	ErrInvalidArg        = errors.New("ringio: invalid argument")
	ErrWrongState        = errors.New("ringio: wrong state")
	ErrNotFound          = errors.New("ringio: not found")
	ErrAlreadyExists     = errors.New("ringio: already exists")
	ErrResource          = errors.New("ringio: registry full")
	ErrAlreadyOpen       = errors.New("ringio: role already open")
	ErrFailure           = errors.New("ringio: failure")
	ErrVariableAttribute = errors.New("ringio: variable attribute needs a payload buffer")
	ErrPendingData       = errors.New("ringio: pending data must be read first")
	ErrNoAttribute       = errors.New("ringio: no attribute")
	ErrAttrBufferFull    = errors.New("ringio: attribute buffer full")
	ErrPeerNotOpen       = errors.New("ringio: peer not open")
	ErrClosed            = errors.New("ringio: client closed")
)

// failure wraps an underlying lock or pool error as ErrFailure while keeping
// the cause reachable through errors.Is.
func failure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrFailure, op, err)
}

// Role is the side of an instance a client is bound to.
type Role uint32

const (
	RoleWriter Role = iota
	RoleReader
)

func (r Role) String() string {
	if r == RoleReader {
		return "reader"
	}
	return "writer"
}

func (r Role) peer() Role {
	return r ^ 1
}

// OpenMode selects the role requested by Open.
type OpenMode = Role

const (
	ModeWriter = RoleWriter
	ModeReader = RoleReader
)

// Flags are per-client options fixed at open time.
type Flags uint32

const (
	FlagDataCache Flags = 1 << iota
	FlagAttrCache
	FlagControlCache
	FlagNeedExactSize
)

// TransportType records which processors share the instance.
type TransportType uint32

const (
	TransportGPPDSP TransportType = iota
	TransportDSPDSP
)

// NotifyType selects when a release notifies the peer.
type NotifyType uint32

const (
	NotifyNone NotifyType = iota
	NotifyAlways
	NotifyOnce
	NotifyHdwrFifoAlways
	NotifyHdwrFifoOnce
)

func (t NotifyType) String() string {
	switch t {
	case NotifyNone:
		return "none"
	case NotifyAlways:
		return "always"
	case NotifyOnce:
		return "once"
	case NotifyHdwrFifoAlways:
		return "hdwrfifo_always"
	case NotifyHdwrFifoOnce:
		return "hdwrfifo_once"
	default:
		return fmt.Sprintf("notify(%d)", uint32(t))
	}
}

// AttrTypeInvalid marks an empty attribute result.
const AttrTypeInvalid uint16 = 0xFFFF

// Attribute is one out-of-band marker read from the attribute stream.
type Attribute struct {
	Type    uint16
	Param   uint32
	Size    uint32
	Payload []byte
}

// FlushResult reports what a flush discarded. Type is AttrTypeInvalid when no
// attribute bounded the flush.
type FlushResult struct {
	Type  uint16
	Param uint32
	Bytes uint32
}
