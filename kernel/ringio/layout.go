package ringio

import (
	"bytes"
	"encoding/binary"
	"unsafe"

	"github.com/nmxmxh/dsplink/kernel/mpcs"
	"github.com/nmxmxh/dsplink/kernel/sab"
)

// MaxNameLen counts the terminating NUL of the shared name field.
const MaxNameLen = mpcs.MaxNameLen

// geometry is the bookkeeping of one stream (data or attributes).
// Valid + Empty + writer window + reader window == CurEnd outside the lock.
type geometry struct {
	Size        uint32
	Foot        uint32
	CurEnd      uint32
	Valid       uint32
	Empty       uint32
	WrapPending uint32
}

type window struct {
	Start uint32
	Size  uint32
}

// clientRec is one role's record. Only the lock holder touches it.
type clientRec struct {
	ProcID     uint32
	Mode       uint32
	Open       uint32
	Flags      uint32
	Data       window
	Attr       window
	NotifyType uint32
	Watermark  uint32
	Armed      uint32
	NotifyMsg  uint32
	_          [sab.CACHE_LINE_SIZE - 48]byte
}

// ctrlBlock is the shared control block of one instance.
type ctrlBlock struct {
	EntryID     uint32
	CreatorProc uint32
	Transport   uint32
	CtrlPool    uint32
	DataPool    uint32
	AttrPool    uint32
	LockPool    uint32
	PhyData     uint32
	PhyAttr     uint32
	PhyLock     uint32

	Data geometry
	Attr geometry

	PrevAttrOffset      uint32
	CommittedAttrOffset uint32
	_                   [2*sab.CACHE_LINE_SIZE - 96]byte

	Writer clientRec
	Reader clientRec
}

// attrHeader precedes every attribute record.
type attrHeader struct {
	Type       uint16
	Size       uint16
	Offset     uint32
	PrevOffset uint32
	Param      uint32
}

// regHeader leads the registry control region.
type regHeader struct {
	Initialized uint32
	MaxEntries  uint32
	Generation  uint32
	OwnerProc   uint32
	LockPhys    uint32
	LockPool    uint32
	_           [sab.CACHE_LINE_SIZE - 24]byte
}

// regEntry is one named instance. CtrlDSPAddr is the control block in
// the DSP view so both sides can translate it back.
type regEntry struct {
	InUse       uint32
	OwnerProc   uint32
	CtrlPool    uint32
	DataPool    uint32
	AttrPool    uint32
	LockPool    uint32
	CtrlDSPAddr uint32
	_           uint32
	Name        [MaxNameLen]byte
}

var (
	_ = [1]struct{}{}[unsafe.Sizeof(clientRec{})-sab.CACHE_LINE_SIZE]
	_ = [1]struct{}{}[unsafe.Sizeof(ctrlBlock{})-4*sab.CACHE_LINE_SIZE]
	_ = [1]struct{}{}[unsafe.Sizeof(attrHeader{})-16]
	_ = [1]struct{}{}[unsafe.Sizeof(regHeader{})-sab.CACHE_LINE_SIZE]
	_ = [1]struct{}{}[unsafe.Sizeof(regEntry{})-sab.CACHE_LINE_SIZE]
)

const (
	ctrlSize       = uint32(unsafe.Sizeof(ctrlBlock{}))
	attrHeaderSize = uint32(unsafe.Sizeof(attrHeader{}))
	regHeaderSize  = uint32(unsafe.Sizeof(regHeader{}))
	regEntrySize   = uint32(unsafe.Sizeof(regEntry{}))

	offRegInitialized = uint32(unsafe.Offsetof(regHeader{}.Initialized))
	offRegGeneration  = uint32(unsafe.Offsetof(regHeader{}.Generation))
)

// RegistrySize is the control region footprint of a registry with max
// entries.
func RegistrySize(max uint32) uint32 {
	return regHeaderSize + max*regEntrySize
}

// recordSize is the attribute buffer footprint of a record with payload
// bytes of variable data.
func recordSize(payload uint32) uint32 {
	return attrHeaderSize + sab.AlignUp(payload, 4)
}

func (cb *ctrlBlock) client(r Role) *clientRec {
	if r == RoleReader {
		return &cb.Reader
	}
	return &cb.Writer
}

func readStructAt(mem sab.MemoryProvider, off uint32, v any) error {
	buf := make([]byte, binary.Size(v))
	if err := mem.ReadAt(off, buf); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

func writeStructAt(mem sab.MemoryProvider, off uint32, v any) error {
	var buf bytes.Buffer
	buf.Grow(binary.Size(v))
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return err
	}
	return mem.WriteAt(off, buf.Bytes())
}

func readHeader(buf []byte, off uint32) attrHeader {
	b := buf[off : off+attrHeaderSize]
	return attrHeader{
		Type:       binary.LittleEndian.Uint16(b[0:]),
		Size:       binary.LittleEndian.Uint16(b[2:]),
		Offset:     binary.LittleEndian.Uint32(b[4:]),
		PrevOffset: binary.LittleEndian.Uint32(b[8:]),
		Param:      binary.LittleEndian.Uint32(b[12:]),
	}
}

func writeHeader(buf []byte, off uint32, h attrHeader) {
	b := buf[off : off+attrHeaderSize]
	binary.LittleEndian.PutUint16(b[0:], h.Type)
	binary.LittleEndian.PutUint16(b[2:], h.Size)
	binary.LittleEndian.PutUint32(b[4:], h.Offset)
	binary.LittleEndian.PutUint32(b[8:], h.PrevOffset)
	binary.LittleEndian.PutUint32(b[12:], h.Param)
}
