package mpcs

import (
	"unsafe"

	"github.com/nmxmxh/dsplink/kernel/sab"
)

const (
	// ReservedPrefix marks plumbing locks that are never entered in the
	// directory.
	ReservedPrefix    = "DSPLINK_MPCS_RESV"
	ReservedPrefixLen = 17

	// MaxNameLen includes the terminating NUL of the shared name field.
	MaxNameLen = 32

	InvalidID = ^uint32(0)
)

// procObj is one side's record in the shared lock object.
type procObj struct {
	LocalLock uint32
	Interest  uint32
	Claimed   uint32
	Conflicts uint32
	NumCalls  uint32
	_         [sab.CACHE_LINE_SIZE - 20]byte
}

// shObj is the shared lock object. The two side records sit on separate
// cache lines so each side writes back only its own line.
type shObj struct {
	GPP        procObj
	DSP        procObj
	Turn       uint32
	PoolID     uint32
	FreeObject uint32
	_          [sab.CACHE_LINE_SIZE - 12]byte
}

// dirHeader leads the directory control region.
type dirHeader struct {
	Initialized uint32
	MaxEntries  uint32
	Generation  uint32
	OwnerProc   uint32
	_           [sab.CACHE_LINE_SIZE - 16]byte
}

// dirEntry is one named lock in the directory.
type dirEntry struct {
	InUse     uint32
	OwnerProc uint32
	PoolID    uint32
	PhysAddr  uint32
	Name      [MaxNameLen]byte
	_         [sab.CACHE_LINE_SIZE - 16 - MaxNameLen]byte
}

var (
	_ = [1]struct{}{}[unsafe.Sizeof(procObj{})-sab.CACHE_LINE_SIZE]
	_ = [1]struct{}{}[unsafe.Sizeof(shObj{})-3*sab.CACHE_LINE_SIZE]
	_ = [1]struct{}{}[unsafe.Sizeof(dirHeader{})-sab.CACHE_LINE_SIZE]
	_ = [1]struct{}{}[unsafe.Sizeof(dirEntry{})-sab.CACHE_LINE_SIZE]
)

const (
	// ObjectSize is the footprint of one lock object.
	ObjectSize = uint32(unsafe.Sizeof(shObj{}))

	offGPP        = uint32(unsafe.Offsetof(shObj{}.GPP))
	offDSP        = uint32(unsafe.Offsetof(shObj{}.DSP))
	offTurn       = uint32(unsafe.Offsetof(shObj{}.Turn))
	offPoolID     = uint32(unsafe.Offsetof(shObj{}.PoolID))
	offFreeObject = uint32(unsafe.Offsetof(shObj{}.FreeObject))

	offLocalLock = uint32(unsafe.Offsetof(procObj{}.LocalLock))
	offInterest  = uint32(unsafe.Offsetof(procObj{}.Interest))
	offClaimed   = uint32(unsafe.Offsetof(procObj{}.Claimed))
	offConflicts = uint32(unsafe.Offsetof(procObj{}.Conflicts))
	offNumCalls  = uint32(unsafe.Offsetof(procObj{}.NumCalls))

	offInitialized = uint32(unsafe.Offsetof(dirHeader{}.Initialized))
	offGeneration  = uint32(unsafe.Offsetof(dirHeader{}.Generation))

	dirHeaderSize = uint32(unsafe.Sizeof(dirHeader{}))
	dirEntrySize  = uint32(unsafe.Sizeof(dirEntry{}))

	// the directory's own lock follows the header
	offDirLock    = dirHeaderSize
	offDirEntries = dirHeaderSize + ObjectSize
)

func sideRecord(s Side) uint32 {
	if s == SideGPP {
		return offGPP
	}
	return offDSP
}

// DirectorySize is the control region needed for maxEntries named locks.
func DirectorySize(maxEntries uint32) uint32 {
	return offDirEntries + maxEntries*dirEntrySize
}
