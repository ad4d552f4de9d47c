package notify

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	capnp "zombiezen.com/go/capnproto2"

	"github.com/nmxmxh/dsplink/kernel/sab"
)

// Frames on the remote link are single-segment Cap'n Proto structs with
// a data section only:
//
//	@0  kind     u32
//	@4  src      u32
//	@8  dst      u32
//	@12 event    u32
//	@16 payload  u32
//	@24 session  [16]byte (hello only)
const (
	frameHello uint32 = 1
	frameEvent uint32 = 2

	offKind    capnp.DataOffset = 0
	offSrc     capnp.DataOffset = 4
	offDst     capnp.DataOffset = 8
	offEvent   capnp.DataOffset = 12
	offPayload capnp.DataOffset = 16
	offSessHi  capnp.DataOffset = 24
	offSessLo  capnp.DataOffset = 32
)

var frameSize = capnp.ObjectSize{DataSize: 40, PointerCount: 0}

type frame struct {
	Kind    uint32
	Src     sab.ProcessorID
	Dst     sab.ProcessorID
	Event   Event
	Payload uint32
	Session uuid.UUID
}

func encodeFrame(f frame) ([]byte, error) {
	msg, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return nil, err
	}
	st, err := capnp.NewRootStruct(seg, frameSize)
	if err != nil {
		return nil, err
	}
	st.SetUint32(offKind, f.Kind)
	st.SetUint32(offSrc, uint32(f.Src))
	st.SetUint32(offDst, uint32(f.Dst))
	st.SetUint32(offEvent, uint32(f.Event))
	st.SetUint32(offPayload, f.Payload)
	st.SetUint64(offSessHi, binary.BigEndian.Uint64(f.Session[0:8]))
	st.SetUint64(offSessLo, binary.BigEndian.Uint64(f.Session[8:16]))
	return msg.Marshal()
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	msg, err := capnp.Unmarshal(data)
	if err != nil {
		return f, err
	}
	root, err := msg.RootPtr()
	if err != nil {
		return f, err
	}
	st := root.Struct()
	f.Kind = st.Uint32(offKind)
	if f.Kind != frameHello && f.Kind != frameEvent {
		return f, fmt.Errorf("unknown frame kind %d", f.Kind)
	}
	f.Src = sab.ProcessorID(st.Uint32(offSrc))
	f.Dst = sab.ProcessorID(st.Uint32(offDst))
	f.Event = Event(st.Uint32(offEvent))
	f.Payload = st.Uint32(offPayload)
	binary.BigEndian.PutUint64(f.Session[0:8], st.Uint64(offSessHi))
	binary.BigEndian.PutUint64(f.Session[8:16], st.Uint64(offSessLo))
	return f, nil
}
