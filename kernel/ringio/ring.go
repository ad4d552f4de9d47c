package ringio

// stream binds a geometry to the writer and reader windows over it. The
// data and attribute streams share these rules.
//
// Positions live in [0, CurEnd]. The writer's next byte is w.Start+w.Size;
// w.Start may sit at CurEnd when the writer has nothing acquired, and is
// folded back to 0 on its next reserve. It stays at CurEnd while a
// shortened end waits to be restored, until the reader lets go of its
// window. The reader's next byte is
// r.Start+r.Size, which may pass CurEnd while a window runs into the foot.
type stream struct {
	g *geometry
	w *window
	r *window
}

func (cb *ctrlBlock) dataStream() stream {
	return stream{g: &cb.Data, w: &cb.Writer.Data, r: &cb.Reader.Data}
}

func (cb *ctrlBlock) attrStream() stream {
	return stream{g: &cb.Attr, w: &cb.Writer.Attr, r: &cb.Reader.Attr}
}

// dist is the forward distance from one position to another, with
// CurEnd aliasing 0.
func dist(from, to, curEnd uint32) uint32 {
	if curEnd == 0 {
		return 0
	}
	return ((to % curEnd) + curEnd - (from % curEnd)) % curEnd
}

func (s stream) writerNext() uint32 {
	return s.w.Start + s.w.Size
}

func (s stream) readerNext() uint32 {
	p := s.r.Start + s.r.Size
	if p >= s.g.CurEnd {
		p -= s.g.CurEnd
	}
	return p
}

func (s stream) conserved() bool {
	return s.g.Valid+s.g.Empty+s.w.Size+s.r.Size == s.g.CurEnd
}

// endShift reports that positions equal to From now mean 0. Attribute
// offsets that reference the data stream must be rebased when it is set.
type endShift struct {
	From uint32
	OK   bool
}

type writeGrant struct {
	Start   uint32
	Granted uint32
	Status  Status
	Shift   endShift
}

// reserveWrite moves up to req empty bytes into the writer window. With
// exact set and a short run before CurEnd, it ends the ring early at the
// writer position so the request can be met from the head.
func (s stream) reserveWrite(req uint32, exact bool) writeGrant {
	g, w := s.g, s.w
	var out writeGrant

	if w.Size == 0 && w.Start >= g.CurEnd && g.WrapPending == 0 {
		w.Start = 0
	}
	pos := s.writerNext()
	contig := s.contiguousEmpty(pos)

	if exact && contig < req && w.Size == 0 && pos > 0 &&
		g.CurEnd == g.Size && g.Empty >= req+(g.CurEnd-pos) {
		g.Empty -= g.CurEnd - pos
		g.CurEnd = pos
		w.Start = 0
		out.Shift = endShift{From: pos, OK: true}
		if s.r.Size == 0 && s.r.Start == pos {
			// reader already caught up to the cut, the tail comes back
			s.r.Start = 0
			g.Empty += g.Size - g.CurEnd
			g.CurEnd = g.Size
		}
		pos = 0
		contig = s.contiguousEmpty(pos)
	}

	out.Start = pos
	out.Granted = min(req, contig)
	switch {
	case g.Empty < req:
		out.Status = StatusBufferFull
	case contig < req:
		out.Status = StatusBufferWrap
	default:
		out.Status = StatusSuccess
	}
	w.Size += out.Granted
	g.Empty -= out.Granted
	return out
}

func (s stream) contiguousEmpty(pos uint32) uint32 {
	if pos >= s.g.CurEnd {
		return 0
	}
	return min(s.g.Empty, s.g.CurEnd-pos)
}

func (s stream) commitWrite(n uint32) {
	s.w.Start += n
	s.w.Size -= n
	s.g.Valid += n
}

func (s stream) cancelWrite() {
	s.g.Empty += s.w.Size
	s.w.Size = 0
}

type readGrant struct {
	Start   uint32
	Granted uint32
	// Copy describes head bytes that must be mirrored into the foot so the
	// window reads linearly.
	CopySrc uint32
	CopyDst uint32
	CopyLen uint32
	Wrapped bool
}

// reserveRead moves up to min(req, avail) valid bytes into the reader
// window. A run that crosses CurEnd is served through the foot when the
// physical buffer has room, and cut at CurEnd otherwise.
func (s stream) reserveRead(req, avail uint32) readGrant {
	g, r := s.g, s.r
	pos := r.Start + r.Size
	want := min(req, avail)
	out := readGrant{Start: pos}

	var direct uint32
	if pos < g.CurEnd {
		direct = min(want, g.CurEnd-pos)
	}
	switch {
	case direct == want:
		out.Granted = want
	case g.Foot > 0 && uint64(pos)+uint64(want) <= uint64(g.Size)+uint64(g.Foot):
		out.Granted = want
		out.CopyDst = max(pos, g.CurEnd)
		if pos >= g.CurEnd {
			out.CopySrc = pos - g.CurEnd
		}
		out.CopyLen = pos + want - out.CopyDst
	default:
		out.Granted = direct
		out.Wrapped = true
	}
	r.Size += out.Granted
	g.Valid -= out.Granted
	return out
}

// consumeRead frees n bytes from the front of the reader window. Once the
// reader has passed a shortened end and holds nothing, the full buffer is
// restored.
func (s stream) consumeRead(n uint32) endShift {
	s.r.Start += n
	s.r.Size -= n
	s.g.Empty += n
	return s.wrapReader()
}

func (s stream) wrapReader() endShift {
	g := s.g
	if s.r.Start >= g.CurEnd {
		s.r.Start -= g.CurEnd
		if g.CurEnd != g.Size {
			g.WrapPending = 1
		}
	}
	if g.WrapPending != 0 && s.r.Size == 0 {
		return s.restore()
	}
	return endShift{}
}

func (s stream) restore() endShift {
	g, w := s.g, s.w
	old := g.CurEnd
	shift := endShift{From: old, OK: true}
	if w.Start == old {
		if g.Valid == 0 {
			w.Start = 0
		} else {
			// the writer keeps going into the tail that comes back
			shift.OK = false
		}
	}
	g.Empty += g.Size - old
	g.CurEnd = g.Size
	g.WrapPending = 0
	return shift
}

// cancelRead hands the reader window back as valid data. A reader that
// passed a shortened end holds nothing afterwards, so the end is restored.
func (s stream) cancelRead() endShift {
	s.g.Valid += s.r.Size
	s.r.Size = 0
	return s.wrapReader()
}

// skipRead discards n valid bytes in front of an empty reader window.
func (s stream) skipRead(n uint32) endShift {
	s.r.Start += n
	s.g.Valid -= n
	s.g.Empty += n
	return s.wrapReader()
}

// dropValid discards every committed byte the reader has not acquired and
// moves the writer back to the reader's next byte. The writer window must
// be empty.
func (s stream) dropValid() uint32 {
	n := s.g.Valid
	s.g.Empty += n
	s.g.Valid = 0
	s.w.Start = s.r.Start + s.r.Size
	if s.w.Start > s.g.CurEnd {
		s.w.Start -= s.g.CurEnd
	}
	return n
}

// truncateValid keeps the first keep committed bytes and drops the rest,
// moving the writer back to the end of what is kept. The writer window
// must be empty.
func (s stream) truncateValid(keep uint32) uint32 {
	n := s.g.Valid - keep
	s.g.Valid = keep
	s.g.Empty += n
	s.w.Start = s.r.Start + s.r.Size + keep
	for s.w.Start > s.g.CurEnd {
		s.w.Start -= s.g.CurEnd
	}
	return n
}
