package ringio

import "fmt"

// maxAttrPayload is the largest payload a record header can describe.
const maxAttrPayload = 0xFFFF

// SetAttribute attaches a fixed attribute at offset bytes into the
// acquired window, or at the next byte to be written when nothing is
// acquired.
func (c *Client) SetAttribute(offset uint32, typ uint16, param uint32) error {
	return c.setAttribute(offset, typ, param, nil)
}

// SetVAttribute is SetAttribute with a variable payload carried alongside
// the header.
func (c *Client) SetVAttribute(offset uint32, typ uint16, param uint32, payload []byte) error {
	return c.setAttribute(offset, typ, param, payload)
}

func (c *Client) setAttribute(offset uint32, typ uint16, param uint32, payload []byte) error {
	if c.role != RoleWriter {
		return fmt.Errorf("%w: attributes are set by the writer", ErrInvalidArg)
	}
	if typ == AttrTypeInvalid {
		return fmt.Errorf("%w: attribute type %#x", ErrInvalidArg, typ)
	}
	if len(payload) > maxAttrPayload {
		return fmt.Errorf("%w: attribute payload of %d bytes", ErrInvalidArg, len(payload))
	}

	err := c.transact(func(cb *ctrlBlock, _ *[]note) error {
		w := cb.Writer.Data
		if offset > w.Size {
			return fmt.Errorf("%w: offset %d outside acquired %d", ErrInvalidArg, offset, w.Size)
		}
		abs := w.Start + offset
		if cb.Writer.Attr.Size > 0 && abs < cb.PrevAttrOffset {
			return fmt.Errorf("%w: offset %d before previous attribute", ErrInvalidArg, offset)
		}
		// on a full buffer the writer's end is the reader's start, and an
		// attribute there would read as due before any of the data
		if cb.Data.Empty == 0 && offset == w.Size {
			return fmt.Errorf("%w: attribute at the end of a full buffer", ErrWrongState)
		}
		if cb.Attr.Size == 0 {
			return ErrAttrBufferFull
		}

		rec := recordSize(uint32(len(payload)))
		as := cb.attrStream()
		g := as.reserveWrite(rec, true)
		if g.Granted < rec {
			return fmt.Errorf("%w: need %d bytes, %d free", ErrAttrBufferFull, rec, cb.Attr.Empty+g.Granted)
		}

		body := c.attr[g.Start+attrHeaderSize : g.Start+rec]
		n := copy(body, payload)
		clear(body[n:])
		writeHeader(c.attr, g.Start, attrHeader{
			Type:       typ,
			Size:       uint16(len(payload)),
			Offset:     abs,
			PrevOffset: cb.PrevAttrOffset,
			Param:      param,
		})
		if err := c.syncAttr(g.Start, rec, true); err != nil {
			return failure("writeback attribute", err)
		}
		cb.PrevAttrOffset = abs
		if w.Size == 0 {
			as.commitWrite(rec)
			cb.CommittedAttrOffset = abs
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.metrics.attribute("set")
	return nil
}

// GetAttribute takes the attribute at the reader's position. A variable
// attribute fails with ErrVariableAttribute; use GetVAttribute for those.
func (c *Client) GetAttribute() (Attribute, Status, error) {
	return c.getAttribute(nil, false)
}

// GetVAttribute takes the attribute at the reader's position and copies
// its payload into buf. When buf is too short the attribute stays pending
// and the returned Attribute carries the size needed.
func (c *Client) GetVAttribute(buf []byte) (Attribute, Status, error) {
	return c.getAttribute(buf, true)
}

func (c *Client) getAttribute(buf []byte, variable bool) (Attribute, Status, error) {
	out := Attribute{Type: AttrTypeInvalid}
	if c.role != RoleReader {
		return out, StatusSuccess, fmt.Errorf("%w: attributes are read by the reader", ErrInvalidArg)
	}

	status := StatusSuccess
	err := c.transact(func(cb *ctrlBlock, _ *[]note) error {
		h, pos, err := c.peekAttr(cb)
		if err != nil {
			return err
		}
		if d := dist(cb.dataStream().readerNext(), h.Offset, cb.Data.CurEnd); d != 0 {
			return fmt.Errorf("%w: %d bytes before the next attribute", ErrPendingData, d)
		}
		out = Attribute{Type: h.Type, Param: h.Param, Size: uint32(h.Size)}
		if h.Size > 0 && (!variable || len(buf) < int(h.Size)) {
			return fmt.Errorf("%w: payload of %d bytes", ErrVariableAttribute, h.Size)
		}

		rec := recordSize(uint32(h.Size))
		if h.Size > 0 {
			if err := c.syncAttr(pos+attrHeaderSize, rec-attrHeaderSize, false); err != nil {
				return failure("invalidate attribute", err)
			}
			start := pos + attrHeaderSize
			out.Payload = buf[:h.Size]
			copy(out.Payload, c.attr[start:start+uint32(h.Size)])
		}

		as := cb.attrStream()
		as.r.Size += rec
		cb.Attr.Valid -= rec
		if cb.Reader.Data.Size == 0 {
			// nothing acquired that the attribute could still be tied to
			as.consumeRead(as.r.Size)
		}

		if cb.Attr.Valid > 0 {
			next, _, err := c.peekAttr(cb)
			if err != nil {
				return err
			}
			if next.Offset == h.Offset {
				status = StatusPendingAttribute
			}
		}
		return nil
	})
	if err != nil {
		return out, StatusSuccess, err
	}
	c.metrics.attribute("get")
	return out, status, nil
}

func (c *Client) attrAt(pos uint32) (attrHeader, error) {
	if err := c.syncAttr(pos, attrHeaderSize, false); err != nil {
		return attrHeader{}, failure("invalidate attribute", err)
	}
	return readHeader(c.attr, pos), nil
}

func (c *Client) putAttr(pos uint32, h attrHeader) error {
	writeHeader(c.attr, pos, h)
	if err := c.syncAttr(pos, attrHeaderSize, true); err != nil {
		return failure("writeback attribute", err)
	}
	return nil
}

// eachAttr walks the records in n bytes of the attribute stream starting
// at from. fn returns false to stop.
func (c *Client) eachAttr(s stream, from, n uint32, fn func(pos uint32, h attrHeader) (bool, error)) error {
	pos := from
	for n > 0 {
		if pos >= s.g.CurEnd {
			pos -= s.g.CurEnd
		}
		h, err := c.attrAt(pos)
		if err != nil {
			return err
		}
		more, err := fn(pos, h)
		if err != nil || !more {
			return err
		}
		rec := recordSize(uint32(h.Size))
		if rec > n {
			return fmt.Errorf("%w: attribute record at %d overruns the stream", ErrFailure, pos)
		}
		pos += rec
		n -= rec
	}
	return nil
}

// peekAttr reads the next attribute the reader has not taken.
func (c *Client) peekAttr(cb *ctrlBlock) (attrHeader, uint32, error) {
	if cb.Attr.Valid == 0 {
		return attrHeader{}, 0, ErrNoAttribute
	}
	pos := cb.attrStream().readerNext()
	h, err := c.attrAt(pos)
	return h, pos, err
}

// rebaseAttrs rewrites data offsets equal to from as 0 after the data
// stream's end moved.
func (c *Client) rebaseAttrs(cb *ctrlBlock, from uint32) error {
	as := cb.attrStream()
	live := as.r.Size + cb.Attr.Valid + as.w.Size
	err := c.eachAttr(as, as.r.Start, live, func(pos uint32, h attrHeader) (bool, error) {
		if h.Offset != from && h.PrevOffset != from {
			return true, nil
		}
		if h.Offset == from {
			h.Offset = 0
		}
		if h.PrevOffset == from {
			h.PrevOffset = 0
		}
		return true, c.putAttr(pos, h)
	})
	if err != nil {
		return err
	}
	if cb.PrevAttrOffset == from {
		cb.PrevAttrOffset = 0
	}
	if cb.CommittedAttrOffset == from {
		cb.CommittedAttrOffset = 0
	}
	return nil
}

// commitAttrs publishes the writer's pending records that fall within the
// first k bytes of its data window.
func (c *Client) commitAttrs(cb *ctrlBlock, k uint32) error {
	as := cb.attrStream()
	start := cb.Writer.Data.Start
	var n uint32
	err := c.eachAttr(as, as.w.Start, as.w.Size, func(_ uint32, h attrHeader) (bool, error) {
		if h.Offset-start > k {
			return false, nil
		}
		n += recordSize(uint32(h.Size))
		cb.CommittedAttrOffset = h.Offset
		return true, nil
	})
	if err != nil {
		return err
	}
	if n > 0 {
		as.commitWrite(n)
	}
	return nil
}

// freeReadAttrs drops the records the reader took whose offsets fall
// within the first k bytes of its data window.
func (c *Client) freeReadAttrs(cb *ctrlBlock, k uint32) error {
	as := cb.attrStream()
	start := cb.Reader.Data.Start
	var n uint32
	err := c.eachAttr(as, as.r.Start, as.r.Size, func(_ uint32, h attrHeader) (bool, error) {
		if dist(start, h.Offset, cb.Data.CurEnd) > k {
			return false, nil
		}
		n += recordSize(uint32(h.Size))
		return true, nil
	})
	if err != nil {
		return err
	}
	if n > 0 {
		as.consumeRead(n)
	}
	return nil
}
