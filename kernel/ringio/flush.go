package ringio

import "github.com/nmxmxh/dsplink/kernel/utils"

// Flush discards data for the caller's role after cancelling its own
// window.
//
// A soft writer flush drops committed data from the first pending
// attribute on, along with every pending attribute; with none pending it
// drops nothing. A soft reader flush skips unread data up to the next
// attribute. A hard flush drops everything the reader has not taken: the
// writer resumes at the reader's position, the reader skips to the
// writer's.
func (c *Client) Flush(hard bool) (FlushResult, error) {
	out := FlushResult{Type: AttrTypeInvalid}
	err := c.transact(func(cb *ctrlBlock, notes *[]note) error {
		out = FlushResult{Type: AttrTypeInvalid}
		if err := c.cancelLocked(cb); err != nil {
			return err
		}
		ds, as := cb.dataStream(), cb.attrStream()

		var first attrHeader
		pending := cb.Attr.Valid > 0
		if pending {
			h, _, err := c.peekAttr(cb)
			if err != nil {
				return err
			}
			first = h
			out.Type, out.Param = h.Type, h.Param
		}

		if c.role == RoleWriter {
			switch {
			case hard:
				out.Bytes = ds.dropValid()
				as.dropValid()
			case pending:
				keep := min(dist(ds.readerNext(), first.Offset, cb.Data.CurEnd), cb.Data.Valid)
				out.Bytes = ds.truncateValid(keep)
				as.dropValid()
			default:
				return nil
			}
			cb.PrevAttrOffset = ds.writerNext()
			cb.CommittedAttrOffset = cb.PrevAttrOffset
			return nil
		}

		prev := cb.Data.Empty
		n := cb.Data.Valid
		if !hard {
			avail, _, err := c.readable(cb)
			if err != nil {
				return err
			}
			n = avail
		}
		if shift := ds.skipRead(n); shift.OK {
			if err := c.rebaseAttrs(cb, shift.From); err != nil {
				return err
			}
		}
		if hard {
			as.skipRead(cb.Attr.Valid)
		}
		out.Bytes = n
		if shouldNotify(&cb.Writer, prev, cb.Data.Empty) {
			*notes = append(*notes, c.noteFor(cb, RoleWriter))
		}
		return nil
	})
	if err != nil {
		return FlushResult{Type: AttrTypeInvalid}, err
	}
	c.metrics.flush(c.role, hard, out.Bytes)
	if out.Bytes > 0 || out.Type != AttrTypeInvalid {
		c.logger.Debug("ring flushed",
			utils.Bool("hard", hard),
			utils.Uint32("bytes", out.Bytes),
			utils.Uint32("attr_type", uint32(out.Type)))
	}
	return out, nil
}
