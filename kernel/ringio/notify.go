package ringio

import (
	"fmt"

	"github.com/nmxmxh/dsplink/kernel/sab"
	"github.com/nmxmxh/dsplink/kernel/utils"
)

// NotifyFunc is called after a peer release crosses this client's
// watermark, or when the peer sends a message. Watermark notifications
// carry MsgWatermark.
type NotifyFunc func(c *Client, param any, msg uint16)

// MsgWatermark is the message delivered for watermark notifications.
const MsgWatermark uint16 = 0

const (
	payloadRoleShift  = 16
	payloadEntryShift = 17
	maxEntryID        = 1<<(32-payloadEntryShift) - 1
)

// note is a notification decided under the instance lock and delivered
// after it is released.
type note struct {
	proc  sab.ProcessorID
	entry uint32
	role  Role
	msg   uint16
}

func (n note) payload() uint32 {
	return n.entry<<payloadEntryShift | uint32(n.role)<<payloadRoleShift | uint32(n.msg)
}

func parsePayload(p uint32) (entry uint32, role Role, msg uint16) {
	return p >> payloadEntryShift, Role(p>>payloadRoleShift) & 1, uint16(p)
}

func threshold(rec *clientRec) uint32 {
	return max(rec.Watermark, 1)
}

// shouldNotify applies rec's policy to a count moving from prev to cur.
// Once-policies disarm themselves when they fire.
func shouldNotify(rec *clientRec, prev, cur uint32) bool {
	if rec.Open == 0 {
		return false
	}
	th := threshold(rec)
	crossed := prev < th && cur >= th
	switch NotifyType(rec.NotifyType) {
	case NotifyAlways:
		return crossed
	case NotifyOnce:
		if crossed && rec.Armed != 0 {
			rec.Armed = 0
			return true
		}
	case NotifyHdwrFifoAlways:
		return cur >= th
	case NotifyHdwrFifoOnce:
		if cur >= th && rec.Armed != 0 {
			rec.Armed = 0
			return true
		}
	}
	return false
}

// rearm re-enables a hardware-FIFO once-policy when its own count has
// dropped under the watermark.
func rearm(rec *clientRec, count uint32) {
	if NotifyType(rec.NotifyType) == NotifyHdwrFifoOnce && count < threshold(rec) {
		rec.Armed = 1
	}
}

// SetNotifier installs the policy evaluated when the peer releases. A
// once-policy is armed again by every call.
func (c *Client) SetNotifier(t NotifyType, watermark uint32, fn NotifyFunc, param any) error {
	if t > NotifyHdwrFifoOnce {
		return fmt.Errorf("%w: notify type %d", ErrInvalidArg, t)
	}
	if t != NotifyNone && fn == nil {
		return fmt.Errorf("%w: notify type %s needs a callback", ErrInvalidArg, t)
	}

	err := c.transact(func(cb *ctrlBlock, _ *[]note) error {
		if watermark > cb.Data.Size {
			return fmt.Errorf("%w: watermark %d above buffer size %d", ErrInvalidArg, watermark, cb.Data.Size)
		}
		rec := cb.client(c.role)
		rec.NotifyType = uint32(t)
		rec.Watermark = watermark
		rec.Armed = 0
		if t == NotifyOnce || t == NotifyHdwrFifoOnce {
			rec.Armed = 1
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.notifyFn = fn
	c.notifyParam = param
	c.mu.Unlock()
	c.logger.Debug("notifier set",
		utils.String("type", t.String()),
		utils.Uint32("watermark", watermark))
	return nil
}

// SendNotify delivers msg to the peer client regardless of its watermark.
func (c *Client) SendNotify(msg uint16) error {
	var n note
	err := c.transact(func(cb *ctrlBlock, _ *[]note) error {
		peer := cb.client(c.role.peer())
		if peer.Open == 0 {
			return ErrPeerNotOpen
		}
		peer.NotifyMsg = uint32(msg)
		n = note{proc: sab.ProcessorID(peer.ProcID), entry: c.entryID, role: c.role.peer(), msg: msg}
		return nil
	})
	if err != nil {
		return err
	}
	return c.svc.deliver(c.link, n, "message")
}

// notify invokes the callback installed by SetNotifier, if any.
func (c *Client) notify(msg uint16) {
	c.mu.Lock()
	fn, param, closed := c.notifyFn, c.notifyParam, c.closed
	c.mu.Unlock()
	if fn == nil || closed {
		return
	}
	fn(c, param, msg)
}
