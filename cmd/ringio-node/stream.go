package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/nmxmxh/dsplink/kernel/ringio"
	"github.com/nmxmxh/dsplink/kernel/sab"
	"github.com/nmxmxh/dsplink/kernel/utils"
)

// Attribute types the writer brackets a stream with.
const (
	attrStreamStart uint16 = 0x0100
	attrStreamEnd   uint16 = 0x0101
)

// Notifications can be disabled on a link, so every wait also polls.
const pollInterval = 50 * time.Millisecond

type waker chan struct{}

func newWaker() waker {
	return make(waker, 1)
}

func (w waker) notify(*ringio.Client, any, uint16) {
	select {
	case w <- struct{}{}:
	default:
	}
}

func (w waker) wait(ctx context.Context) error {
	t := time.NewTimer(pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w:
	case <-t.C:
	}
	return nil
}

func runWriter(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("write", flagErrorHandling)
	name := fs.String("name", "ring", "instance name")
	create := fs.Bool("create", true, "create the instance before opening it")
	peer := fs.Int("peer", -1, "processor the instance is shared with; first link when negative")
	size := fs.Uint("size", 64*1024, "data buffer size")
	foot := fs.Uint("foot", 0, "foot buffer size")
	attrSize := fs.Uint("attr-size", 256, "attribute buffer size")
	ctrlPool := fs.Uint("ctrl-pool", 0, "pool for the control block")
	dataPool := fs.Uint("data-pool", 1, "pool for the data buffer")
	attrPool := fs.Uint("attr-pool", 1, "pool for the attribute buffer")
	lockPool := fs.Uint("lock-pool", 0, "pool for the instance lock")
	total := fs.Uint64("bytes", 1<<20, "bytes to send")
	chunk := fs.Uint("chunk", 4096, "bytes per acquire")
	exact := fs.Bool("exact", false, "request exact-size grants")
	e, err := parse(fs, args)
	if err != nil {
		return err
	}
	if *chunk == 0 {
		return fmt.Errorf("chunk must be positive")
	}

	n, stop, err := boot(ctx, e)
	if err != nil {
		return err
	}
	defer stop()
	svc := n.Service()

	if *create {
		target := sab.ProcessorID(e.cfg.Links[0].Peer)
		if *peer >= 0 {
			target = sab.ProcessorID(*peer)
		}
		err := svc.Create(ctx, target, *name, ringio.Attrs{
			Transport: transportFor(n.Local(), target),
			CtrlPool:  uint32(*ctrlPool),
			DataPool:  uint32(*dataPool),
			AttrPool:  uint32(*attrPool),
			LockPool:  uint32(*lockPool),
			DataSize:  uint32(*size),
			FootSize:  uint32(*foot),
			AttrSize:  uint32(*attrSize),
		})
		if err != nil && !errors.Is(err, ringio.ErrAlreadyExists) {
			return err
		}
	}

	var flags ringio.Flags
	if *exact {
		flags |= ringio.FlagNeedExactSize
	}
	w, err := svc.Open(ctx, *name, ringio.ModeWriter, flags)
	if err != nil {
		return err
	}
	defer w.Close()

	snap, err := w.Snapshot()
	if err != nil {
		return err
	}
	if snap.AttrSize == 0 {
		return fmt.Errorf("%s has no attribute buffer to mark the stream with", *name)
	}
	wake := newWaker()
	if err := w.SetNotifier(ringio.NotifyAlways, min(uint32(*chunk), snap.Size), wake.notify, nil); err != nil {
		return err
	}

	logger := e.logger.With(utils.String("ring", *name))
	if err := setAttr(ctx, w, wake, attrStreamStart, uint32(*total), nil); err != nil {
		return err
	}

	h := xxhash.New()
	start := time.Now()
	var sent uint64
	for sent < *total {
		want := uint64(*chunk)
		if left := *total - sent; left < want {
			want = left
		}
		buf, _, err := w.Acquire(uint32(want))
		if err != nil {
			return err
		}
		if len(buf) == 0 {
			if err := wake.wait(ctx); err != nil {
				return err
			}
			continue
		}
		fill(buf, sent)
		h.Write(buf)
		if err := w.Release(uint32(len(buf))); err != nil {
			return err
		}
		sent += uint64(len(buf))
	}

	digest := make([]byte, 8)
	binary.LittleEndian.PutUint64(digest, h.Sum64())
	if err := setAttr(ctx, w, wake, attrStreamEnd, 0, digest); err != nil {
		return err
	}
	logger.Info("stream written",
		utils.Uint64("bytes", sent),
		utils.String("xxhash", fmt.Sprintf("%016x", h.Sum64())),
		utils.Duration("elapsed", time.Since(start)))
	return nil
}

// setAttr places an attribute at the current write position, waiting for
// the reader to free space when either buffer is full.
func setAttr(ctx context.Context, w *ringio.Client, wake waker, typ uint16, param uint32, payload []byte) error {
	for {
		var err error
		if payload != nil {
			err = w.SetVAttribute(0, typ, param, payload)
		} else {
			err = w.SetAttribute(0, typ, param)
		}
		if !errors.Is(err, ringio.ErrAttrBufferFull) && !errors.Is(err, ringio.ErrWrongState) {
			return err
		}
		if err := wake.wait(ctx); err != nil {
			return err
		}
	}
}

func runReader(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("read", flagErrorHandling)
	name := fs.String("name", "ring", "instance name")
	chunk := fs.Uint("chunk", 4096, "bytes per acquire")
	e, err := parse(fs, args)
	if err != nil {
		return err
	}
	if *chunk == 0 {
		return fmt.Errorf("chunk must be positive")
	}

	n, stop, err := boot(ctx, e)
	if err != nil {
		return err
	}
	defer stop()

	rd, err := openWhenCreated(ctx, n.Service(), *name)
	if err != nil {
		return err
	}
	defer rd.Close()

	wake := newWaker()
	if err := rd.SetNotifier(ringio.NotifyAlways, 1, wake.notify, nil); err != nil {
		return err
	}

	logger := e.logger.With(utils.String("ring", *name))
	h := xxhash.New()
	payload := make([]byte, 64)
	var got uint64
	for {
		buf, status, err := rd.Acquire(uint32(*chunk))
		if err != nil {
			return err
		}
		if len(buf) > 0 {
			h.Write(buf)
			got += uint64(len(buf))
			if err := rd.Release(uint32(len(buf))); err != nil {
				return err
			}
			continue
		}
		if status != ringio.StatusPendingAttribute {
			if err := wake.wait(ctx); err != nil {
				return err
			}
			continue
		}

		attr, _, err := rd.GetVAttribute(payload)
		if err != nil {
			return err
		}
		switch attr.Type {
		case attrStreamStart:
			logger.Info("stream started", utils.Uint32("announced_bytes", attr.Param))
			h.Reset()
			got = 0
		case attrStreamEnd:
			if len(attr.Payload) < 8 {
				return fmt.Errorf("end of stream attribute carries %d bytes, want 8", len(attr.Payload))
			}
			want := binary.LittleEndian.Uint64(attr.Payload)
			if want != h.Sum64() {
				return fmt.Errorf("digest mismatch after %d bytes: got %016x, writer sent %016x", got, h.Sum64(), want)
			}
			logger.Info("stream complete",
				utils.Uint64("bytes", got),
				utils.String("xxhash", fmt.Sprintf("%016x", want)))
			return nil
		default:
			logger.Debug("attribute", utils.Int("type", int(attr.Type)), utils.Uint32("param", attr.Param))
		}
	}
}

// openWhenCreated retries Open until the writer side has created name.
func openWhenCreated(ctx context.Context, svc *ringio.Service, name string) (*ringio.Client, error) {
	for {
		rd, err := svc.Open(ctx, name, ringio.ModeReader, 0)
		if err == nil {
			return rd, nil
		}
		if !errors.Is(err, ringio.ErrNotFound) && !errors.Is(err, ringio.ErrWrongState) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func transportFor(local, peer sab.ProcessorID) ringio.TransportType {
	if local.IsGPP() || peer.IsGPP() {
		return ringio.TransportGPPDSP
	}
	return ringio.TransportDSPDSP
}

// fill writes a position-dependent pattern so the reader's digest catches
// reordered or duplicated bytes.
func fill(buf []byte, pos uint64) {
	for i := range buf {
		p := pos + uint64(i)
		buf[i] = byte(p ^ p>>8)
	}
}
