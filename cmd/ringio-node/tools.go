package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/nmxmxh/dsplink/kernel/journal"
	"github.com/nmxmxh/dsplink/kernel/sab"
	"github.com/nmxmxh/dsplink/kernel/utils"
)

// runSnapshot reads a link region straight from its file, without
// booting a node, so it never formats or initializes anything. With
// -restore it writes a previous dump back instead.
func runSnapshot(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("snapshot", flagErrorHandling)
	peer := fs.Int("peer", -1, "link to dump; first link when negative")
	out := fs.String("out", "region.br", "snapshot file")
	restore := fs.Bool("restore", false, "write -out back into the region")
	e, err := parse(fs, args)
	if err != nil {
		return err
	}

	lc := e.cfg.Links[0]
	if *peer >= 0 {
		found := false
		for _, l := range e.cfg.Links {
			if l.Peer == uint32(*peer) {
				lc, found = l, true
			}
		}
		if !found {
			return fmt.Errorf("no link to %s", sab.ProcessorID(*peer))
		}
	}

	layout, err := sab.ComputeLayout(e.cfg.LayoutSpec())
	if err != nil {
		return err
	}
	mem, err := sab.OpenSharedMemory(sab.SharedMemoryOptions{Path: lc.Path})
	if err != nil {
		return err
	}
	defer mem.Close()

	if *restore {
		f, err := os.Open(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		snap, err := sab.ReadSnapshot(f)
		if err != nil {
			return err
		}
		if err := snap.Restore(mem, layout); err != nil {
			return err
		}
		e.logger.Info("region restored", utils.String("from", *out), utils.String("region", lc.Path))
		return nil
	}

	snap, err := sab.TakeSnapshot(mem, layout)
	if err != nil {
		return err
	}
	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	n, err := snap.WriteTo(f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	e.logger.Info("region dumped",
		utils.String("region", lc.Path),
		utils.String("owner", snap.Owner.String()),
		utils.Int("raw_bytes", len(snap.Data)),
		utils.Int64("compressed_bytes", n))
	return nil
}

func runJournal(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("journal", flagErrorHandling)
	name := fs.String("name", "", "show the full history of one instance")
	limit := fs.Int("limit", 20, "events to show")
	live := fs.Bool("live", false, "list instances created and not yet deleted")
	e, err := parse(fs, args)
	if err != nil {
		return err
	}

	j, err := journal.Open(journal.Config{Path: e.cfg.Journal.Path, Logger: e.logger})
	if err != nil {
		return err
	}
	defer j.Close()

	if *live {
		names, err := j.Live(ctx)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	}

	var recs []journal.Record
	if *name != "" {
		recs, err = j.History(ctx, *name)
	} else {
		recs, err = j.Recent(ctx, *limit)
	}
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tEVENT\tNAME\tPEER\tPROC\tROLE")
	for _, r := range recs {
		role := "-"
		if r.HasRole {
			role = r.Role.String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.At.Format(time.RFC3339Nano), r.Kind, r.Name, r.Peer, r.Proc, role)
	}
	return tw.Flush()
}
