package main

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"replog/pkg/snapshot"

	"github.com/mitchellh/cli"
	"github.com/ryanuber/columnize"
)

type snapshotsCmd struct {
	UI    cli.Ui
	flags *flag.FlagSet

	path string
}

func newSnapshotsCmd(ui cli.Ui) *snapshotsCmd {
	c := &snapshotsCmd{UI: ui}
	c.flags = flag.NewFlagSet("snapshots", flag.ContinueOnError)
	c.flags.StringVar(&c.path, "path", "./data/snapshots.db", "Snapshot store of a stopped member.")
	return c
}

func (c *snapshotsCmd) Run(args []string) int {
	if err := c.flags.Parse(args); err != nil {
		return 1
	}

	store, err := snapshot.NewBoltStore(c.path)
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error opening snapshot store: %s", err))
		return 1
	}
	defer store.Close()

	snaps, err := store.List()
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error listing snapshots: %s", err))
		return 1
	}
	if len(snaps) == 0 {
		c.UI.Output("no snapshots")
		return 0
	}

	rows := []string{"ID|Last Applied|Last|Unapplied|State Bytes|Created"}
	for _, s := range snaps {
		rows = append(rows, fmt.Sprintf("%s|%d/%d|%d/%d|%d|%d|%s",
			s.ID, s.LastAppliedIndex, s.LastAppliedTerm, s.LastIndex, s.LastTerm,
			len(s.UnAppliedEntries), len(s.State), s.CreatedAt.Format(time.RFC3339)))
	}
	c.UI.Output(columnize.SimpleFormat(rows))
	return 0
}

func (c *snapshotsCmd) Synopsis() string {
	return "Lists the snapshots kept by a member"
}

func (c *snapshotsCmd) Help() string {
	var b strings.Builder
	b.WriteString("Usage: replogctl snapshots [options]\n\n")
	b.WriteString("  Lists the snapshots in a member's bolt store, oldest first.\n\n")
	b.WriteString(flagUsage(c.flags))
	return b.String()
}
