package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"replog/pkg/journal"
	"replog/pkg/replog"
	"replog/pkg/statemachine"

	"github.com/mitchellh/cli"
	"github.com/ryanuber/columnize"
)

type journalCmd struct {
	UI    cli.Ui
	flags *flag.FlagSet

	dir  string
	tail int
}

func newJournalCmd(ui cli.Ui) *journalCmd {
	c := &journalCmd{UI: ui}
	c.flags = flag.NewFlagSet("journal", flag.ContinueOnError)
	c.flags.StringVar(&c.dir, "dir", "./data/journal", "Journal directory of a stopped member.")
	c.flags.IntVar(&c.tail, "tail", 0, "Only print the last N entries. 0 prints all of them.")
	return c
}

func (c *journalCmd) Run(args []string) int {
	if err := c.flags.Parse(args); err != nil {
		return 1
	}

	j, err := journal.Open(context.Background(), c.dir, journal.Options{QueueSize: 1})
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error opening journal: %s", err))
		return 1
	}
	defer j.Close()

	entries, err := j.Replay()
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error replaying journal: %s", err))
		return 1
	}
	if len(entries) == 0 {
		c.UI.Output("journal is empty")
		return 0
	}
	if c.tail > 0 && c.tail < len(entries) {
		entries = entries[len(entries)-c.tail:]
	}

	c.UI.Output(columnize.SimpleFormat(journalRows(entries)))
	return 0
}

func journalRows(entries []replog.Entry) []string {
	rows := make([]string, 0, len(entries)+1)
	rows = append(rows, "Index|Term|Size|Op|Key")
	for _, e := range entries {
		op, key := "-", "-"
		if e.Size() > 0 {
			if cmd, err := statemachine.DecodeCmd(e.Data()); err == nil {
				op, key = cmd.Op.String(), string(cmd.Key)
			} else {
				op = "?"
			}
		}
		rows = append(rows, fmt.Sprintf("%d|%d|%d|%s|%s", e.Index(), e.Term(), e.Size(), op, key))
	}
	return rows
}

func (c *journalCmd) Synopsis() string {
	return "Prints the entries recorded in a member's journal"
}

func (c *journalCmd) Help() string {
	var b strings.Builder
	b.WriteString("Usage: replogctl journal [options]\n\n")
	b.WriteString("  Replays the journal file of a stopped member and prints its entries.\n\n")
	b.WriteString(flagUsage(c.flags))
	return b.String()
}
