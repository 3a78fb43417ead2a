package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"replog/pkg/member"

	"github.com/mitchellh/cli"
	"github.com/ryanuber/columnize"
)

type statusCmd struct {
	UI    cli.Ui
	flags *flag.FlagSet

	addr    string
	timeout time.Duration
}

func newStatusCmd(ui cli.Ui) *statusCmd {
	c := &statusCmd{UI: ui}
	c.flags = flag.NewFlagSet("status", flag.ContinueOnError)
	c.flags.StringVar(&c.addr, "addr", "http://localhost:8080", "HTTP address of a running member.")
	c.flags.DurationVar(&c.timeout, "timeout", 5*time.Second, "Request timeout.")
	return c
}

func (c *statusCmd) Run(args []string) int {
	if err := c.flags.Parse(args); err != nil {
		return 1
	}

	st, err := c.fetch()
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error retrieving status: %s", err))
		return 1
	}

	c.UI.Output(columnize.SimpleFormat([]string{
		fmt.Sprintf("Member|%d", st.ID),
		fmt.Sprintf("Term|%d", st.Term),
		fmt.Sprintf("Leader|%d (self: %t)", st.Leader, st.IsLeader),
		fmt.Sprintf("Last|%d/%d", st.LastIndex, st.LastTerm),
		fmt.Sprintf("Snapshot|%d/%d", st.SnapshotIndex, st.SnapshotTerm),
		fmt.Sprintf("Entries|%d (%d bytes)", st.Size, st.DataSize),
		fmt.Sprintf("Commit|%d", st.CommitIndex),
		fmt.Sprintf("Last Applied|%d", st.LastApplied),
		fmt.Sprintf("Replicated To All|%d", st.ReplicatedToAll),
		fmt.Sprintf("Log Snapshot|%s", st.LogSnapshotState),
		fmt.Sprintf("Capture|%s", st.CaptureState),
	}))

	if len(st.Followers) > 0 {
		rows := []string{"Follower|Match|Next|Pending Snapshot"}
		for _, f := range st.Followers {
			rows = append(rows, fmt.Sprintf("%d|%d|%d|%d", f.ID, f.Match, f.Next, f.PendingSnapshot))
		}
		c.UI.Output("")
		c.UI.Output(columnize.SimpleFormat(rows))
	}
	return 0
}

func (c *statusCmd) fetch() (member.Status, error) {
	var st member.Status

	u, err := url.JoinPath(c.addr, "/api/log")
	if err != nil {
		return st, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return st, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func (c *statusCmd) Synopsis() string {
	return "Shows the log state of a running member"
}

func (c *statusCmd) Help() string {
	var b strings.Builder
	b.WriteString("Usage: replogctl status [options]\n\n")
	b.WriteString("  Queries a running member and prints its log and replication state.\n\n")
	b.WriteString(flagUsage(c.flags))
	return b.String()
}
