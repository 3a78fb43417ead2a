package main

import (
	"fmt"
	"os"

	"github.com/mitchellh/cli"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ui := &cli.BasicUi{Writer: os.Stdout, ErrorWriter: os.Stderr}
	c := &cli.CLI{
		Name:     "replogctl",
		Args:     args,
		Commands: commands(ui),
		HelpFunc: cli.BasicHelpFunc("replogctl"),
	}
	code, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err)
		return 1
	}
	return code
}

func commands(ui cli.Ui) map[string]cli.CommandFactory {
	return map[string]cli.CommandFactory{
		"journal": func() (cli.Command, error) {
			return newJournalCmd(ui), nil
		},
		"snapshots": func() (cli.Command, error) {
			return newSnapshotsCmd(ui), nil
		},
		"status": func() (cli.Command, error) {
			return newStatusCmd(ui), nil
		},
	}
}
