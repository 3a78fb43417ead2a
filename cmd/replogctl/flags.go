package main

import (
	"flag"
	"fmt"
	"strings"
)

func flagUsage(fs *flag.FlagSet) string {
	var b strings.Builder
	b.WriteString("Options:\n\n")
	fs.VisitAll(func(f *flag.Flag) {
		fmt.Fprintf(&b, "  -%s=%s\n     %s\n\n", f.Name, f.DefValue, f.Usage)
	})
	return strings.TrimRight(b.String(), "\n")
}
