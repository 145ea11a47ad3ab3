// Command aniscrobble records watched episodes and syncs them to the
// remote tracker.
package main

import (
	"context"
	"os"

	"github.com/roach88/aniscrobble/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background()))
}
