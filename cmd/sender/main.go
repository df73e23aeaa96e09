// Command sender copies standard input into the shared memory channel.
//
//	sender -m <capacity>
package main

import (
	"context"
	"os"

	"github.com/srediag/shmpipe/internal/cli"
)

func main() {
	os.Exit(cli.Run(context.Background(), cli.Sender, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
