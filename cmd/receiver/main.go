// Command receiver copies the shared memory channel to standard output.
//
//	receiver -m <capacity>
package main

import (
	"context"
	"os"

	"github.com/srediag/shmpipe/internal/cli"
)

func main() {
	os.Exit(cli.Run(context.Background(), cli.Receiver, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
