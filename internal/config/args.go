package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/srediag/shmpipe/pkg/shm"
)

// Args is the parsed command line.
type Args struct {
	Capacity int
}

// UsageError reports a malformed command line. Nothing has been created
// when it is returned.
type UsageError struct {
	Program string
	Reason  string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Program, e.Reason)
}

// Usage returns the usage line.
func (e *UsageError) Usage() string {
	return Usage(e.Program)
}

// Usage returns the usage line for program.
func Usage(program string) string {
	return fmt.Sprintf("usage: %s -m <capacity>", program)
}

// ParseArgs parses "-m <capacity>". The capacity must be a base-10 integer
// in [1, shm.MaxCapacity]; no positional arguments are accepted.
func ParseArgs(program string, args []string) (Args, error) {
	fs := flag.NewFlagSet(program, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	raw := fs.String("m", "", "ring capacity in slots")

	usage := func(format string, a ...any) error {
		return &UsageError{Program: program, Reason: fmt.Sprintf(format, a...)}
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return Args{}, usage("help requested")
		}
		return Args{}, usage("%v", err)
	}
	if fs.NArg() > 0 {
		return Args{}, usage("unexpected argument %q", fs.Arg(0))
	}
	set := false
	fs.Visit(func(f *flag.Flag) { set = set || f.Name == "m" })
	if !set {
		return Args{}, usage("missing -m")
	}
	capacity, err := strconv.ParseInt(*raw, 10, 64)
	if err != nil {
		return Args{}, usage("invalid capacity %q", *raw)
	}
	if capacity < 1 || capacity > shm.MaxCapacity {
		return Args{}, usage("capacity must be between 1 and %d, got %d", shm.MaxCapacity, capacity)
	}
	return Args{Capacity: int(capacity)}, nil
}
