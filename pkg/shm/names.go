package shm

import (
	"fmt"
	"os"
)

// Names holds the POSIX names of the three objects backing a channel.
type Names struct {
	Segment  string
	WriteSem string
	ReadSem  string
}

// NamesFor derives the channel names for the given identity, normally a uid.
// Independent processes of the same user compute the same names; different
// users never collide.
func NamesFor(id int) Names {
	base := 1000 * uint64(id)
	return Names{
		Segment:  fmt.Sprintf("/%d", base),
		WriteSem: fmt.Sprintf("/%d", base+1),
		ReadSem:  fmt.Sprintf("/%d", base+2),
	}
}

// DefaultNames derives the channel names from the calling user's uid.
func DefaultNames() Names {
	return NamesFor(os.Getuid())
}

// IsZero reports whether no name is set.
func (n Names) IsZero() bool {
	return n == Names{}
}
