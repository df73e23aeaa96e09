// Package api defines public API contracts for shmpipe.
package api

import "io"

// Source yields the bytes to send. ReadByte returns io.EOF at the end of
// the stream; any other error aborts the transfer.
type Source interface {
	io.ByteReader
}

// Sink receives the bytes of the stream in order. Flush is called before the
// receiver blocks waiting for more data and once after the last byte.
type Sink interface {
	io.ByteWriter
	Flush() error
}
