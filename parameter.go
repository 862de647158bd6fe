package wire

import "github.com/lib/pq/oid"

// Value is the tagged-variant wire representation of a single parameter or
// column value: a type OID, a format code, and the raw bytes as received (or
// about to be sent) on the wire. A nil Bytes slice represents SQL NULL,
// distinguished on the wire by the sentinel length -1.
type Value struct {
	Oid    oid.Oid
	Format FormatCode
	Bytes  []byte
}

// IsNull reports whether v represents SQL NULL.
func (v Value) IsNull() bool {
	return v.Bytes == nil
}
