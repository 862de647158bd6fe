package wire

import (
	"fmt"

	"github.com/lib/pq/oid"
	"github.com/pgwiremock/pgwiremock/pkg/buffer"
	"github.com/pgwiremock/pgwiremock/pkg/types"
)

// Columns represent a collection of columns, the Go embodiment of the
// RowDescription column list.
type Columns []Column

// Define writes the RowDescription header for the given columns. formats, if
// non-nil, supplies a per-column result format negotiated by Bind; it is nil
// while describing a statement, before any format has been chosen.
func (columns Columns) Define(writer *buffer.Writer, formats []FormatCode) error {
	writer.Start(types.ServerRowDescription)
	writer.AddInt16(int16(len(columns)))

	for index, column := range columns {
		format := column.Format
		if len(formats) == 1 {
			format = formats[0]
		} else if len(formats) > index {
			format = formats[index]
		}
		column.Format = format
		column.Define(writer)
	}

	return writer.End()
}

// Write writes a single DataRow for srcs using the column type table and the
// negotiated result formats.
func (columns Columns) Write(writer *buffer.Writer, formats []FormatCode, srcs []any) error {
	if len(srcs) != len(columns) {
		return fmt.Errorf("unexpected columns, %d columns are defined inside the given table but %d were given", len(columns), len(srcs))
	}

	writer.Start(types.ServerDataRow)
	writer.AddInt16(int16(len(columns)))

	for index, column := range columns {
		format := column.Format
		if len(formats) == 1 {
			format = formats[0]
		} else if len(formats) > index {
			format = formats[index]
		}

		if err := column.Write(writer, format, srcs[index]); err != nil {
			return err
		}
	}

	return writer.End()
}

// Column represents a table column and its attributes such as name, type and
// encode formatter.
// https://www.postgresql.org/docs/8.3/catalog-pg-attribute.html
type Column struct {
	Table        int32  // table id
	Name         string // column name
	AttrNo       int16  // column attribute no (optional)
	Oid          oid.Oid
	Width        int16
	TypeModifier int32
	Format       FormatCode
}

// Define writes the column header values to the given writer. This is used
// to define a column inside a RowDescription message.
func (column Column) Define(writer *buffer.Writer) {
	writer.AddString(column.Name)
	writer.AddNullTerminate()
	writer.AddInt32(column.Table)
	writer.AddInt16(column.AttrNo)
	writer.AddInt32(int32(column.Oid))
	writer.AddInt16(column.Width)
	writer.AddInt32(column.TypeModifier)
	writer.AddInt16(int16(column.Format))
}

// Write encodes src using the column's type codec and the negotiated wire
// format, appending the length-prefixed result to writer. A nil src encodes
// as SQL NULL (length -1, no bytes).
func (column Column) Write(writer *buffer.Writer, format FormatCode, src any) error {
	if src == nil {
		writer.AddInt32(-1)
		return nil
	}

	c := lookupCodec(column.Oid)

	var bb []byte
	var err error
	if format == BinaryFormat {
		bb, err = c.encodeBinary(src)
	} else {
		bb, err = c.encodeText(src)
	}
	if err != nil {
		return err
	}

	writer.AddInt32(int32(len(bb)))
	writer.AddBytes(bb)

	return nil
}
