package buffer

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/pgwiremock/pgwiremock/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	w := NewWriter(discardLogger(), &buf)
	w.Start(types.ServerDataRow)
	w.AddInt16(2)
	w.AddInt32(5)
	w.AddString("hello")
	w.AddNullTerminate()
	w.AddByte('!')
	if err := w.End(); err != nil {
		t.Fatalf("End: %v", err)
	}

	r := NewReader(discardLogger(), &buf, 0)
	typ, _, err := r.ReadTypedMsg()
	if err != nil {
		t.Fatalf("ReadTypedMsg: %v", err)
	}
	if types.ServerMessage(typ) != types.ServerDataRow {
		t.Fatalf("unexpected message type %v", typ)
	}

	n, err := r.GetUint16()
	if err != nil || n != 2 {
		t.Fatalf("GetUint16: %d, %v", n, err)
	}

	size, err := r.GetInt32()
	if err != nil || size != 5 {
		t.Fatalf("GetInt32: %d, %v", size, err)
	}

	s, err := r.GetString()
	if err != nil {
		t.Fatalf("GetString: %v", err)
	}
	if s != "hello" {
		t.Fatalf("expected hello, got %q", s)
	}

	b, err := r.GetBytes(1)
	if err != nil || b[0] != '!' {
		t.Fatalf("GetBytes: %v %v", b, err)
	}
}

func TestReaderRejectsOversizedMessage(t *testing.T) {
	var buf bytes.Buffer

	w := NewWriter(discardLogger(), &buf)
	w.Start(types.ServerDataRow)
	w.AddBytes(make([]byte, 64))
	if err := w.End(); err != nil {
		t.Fatalf("End: %v", err)
	}

	r := NewReader(discardLogger(), &buf, 16)
	_, _, err := r.ReadTypedMsg()
	if err == nil {
		t.Fatal("expected an error for a message exceeding MaxMessageSize")
	}
	if !errors.Is(err, ErrMessageSizeExceeded) {
		t.Fatalf("expected ErrMessageSizeExceeded in chain, got %v", err)
	}

	exceeded, ok := UnwrapMessageSizeExceeded(err)
	if !ok {
		t.Fatalf("expected to unwrap message size details from %v", err)
	}
	if exceeded.Max != 16 {
		t.Fatalf("unexpected max %d", exceeded.Max)
	}
}

func TestGetStringMissingNulTerminator(t *testing.T) {
	r := &Reader{Msg: []byte("no terminator")}
	_, err := r.GetString()
	if err == nil {
		t.Fatal("expected a missing-nul-terminator error")
	}
}
