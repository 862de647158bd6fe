package wire

import (
	"github.com/pgwiremock/pgwiremock/pkg/buffer"
	"github.com/pgwiremock/pgwiremock/pkg/types"
)

// commandComplete announces that the requested command has successfully been
// executed. The given tag is written back to the client, e.g. "SELECT 1" or
// "INSERT 0 3".
func commandComplete(writer *buffer.Writer, tag string) error {
	writer.Start(types.ServerCommandComplete)
	writer.AddString(tag)
	writer.AddNullTerminate()
	return writer.End()
}

func emptyQueryResponse(writer *buffer.Writer) error {
	writer.Start(types.ServerEmptyQuery)
	return writer.End()
}

func noData(writer *buffer.Writer) error {
	writer.Start(types.ServerNoData)
	return writer.End()
}

func noticeResponse(writer *buffer.Writer, message string) error {
	writer.Start(types.ServerNoticeResponse)
	writer.AddByte('S')
	writer.AddString("NOTICE")
	writer.AddNullTerminate()
	writer.AddByte('C')
	writer.AddString("00000")
	writer.AddNullTerminate()
	writer.AddByte('M')
	writer.AddString(message)
	writer.AddNullTerminate()
	writer.AddNullTerminate()
	return writer.End()
}
