package storage

import (
	"bufio"
	"bytes"
	"io"

	"github.com/rickgao/ibstream/internal/model"
)

// jsonCodec writes one JSON object per line, newline-terminated. The
// newline doubles as the record frame: a trailing line without one is a
// record mid-write.
type jsonCodec struct {
	schema Schema
}

func (c jsonCodec) encode(buf *bytes.Buffer, msg Message) error {
	body, err := encodeRecord(c.schema, msg)
	if err != nil {
		return err
	}
	buf.Write(body)
	buf.WriteByte('\n')
	return nil
}

func (c jsonCodec) next(r *bufio.Reader) (model.TickMessage, error) {
	line, err := r.ReadBytes('\n')
	if err == io.EOF {
		if len(line) > 0 {
			return model.TickMessage{}, errTruncated
		}
		return model.TickMessage{}, io.EOF
	}
	if err != nil {
		return model.TickMessage{}, err
	}
	return decodeRecord(c.schema, bytes.TrimSuffix(line, []byte("\n")))
}
