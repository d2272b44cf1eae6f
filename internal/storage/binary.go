package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/rickgao/ibstream/internal/model"
)

// binaryCodec writes uint32-LE length-prefixed records. The payload is the
// same JSON body the text backend writes at the same schema; the prefix is
// what lets readers stop cleanly at a partial tail. Prefix and payload go
// to disk in one buffered write, so a crash never leaves a prefix without
// its payload inside a flushed batch.
type binaryCodec struct {
	schema Schema
}

func (c binaryCodec) encode(buf *bytes.Buffer, msg Message) error {
	body, err := encodeRecord(c.schema, msg)
	if err != nil {
		return err
	}
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(body)))
	buf.Write(prefix[:])
	buf.Write(body)
	return nil
}

func (c binaryCodec) next(r *bufio.Reader) (model.TickMessage, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return model.TickMessage{}, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return model.TickMessage{}, errTruncated
		}
		return model.TickMessage{}, err
	}

	n := binary.LittleEndian.Uint32(prefix[:])
	if n == 0 || n > maxRecordSize {
		return model.TickMessage{}, fmt.Errorf("bad record length %d", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return model.TickMessage{}, errTruncated
		}
		return model.TickMessage{}, err
	}
	return decodeRecord(c.schema, body)
}
