package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/rickgao/ibstream/internal/model"
)

// errTruncated marks a partial trailing record in a partition that is still
// being written. Readers skip it rather than failing the scan.
var errTruncated = errors.New("truncated trailing record")

// maxRecordSize guards binary reads against corrupt length prefixes.
const maxRecordSize = 1 << 20

// codec encodes and decodes one record of a backend's on-disk format.
type codec interface {
	// encode appends one message onto buf as a single record.
	encode(buf *bytes.Buffer, msg Message) error

	// next reads the next record. Returns io.EOF at a clean end of file
	// and errTruncated for a partial trailing record.
	next(r *bufio.Reader) (model.TickMessage, error)
}

// newCodec picks the codec for one backend.
func newCodec(id BackendID) codec {
	if id.Encoding == EncodingProtobuf {
		return binaryCodec{schema: id.Schema}
	}
	return jsonCodec{schema: id.Schema}
}

// encodeRecord renders the JSON body for one message at the given schema.
// The binary encoding wraps the same body in a length prefix.
func encodeRecord(schema Schema, msg Message) ([]byte, error) {
	if schema == SchemaVerbose {
		return json.Marshal(verboseRecord(msg))
	}
	return json.Marshal(msg.Tick)
}

// decodeRecord parses one record body back to the canonical compact form.
func decodeRecord(schema Schema, body []byte) (model.TickMessage, error) {
	if schema == SchemaVerbose {
		var v model.VerboseTick
		if err := json.Unmarshal(body, &v); err != nil {
			return model.TickMessage{}, err
		}
		return model.FromVerbose(v)
	}
	var t model.TickMessage
	if err := json.Unmarshal(body, &t); err != nil {
		return model.TickMessage{}, err
	}
	return t, nil
}

// verboseRecord renders the stored v2 form. The stream id is synthesized
// from the tick's own identity, so a v2 row parses back to the same rid it
// was captured with.
func verboseRecord(msg Message) model.VerboseTick {
	t := msg.Tick
	id := model.BuildStreamID(t.CID, t.TT, time.UnixMicro(int64(t.TS)).UTC(), t.RID)
	return t.ToVerbose(id)
}
