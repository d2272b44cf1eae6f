package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrBadStreamID is returned for ids that do not follow the stream id format.
var ErrBadStreamID = errors.New("malformed stream id")

// BuildStreamID formats "{cid}_{tt}_{unix_ms}_{rid}". unix_ms is the
// creation wall clock; the id is unique per live subscription.
func BuildStreamID(cid uint32, tt TickType, createdAt time.Time, rid uint32) string {
	return fmt.Sprintf("%d_%s_%d_%d", cid, tt, createdAt.UnixMilli(), rid)
}

// StreamIDParts is a parsed stream id.
type StreamIDParts struct {
	CID    uint32
	TT     TickType
	UnixMS int64
	RID    uint32
}

// ParseStreamID splits "{cid}_{tt}_{unix_ms}_{rid}" back into its parts.
// Tick types contain underscores themselves, so the id is cut from both
// ends: cid before the first separator, unix_ms and rid behind the last two.
func ParseStreamID(id string) (StreamIDParts, error) {
	first := strings.Index(id, "_")
	if first <= 0 {
		return StreamIDParts{}, fmt.Errorf("%w: %q", ErrBadStreamID, id)
	}
	cid64, err := strconv.ParseUint(id[:first], 10, 32)
	if err != nil {
		return StreamIDParts{}, fmt.Errorf("%w: %q: bad cid", ErrBadStreamID, id)
	}

	rest := id[first+1:]
	last := strings.LastIndex(rest, "_")
	if last <= 0 {
		return StreamIDParts{}, fmt.Errorf("%w: %q", ErrBadStreamID, id)
	}
	rid64, err := strconv.ParseUint(rest[last+1:], 10, 32)
	if err != nil {
		return StreamIDParts{}, fmt.Errorf("%w: %q: bad rid", ErrBadStreamID, id)
	}

	rest = rest[:last]
	last = strings.LastIndex(rest, "_")
	if last <= 0 {
		return StreamIDParts{}, fmt.Errorf("%w: %q", ErrBadStreamID, id)
	}
	ms, err := strconv.ParseInt(rest[last+1:], 10, 64)
	if err != nil {
		return StreamIDParts{}, fmt.Errorf("%w: %q: bad timestamp", ErrBadStreamID, id)
	}

	tt, err := ParseTickType(rest[:last])
	if err != nil {
		return StreamIDParts{}, fmt.Errorf("%w: %q: %v", ErrBadStreamID, id, err)
	}

	return StreamIDParts{CID: uint32(cid64), TT: tt, UnixMS: ms, RID: uint32(rid64)}, nil
}
