package model

import (
	"errors"
	"fmt"
	"strconv"
)

// RawTick is the variant payload exactly as the broker driver delivers it.
// Time is unix seconds (the broker's convention); the encoder owns the µs
// conversion.
type RawTick struct {
	TT   TickType
	Time int64 // Unix seconds

	// bid_ask
	BidPrice    float64
	BidSize     float64
	AskPrice    float64
	AskSize     float64
	BidPastLow  bool
	AskPastHigh bool

	// last / all_last
	Price      float64
	Size       float64
	Unreported bool

	// mid_point
	MidPoint float64
}

// FromRaw encodes a driver callback into canonical compact form. cid and rid
// come from the upstream request entry the tick matched; st is the receive
// stamp taken when the callback fired.
func FromRaw(raw RawTick, cid, rid uint32, st uint64) (TickMessage, error) {
	if raw.Time < 0 {
		return TickMessage{}, fmt.Errorf("negative event time %d", raw.Time)
	}
	ts := uint64(raw.Time) * 1e6
	switch raw.TT {
	case TickTypeBidAsk:
		return NewBidAskTick(ts, st, cid, rid,
			raw.BidPrice, raw.BidSize, raw.AskPrice, raw.AskSize,
			raw.BidPastLow, raw.AskPastHigh), nil
	case TickTypeLast, TickTypeAllLast:
		return NewLastTick(raw.TT, ts, st, cid, rid, raw.Price, raw.Size, raw.Unreported), nil
	case TickTypeMidPoint:
		return NewMidPointTick(ts, st, cid, rid, raw.MidPoint), nil
	default:
		return TickMessage{}, fmt.Errorf("%w: %q", ErrInvalidTickType, raw.TT)
	}
}

// ToVerbose renders m in the legacy v2 schema. The envelope timestamp is the
// system receive stamp; metadata carries the ids as decimal strings.
func (m *TickMessage) ToVerbose(streamID string) VerboseTick {
	return VerboseTick{
		Type:      EventTick,
		StreamID:  streamID,
		Timestamp: FormatMicros(m.ST),
		Data: VerboseData{
			BidPrice:    m.BidPrice,
			BidSize:     m.BidSize,
			AskPrice:    m.AskPrice,
			AskSize:     m.AskSize,
			BidPastLow:  m.BidPastLow,
			AskPastHigh: m.AskPastHigh,
			Price:       m.Price,
			Size:        m.Size,
			Unreported:  m.Unreported,
			MidPoint:    m.MidPoint,
			UnixTime:    m.TS,
		},
		Metadata: TickMetadata{
			ContractID: strconv.FormatUint(uint64(m.CID), 10),
			TickType:   string(m.TT),
			RequestID:  strconv.FormatUint(uint64(m.RID), 10),
			Source:     SourceLive,
		},
	}
}

// ErrMissingRequestID rejects verbose input whose metadata lacks the broker
// request id. Synthesizing one is forbidden: the rid is canonical.
var ErrMissingRequestID = errors.New("verbose tick missing metadata.request_id")

// FromVerbose converts a legacy v2 tick back to canonical compact form. The
// rid is taken verbatim from metadata.request_id. st comes from the envelope
// timestamp and is informational.
func FromVerbose(v VerboseTick) (TickMessage, error) {
	tt, err := ParseTickType(v.Metadata.TickType)
	if err != nil {
		return TickMessage{}, err
	}
	if v.Metadata.RequestID == "" {
		return TickMessage{}, ErrMissingRequestID
	}
	rid64, err := strconv.ParseUint(v.Metadata.RequestID, 10, 32)
	if err != nil {
		return TickMessage{}, fmt.Errorf("parse request_id %q: %w", v.Metadata.RequestID, err)
	}
	cid64, err := strconv.ParseUint(v.Metadata.ContractID, 10, 32)
	if err != nil {
		return TickMessage{}, fmt.Errorf("parse contract_id %q: %w", v.Metadata.ContractID, err)
	}

	var st uint64
	if v.Timestamp != "" {
		st, err = ParseTimestamp(v.Timestamp)
		if err != nil {
			return TickMessage{}, err
		}
	}

	m := TickMessage{
		TS:  v.Data.UnixTime,
		ST:  st,
		CID: uint32(cid64),
		TT:  tt,
		RID: uint32(rid64),
	}
	switch tt {
	case TickTypeBidAsk:
		m.BidPrice = clone(v.Data.BidPrice)
		m.BidSize = clone(v.Data.BidSize)
		m.AskPrice = clone(v.Data.AskPrice)
		m.AskSize = clone(v.Data.AskSize)
		m.BidPastLow = v.Data.BidPastLow
		m.AskPastHigh = v.Data.AskPastHigh
	case TickTypeLast, TickTypeAllLast:
		m.Price = clone(v.Data.Price)
		m.Size = clone(v.Data.Size)
		m.Unreported = v.Data.Unreported
	case TickTypeMidPoint:
		m.MidPoint = clone(v.Data.MidPoint)
	}
	return m, nil
}

func clone(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
