package storage

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rickgao/ibstream/internal/metrics"
	"github.com/rickgao/ibstream/internal/model"
)

// QueryRange streams records for one contract over [q.Start, q.End],
// merged across tick types by ts ascending. The scan is lazy: files are
// opened one at a time as the consumer drains the channel, never loaded
// whole.
func (b *fileBackend) QueryRange(ctx context.Context, q RangeQuery) (<-chan model.TickMessage, <-chan error) {
	out := make(chan model.TickMessage, 64)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)
		if err := b.scanRange(ctx, q, out); err != nil && !errors.Is(err, context.Canceled) {
			errc <- err
		}
	}()

	return out, errc
}

// lane is one tick type's cursor in the merge.
type lane struct {
	sc *partitionScanner
	m  model.TickMessage
	ok bool
}

// scanRange merges one scanner per tick type by ts. Ties go to the earlier
// tick type in the requested order, keeping the merge stable.
func (b *fileBackend) scanRange(ctx context.Context, q RangeQuery, out chan<- model.TickMessage) error {
	lanes := make([]*lane, 0, len(q.TickTypes))
	for _, tt := range q.TickTypes {
		lanes = append(lanes, &lane{
			sc: newPartitionScanner(b.cfg.Root, b.id, b.cdc, q.ContractID, tt, q.Start, q.End),
		})
	}
	defer func() {
		for _, ln := range lanes {
			ln.sc.close()
		}
	}()

	var sent uint64
	for {
		if q.Limit > 0 && sent >= q.Limit {
			return nil
		}

		best := -1
		for i, ln := range lanes {
			if !ln.ok {
				m, err := ln.sc.next()
				if err == io.EOF {
					continue
				}
				if err != nil {
					return err
				}
				ln.m, ln.ok = m, true
			}
			if best < 0 || ln.m.TS < lanes[best].m.TS {
				best = i
			}
		}
		if best < 0 {
			return nil // Every lane drained
		}

		m := lanes[best].m
		lanes[best].ok = false

		select {
		case out <- m:
			sent++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// partitionScanner streams one (contract, tick type) lane of a range scan,
// walking hour partitions forward and files within each in name order.
type partitionScanner struct {
	root  string
	id    BackendID
	cdc   codec
	cid   uint32
	tt    model.TickType
	start uint64
	end   uint64

	hour    time.Time // Next partition hour to enumerate
	endHour time.Time
	files   []string // Remaining files in the current partition
	f       *os.File
	r       *bufio.Reader
	done    bool
}

func newPartitionScanner(root string, id BackendID, cdc codec, cid uint32, tt model.TickType, start, end uint64) *partitionScanner {
	return &partitionScanner{
		root:    root,
		id:      id,
		cdc:     cdc,
		cid:     cid,
		tt:      tt,
		start:   start,
		end:     end,
		hour:    time.UnixMicro(int64(start)).UTC().Truncate(time.Hour),
		endHour: time.UnixMicro(int64(end)).UTC().Truncate(time.Hour),
	}
}

// next returns the next in-range record, crossing file and partition
// boundaries as needed. io.EOF means the lane is exhausted. A truncated
// trailing record, written concurrently by the backend, is skipped and
// counted rather than surfaced.
func (s *partitionScanner) next() (model.TickMessage, error) {
	for {
		if s.r == nil {
			if err := s.advance(); err != nil {
				return model.TickMessage{}, err
			}
		}

		m, err := s.cdc.next(s.r)
		if err == io.EOF {
			s.closeFile()
			continue
		}
		if errors.Is(err, errTruncated) {
			metrics.TruncatedTails.Inc()
			s.closeFile()
			continue
		}
		if err != nil {
			s.closeFile()
			return model.TickMessage{}, err
		}

		if m.TS < s.start || m.TS > s.end {
			continue
		}
		return m, nil
	}
}

// advance opens the next file, enumerating hour partitions forward.
// Returns io.EOF when no partitions remain.
func (s *partitionScanner) advance() error {
	for {
		if s.done {
			return io.EOF
		}

		if len(s.files) == 0 {
			if s.hour.After(s.endHour) {
				s.done = true
				return io.EOF
			}
			key := partitionOf(s.cid, s.tt, uint64(s.hour.UnixMicro()))
			dir := key.dir(s.root, s.id)
			s.hour = s.hour.Add(time.Hour)

			ents, err := os.ReadDir(dir)
			if err != nil {
				if os.IsNotExist(err) {
					continue // Hour with no data
				}
				return err
			}
			names := make([]string, 0, len(ents))
			for _, e := range ents {
				if !e.IsDir() && strings.HasSuffix(e.Name(), s.id.Ext()) {
					names = append(names, filepath.Join(dir, e.Name()))
				}
			}
			sort.Strings(names)
			s.files = names
			continue
		}

		path := s.files[0]
		s.files = s.files[1:]
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		s.f = f
		s.r = bufio.NewReader(f)
		return nil
	}
}

func (s *partitionScanner) closeFile() {
	if s.f != nil {
		s.f.Close()
		s.f = nil
	}
	s.r = nil
}

func (s *partitionScanner) close() { s.closeFile() }
