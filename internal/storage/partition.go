package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rickgao/ibstream/internal/model"
)

// partitionKey identifies one (contract, tick type, UTC hour) file set.
type partitionKey struct {
	CID   uint32
	TT    model.TickType
	Year  int
	Month time.Month
	Day   int
	Hour  int
}

// partitionOf computes the partition for a broker timestamp. Partitioning
// follows broker event time, not system receive time.
func partitionOf(cid uint32, tt model.TickType, ts uint64) partitionKey {
	t := time.UnixMicro(int64(ts)).UTC()
	return partitionKey{
		CID:   cid,
		TT:    tt,
		Year:  t.Year(),
		Month: t.Month(),
		Day:   t.Day(),
		Hour:  t.Hour(),
	}
}

// start returns the first instant of the partition hour.
func (k partitionKey) start() time.Time {
	return time.Date(k.Year, k.Month, k.Day, k.Hour, 0, 0, 0, time.UTC)
}

// dir returns the partition directory for one backend:
// <root>/<encoding>/<schema>/<cid>/<tt>/<YYYY>/<MM>/<DD>/<HH>.
func (k partitionKey) dir(root string, id BackendID) string {
	return filepath.Join(root,
		string(id.Encoding), string(id.Schema),
		fmt.Sprintf("%d", k.CID), string(k.TT),
		fmt.Sprintf("%04d", k.Year), fmt.Sprintf("%02d", int(k.Month)),
		fmt.Sprintf("%02d", k.Day), fmt.Sprintf("%02d", k.Hour),
	)
}

// fileName builds the partition file name from the timestamp of its first
// record, so size rotations inside one hour produce distinct names that
// still sort in time order.
func (k partitionKey) fileName(id BackendID, firstTS uint64) string {
	t := time.UnixMicro(int64(firstTS)).UTC()
	return fmt.Sprintf("%d_%s_%s%s", k.CID, k.TT, t.Format("150405"), id.Ext())
}

// partitionFile is one exclusively-owned open partition file.
type partitionFile struct {
	key  partitionKey
	path string
	f    *os.File
	size int64
}

// openPartitionFile creates the partition directories on first use and
// opens the file append-only.
func openPartitionFile(root string, id BackendID, key partitionKey, firstTS uint64) (*partitionFile, error) {
	dir := key.dir(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create partition dir: %w", err)
	}

	path := filepath.Join(dir, key.fileName(id, firstTS))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open partition file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat partition file: %w", err)
	}

	return &partitionFile{key: key, path: path, f: f, size: st.Size()}, nil
}

// write appends one encoded buffer and tracks the file size.
func (p *partitionFile) write(b []byte) error {
	n, err := p.f.Write(b)
	p.size += int64(n)
	return err
}

// close syncs then closes. Rotation and shutdown both come through here,
// which is what bounds data loss to the rotate interval.
func (p *partitionFile) close() error {
	if err := p.f.Sync(); err != nil {
		p.f.Close()
		return err
	}
	return p.f.Close()
}
