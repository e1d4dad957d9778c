// Package satcache owns a read-only bbolt file holding one bucket per
// satellite and hands out per-satellite handles for lookups.
//
// The file is built offline and never written by this package. After Open
// returns, every method is safe for concurrent use; Open and Close are not.
package satcache

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/psgcache/pkg/xerrors"
)

// Config configures a Base.
type Config struct {
	Path    string
	Timeout time.Duration
	Logger  func(format string, args ...any)
}

// Base manages the environment handle and the per-satellite handles.
type Base struct {
	cfg  Config
	logf func(string, ...any)
	cur  atomic.Pointer[state]
}

// state is the opened file plus its handles. It is never mutated after Open
// publishes it, so readers may use it without locking.
type state struct {
	db      *bolt.DB
	handles map[int]*Handle
}

// New returns a closed Base for the file at cfg.Path.
func New(cfg Config) *Base {
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	logf := cfg.Logger
	if logf == nil {
		logf = log.Printf
	}
	return &Base{cfg: cfg, logf: logf}
}

// BucketName returns the bucket that holds satellite sat.
func BucketName(sat int) []byte {
	return []byte(strconv.Itoa(sat))
}

// Open attaches to the file and to one bucket per requested satellite. A
// missing file or a missing satellite bucket fails the whole call and leaves
// the Base closed.
func (b *Base) Open(sats []int) error {
	const op = "satcache.Open"
	if b.cur.Load() != nil {
		return xerrors.E(xerrors.KindInvalid, op, "already open")
	}
	if b.cfg.Path == "" {
		return xerrors.E(xerrors.KindInvalid, op, "path is required")
	}
	if len(sats) == 0 {
		return xerrors.E(xerrors.KindInvalid, op, "no satellites requested")
	}
	if _, err := os.Stat(b.cfg.Path); err != nil {
		return xerrors.Wrap(xerrors.KindNotFound, op, b.cfg.Path, err)
	}
	db, err := bolt.Open(b.cfg.Path, 0o400, &bolt.Options{
		ReadOnly: true,
		Timeout:  b.cfg.Timeout,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.KindOf(err), op, b.cfg.Path, err)
	}
	handles := make(map[int]*Handle, len(sats))
	err = db.View(func(tx *bolt.Tx) error {
		for _, sat := range sats {
			if _, ok := handles[sat]; ok {
				continue
			}
			name := BucketName(sat)
			if tx.Bucket(name) == nil {
				return xerrors.E(xerrors.KindNotFound, op, fmt.Sprintf("satellite %d", sat))
			}
			h := &Handle{sat: sat, name: name}
			h.db.Store(db)
			handles[sat] = h
		}
		return nil
	})
	if err != nil {
		db.Close()
		return err
	}
	b.cur.Store(&state{db: db, handles: handles})
	b.logf("satcache: opened %s with %d satellites", b.cfg.Path, len(handles))
	return nil
}

// IsOpen reports whether Open succeeded and Close has not been called.
func (b *Base) IsOpen() bool { return b.cur.Load() != nil }

// Path returns the configured file path.
func (b *Base) Path() string { return b.cfg.Path }

// Handle returns the handle for sat, or false if sat was never opened.
func (b *Base) Handle(sat int) (*Handle, bool) {
	st := b.cur.Load()
	if st == nil {
		return nil, false
	}
	h, ok := st.handles[sat]
	return h, ok
}

// Satellites lists the opened satellites in ascending order.
func (b *Base) Satellites() []int {
	st := b.cur.Load()
	if st == nil {
		return nil
	}
	out := make([]int, 0, len(st.handles))
	for sat := range st.handles {
		out = append(out, sat)
	}
	sort.Ints(out)
	return out
}

// Close detaches the satellite handles and then closes the file. Lookups
// already inside a read transaction finish first; later ones on a stale
// handle fail with KindClosed. Calling Close on a closed Base is a no-op.
func (b *Base) Close() error {
	st := b.cur.Swap(nil)
	if st == nil {
		return nil
	}
	for _, h := range st.handles {
		h.db.Store(nil)
	}
	return st.db.Close()
}

// Handle is a read-only view of one satellite's bucket.
type Handle struct {
	sat  int
	name []byte
	db   atomic.Pointer[bolt.DB]
}

// Satellite returns the satellite id the handle serves.
func (h *Handle) Satellite() int { return h.sat }

func (h *Handle) view(fn func(*bolt.Bucket) error) error {
	db := h.db.Load()
	if db == nil {
		return xerrors.E(xerrors.KindClosed, "satcache", fmt.Sprintf("satellite %d", h.sat))
	}
	return db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(h.name)
		if bkt == nil {
			return xerrors.E(xerrors.KindNotFound, "satcache", fmt.Sprintf("satellite %d", h.sat))
		}
		return fn(bkt)
	})
}

// Get returns a copy of the value stored under key.
func (h *Handle) Get(key []byte) ([]byte, bool, error) {
	var out []byte
	var found bool
	err := h.view(func(bkt *bolt.Bucket) error {
		v := bkt.Get(key)
		if v == nil {
			return nil
		}
		out = append(make([]byte, 0, len(v)), v...)
		found = true
		return nil
	})
	return out, found, err
}

// ScanPrefix calls fn for every key starting with prefix, in ascending order
// or, when reverse is set, descending. fn returning false stops the scan.
// k and v are only valid for the duration of the call.
func (h *Handle) ScanPrefix(prefix []byte, reverse bool, fn func(k, v []byte) bool) error {
	return h.view(func(bkt *bolt.Bucket) error {
		c := bkt.Cursor()
		if !reverse {
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				if !fn(k, v) {
					return nil
				}
			}
			return nil
		}
		var k, v []byte
		if upper := prefixSuccessor(prefix); upper == nil {
			k, v = c.Last()
		} else if k, v = c.Seek(upper); k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
			if !fn(k, v) {
				return nil
			}
		}
		return nil
	})
}

// SeekAtOrBefore positions on the greatest key <= key that still starts with
// prefix and walks backward from there, calling fn until it returns false or
// the prefix no longer matches.
func (h *Handle) SeekAtOrBefore(prefix, key []byte, fn func(k, v []byte) bool) error {
	return h.view(func(bkt *bolt.Bucket) error {
		c := bkt.Cursor()
		k, v := c.Seek(key)
		switch {
		case k == nil:
			k, v = c.Last()
		case !bytes.Equal(k, key):
			k, v = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
			if !fn(k, v) {
				return nil
			}
		}
		return nil
	})
}

// KeyCount returns the number of keys in the satellite's bucket.
func (h *Handle) KeyCount() (int, error) {
	var n int
	err := h.view(func(bkt *bolt.Bucket) error {
		n = bkt.Stats().KeyN
		return nil
	})
	return n, err
}

// prefixSuccessor returns the smallest key greater than every key with the
// given prefix, or nil when no such key exists (prefix is all 0xff).
func prefixSuccessor(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
