// Package blobprop answers blob-property lookups from a pre-built,
// read-only store holding one bucket per satellite. Each stored key is
// keycodec.PackKey(sat_key, last_modified); each value is a property record
// written by EncodeValue.
package blobprop

import (
	"fmt"
	"log"
	"time"

	"github.com/jacktea/psgcache/pkg/keycodec"
	"github.com/jacktea/psgcache/pkg/metrics"
	"github.com/jacktea/psgcache/pkg/satcache"
	"github.com/jacktea/psgcache/pkg/xerrors"
)

// Config configures a Cache.
type Config struct {
	Path    string
	Timeout time.Duration
	Logger  func(format string, args ...any)
	Metrics *metrics.Metrics
}

// Cache is the blob-property lookup façade. Open it once, then call Fetch
// from any number of goroutines.
type Cache struct {
	base    *satcache.Base
	logf    func(string, ...any)
	metrics *metrics.Metrics
}

// NewCache returns a closed cache over the file at cfg.Path.
func NewCache(cfg Config) *Cache {
	logf := cfg.Logger
	if logf == nil {
		logf = log.Printf
	}
	return &Cache{
		base: satcache.New(satcache.Config{
			Path:    cfg.Path,
			Timeout: cfg.Timeout,
			Logger:  logf,
		}),
		logf:    logf,
		metrics: cfg.Metrics,
	}
}

// Open opens the store and one handle per satellite in sats. It fails if the
// file or any requested satellite is missing.
func (c *Cache) Open(sats []int) error {
	if err := c.base.Open(sats); err != nil {
		return err
	}
	c.metrics.SetSatellites(len(c.base.Satellites()))
	return nil
}

// Close releases every handle and the store. The caller must make sure no
// Fetch is still running.
func (c *Cache) Close() error {
	c.metrics.SetSatellites(0)
	return c.base.Close()
}

// Satellites lists the opened satellites.
func (c *Cache) Satellites() []int { return c.base.Satellites() }

// KeyCount returns the number of stored versions for an opened satellite.
func (c *Cache) KeyCount(sat int) (int, bool, error) {
	h, ok := c.base.Handle(sat)
	if !ok {
		return 0, false, nil
	}
	n, err := h.KeyCount()
	return n, true, err
}

// Fetch returns the records matching req, ordered by last_modified ascending
// for ModeAll. The other modes return at most one record. An unopened
// satellite or an unknown sat_key yields an empty result; records that fail
// to decode are logged and skipped. Fetch panics if the cache is not open
// or req.Mode is not one of the defined modes.
func (c *Cache) Fetch(req FetchRequest) []BlobRecord {
	out, _ := c.Lookup(req)
	return out
}

// Lookup is Fetch that also reports a failed scan. The records collected
// before the failure are still returned, so callers that only log may
// ignore the error; callers that cache results should not keep them.
func (c *Cache) Lookup(req FetchRequest) ([]BlobRecord, error) {
	if !c.base.IsOpen() {
		panic("blobprop: Fetch called on a closed cache")
	}
	if req.Mode < ModeAll || req.Mode > ModeExact {
		panic(fmt.Sprintf("blobprop: unknown fetch mode %d", int(req.Mode)))
	}
	start := time.Now()
	mode := req.Mode.String()
	h, ok := c.base.Handle(req.Sat)
	if !ok {
		c.metrics.ObserveFetch(mode, metrics.OutcomeUnopened, time.Since(start))
		return nil, nil
	}

	var out []BlobRecord
	var err error
	switch req.Mode {
	case ModeAll:
		err = h.ScanPrefix(keycodec.PackSatKey(req.SatKey), false, c.collect(req, &out, 0))
	case ModeLatest:
		err = h.ScanPrefix(keycodec.PackSatKey(req.SatKey), true, c.collect(req, &out, 1))
	case ModeAtOrBefore:
		err = h.SeekAtOrBefore(
			keycodec.PackSatKey(req.SatKey),
			keycodec.PackKey(req.SatKey, req.LastModified),
			c.collect(req, &out, 1),
		)
	case ModeExact:
		key := keycodec.PackKey(req.SatKey, req.LastModified)
		var raw []byte
		var found bool
		raw, found, err = h.Get(key)
		if err == nil && found {
			c.collect(req, &out, 1)(key, raw)
		}
	}

	outcome := metrics.OutcomeHit
	switch {
	case err != nil:
		c.logf("blobprop: fetch %s mode=%s: %v", req.BlobID(), mode, err)
		outcome = metrics.OutcomeScanError
		err = xerrors.Wrap(xerrors.KindOf(err), "blobprop.Fetch", req.BlobID().String(), err)
	case len(out) == 0:
		outcome = metrics.OutcomeMiss
	}
	c.metrics.ObserveFetch(mode, outcome, time.Since(start))
	return out, err
}

// collect returns a scan callback that appends decodable records for
// req.SatKey to out and stops after limit records (0 means no limit) or at
// the first key belonging to another sat_key.
func (c *Cache) collect(req FetchRequest, out *[]BlobRecord, limit int) func(k, v []byte) bool {
	return func(k, v []byte) bool {
		satKey, lastModified, ok := keycodec.UnpackKey(k)
		if !ok {
			c.logf("blobprop: sat %d: skipping key %x with bad length %d", req.Sat, k, len(k))
			c.metrics.RecordSkip(metrics.SkipKeyLength)
			return true
		}
		if satKey != req.SatKey {
			return false
		}
		rec := BlobRecord{SatKey: satKey, LastModified: lastModified}
		if !extractRecord(&rec, v) {
			c.logf("blobprop: sat %d: skipping malformed value for %d/%d (%d bytes)",
				req.Sat, satKey, lastModified, len(v))
			c.metrics.RecordSkip(metrics.SkipValue)
			return true
		}
		*out = append(*out, rec)
		return limit == 0 || len(*out) < limit
	}
}
