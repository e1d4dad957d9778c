package blobprop

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"
	"gopkg.in/yaml.v3"

	"github.com/jacktea/psgcache/pkg/keycodec"
	"github.com/jacktea/psgcache/pkg/satcache"
	"github.com/jacktea/psgcache/pkg/xerrors"
)

// BuildOptions controls Build.
type BuildOptions struct {
	Compress  bool
	Overwrite bool
}

// Build writes a new store at path with one bucket per satellite in sats.
// The file is assembled under a temporary name and renamed into place, so a
// failed build never leaves a partial store behind.
func Build(path string, sats map[int][]BlobRecord, opts BuildOptions) error {
	const op = "blobprop.Build"
	if path == "" {
		return xerrors.E(xerrors.KindInvalid, op, "path is required")
	}
	if !opts.Overwrite {
		if _, err := os.Stat(path); err == nil {
			return xerrors.E(xerrors.KindInvalid, op, path+" already exists")
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob_prop-*.tmp")
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, op, path, err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	os.Remove(tmpPath)
	defer os.Remove(tmpPath)

	db, err := bolt.Open(tmpPath, 0o644, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, op, tmpPath, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for sat, records := range sats {
			if err := writeSatellite(tx, sat, records, opts.Compress); err != nil {
				return err
			}
		}
		return nil
	})
	if cerr := db.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return xerrors.Wrap(xerrors.KindOf(err), op, path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, op, path, err)
	}
	return nil
}

type entry struct {
	key   []byte
	value []byte
}

func writeSatellite(tx *bolt.Tx, sat int, records []BlobRecord, compress bool) error {
	if sat < 0 {
		return xerrors.E(xerrors.KindInvalid, "blobprop.Build", fmt.Sprintf("satellite %d", sat))
	}
	bkt, err := tx.CreateBucket(satcache.BucketName(sat))
	if err != nil {
		return err
	}
	entries := make([]entry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, entry{
			key:   keycodec.PackKey(rec.SatKey, rec.LastModified),
			value: EncodeValue(rec, compress),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].key, entries[j].key) < 0 })
	// keys arrive sorted, so pages can be packed full
	bkt.FillPercent = 1.0
	for i, e := range entries {
		if i > 0 && bytes.Equal(entries[i-1].key, e.key) {
			satKey, lastModified, _ := keycodec.UnpackKey(e.key)
			return xerrors.E(xerrors.KindInvalid, "blobprop.Build",
				fmt.Sprintf("duplicate version %d/%d in satellite %d", satKey, lastModified, sat))
		}
		if err := bkt.Put(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

// Manifest is the YAML (or JSON) input of the build command.
type Manifest struct {
	Satellites []ManifestSatellite `yaml:"satellites"`
}

// ManifestSatellite lists the records of one satellite.
type ManifestSatellite struct {
	Sat     int          `yaml:"sat"`
	Records []BlobRecord `yaml:"records"`
}

// LoadManifest reads a manifest and groups its records by satellite.
func LoadManifest(r io.Reader) (map[int][]BlobRecord, error) {
	const op = "blobprop.LoadManifest"
	var m Manifest
	if err := yaml.NewDecoder(r).Decode(&m); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, op, "", err)
	}
	out := make(map[int][]BlobRecord, len(m.Satellites))
	for _, s := range m.Satellites {
		out[s.Sat] = append(out[s.Sat], s.Records...)
	}
	return out, nil
}
