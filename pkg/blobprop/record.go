package blobprop

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jacktea/psgcache/pkg/xerrors"
)

// Flag bits stored in BlobRecord.Flags.
const (
	FlagCheckFailed int64 = 1 << iota
	FlagGzip
	FlagNot4Gbu
	FlagWithdrawn
	FlagSuppress
	FlagDead
)

// BlobRecord is one version of a blob's properties. SatKey and LastModified
// come from the store key, the rest from the stored value.
type BlobRecord struct {
	SatKey       int32  `json:"sat_key" yaml:"sat_key"`
	LastModified int64  `json:"last_modified" yaml:"last_modified"`
	Flags        int64  `json:"flags" yaml:"flags"`
	Size         int64  `json:"size" yaml:"size"`
	SizeUnpacked int64  `json:"size_unpacked" yaml:"size_unpacked"`
	HupDate      int64  `json:"hup_date,omitempty" yaml:"hup_date"`
	Owner        int64  `json:"owner" yaml:"owner"`
	DateASN1     int64  `json:"date_asn1,omitempty" yaml:"date_asn1"`
	Class        int32  `json:"class" yaml:"class"`
	Div          string `json:"div,omitempty" yaml:"div"`
	Username     string `json:"username,omitempty" yaml:"username"`
	ID2Info      string `json:"id2_info,omitempty" yaml:"id2_info"`
}

func (r BlobRecord) IsDead() bool       { return r.Flags&FlagDead != 0 }
func (r BlobRecord) IsSuppressed() bool { return r.Flags&FlagSuppress != 0 }
func (r BlobRecord) IsWithdrawn() bool  { return r.Flags&FlagWithdrawn != 0 }

// Compression returns "gzip" for gzip-compressed blobs and "" otherwise.
func (r BlobRecord) Compression() string {
	if r.Flags&FlagGzip != 0 {
		return "gzip"
	}
	return ""
}

// HupReleaseDate is the date the blob leaves hold-until-published, or the
// zero time if it is already public.
func (r BlobRecord) HupReleaseDate() time.Time { return millisToTime(r.HupDate) }

// OriginalLoadDate is the date the blob was first loaded.
func (r BlobRecord) OriginalLoadDate() time.Time { return millisToTime(r.DateASN1) }

func millisToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.Unix(ms/1000, 0).UTC()
}

// id2Info is the parsed "sat.info.nchunks[.split_version]" split descriptor.
type id2Info struct {
	sat          int
	info         int
	nchunks      int
	splitVersion int
	hasVersion   bool
}

func parseID2Info(r BlobRecord) (id2Info, bool, error) {
	if r.ID2Info == "" {
		return id2Info{}, false, nil
	}
	parts := strings.Split(r.ID2Info, ".")
	if len(parts) < 3 {
		return id2Info{}, false, xerrors.E(xerrors.KindCorrupt, "id2_info", r.ID2Info)
	}
	var out id2Info
	var err error
	if parts[0] != "" {
		if out.sat, err = strconv.Atoi(parts[0]); err != nil {
			return id2Info{}, false, xerrors.Wrap(xerrors.KindCorrupt, "id2_info", r.ID2Info, err)
		}
	}
	if out.sat == 0 {
		return id2Info{}, false, nil
	}
	if out.info, err = strconv.Atoi(parts[1]); err != nil {
		return id2Info{}, false, xerrors.Wrap(xerrors.KindCorrupt, "id2_info", r.ID2Info, err)
	}
	if out.nchunks, err = strconv.Atoi(parts[2]); err != nil {
		return id2Info{}, false, xerrors.Wrap(xerrors.KindCorrupt, "id2_info", r.ID2Info, err)
	}
	if len(parts) > 3 && parts[3] != "" {
		if out.splitVersion, err = strconv.Atoi(parts[3]); err != nil {
			return id2Info{}, false, xerrors.Wrap(xerrors.KindCorrupt, "id2_info", r.ID2Info, err)
		}
		out.hasVersion = true
	}
	return out, true, nil
}

// SplitInfoBlobID returns the blob holding the split info, or the zero BlobID
// when the blob is not split.
func (r BlobRecord) SplitInfoBlobID() (BlobID, error) {
	info, ok, err := parseID2Info(r)
	if err != nil || !ok {
		return BlobID{}, err
	}
	if info.info < math.MinInt32 || info.info > math.MaxInt32 {
		return BlobID{}, xerrors.E(xerrors.KindCorrupt, "id2_info", r.ID2Info)
	}
	return BlobID{Sat: info.sat, SatKey: int32(info.info)}, nil
}

// ChunkBlobID returns the blob holding split chunk n (1-based), or the zero
// BlobID if the blob is not split or has no such chunk.
func (r BlobRecord) ChunkBlobID(n int) (BlobID, error) {
	if n <= 0 {
		return BlobID{}, nil
	}
	info, ok, err := parseID2Info(r)
	if err != nil || !ok {
		return BlobID{}, err
	}
	if info.info <= 0 || info.nchunks <= 0 || info.nchunks < n {
		return BlobID{}, nil
	}
	return BlobID{Sat: info.sat, SatKey: int32(info.info + n - info.nchunks - 1)}, nil
}

// SplitVersion returns the split version, or zero when unavailable.
func (r BlobRecord) SplitVersion() (int, error) {
	info, ok, err := parseID2Info(r)
	if err != nil || !ok || !info.hasVersion {
		return 0, err
	}
	return info.splitVersion, nil
}

// BlobID addresses a blob as satellite plus sat_key, written "sat.sat_key".
type BlobID struct {
	Sat    int
	SatKey int32
}

// IsZero reports whether id is the empty id.
func (id BlobID) IsZero() bool { return id == BlobID{} }

func (id BlobID) String() string {
	if id.IsZero() {
		return ""
	}
	return fmt.Sprintf("%d.%d", id.Sat, id.SatKey)
}

// ParseBlobID parses "sat.sat_key".
func ParseBlobID(s string) (BlobID, error) {
	const op = "blobprop.ParseBlobID"
	satStr, keyStr, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok || satStr == "" || keyStr == "" {
		return BlobID{}, xerrors.E(xerrors.KindInvalid, op, s)
	}
	sat, err := strconv.Atoi(satStr)
	if err != nil {
		return BlobID{}, xerrors.Wrap(xerrors.KindInvalid, op, s, err)
	}
	if sat < 0 {
		return BlobID{}, xerrors.E(xerrors.KindInvalid, op, s)
	}
	satKey, err := strconv.ParseInt(keyStr, 10, 32)
	if err != nil {
		return BlobID{}, xerrors.Wrap(xerrors.KindInvalid, op, s, err)
	}
	return BlobID{Sat: sat, SatKey: int32(satKey)}, nil
}
