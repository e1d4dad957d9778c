package blobprop

import (
	"strings"

	"github.com/jacktea/psgcache/pkg/xerrors"
)

// Mode selects which versions of a sat_key a fetch returns.
type Mode int

const (
	// ModeAll returns every version, oldest first.
	ModeAll Mode = iota
	// ModeLatest returns the most recent version.
	ModeLatest
	// ModeAtOrBefore returns the most recent version with
	// last_modified <= FetchRequest.LastModified.
	ModeAtOrBefore
	// ModeExact returns the version with exactly FetchRequest.LastModified.
	ModeExact
)

func (m Mode) String() string {
	switch m {
	case ModeAll:
		return "all"
	case ModeLatest:
		return "latest"
	case ModeAtOrBefore:
		return "at_or_before"
	case ModeExact:
		return "exact"
	default:
		return "unknown"
	}
}

// ParseMode parses the names produced by Mode.String. The empty string means
// ModeAll.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return ModeAll, nil
	case "latest":
		return ModeLatest, nil
	case "at_or_before", "at-or-before":
		return ModeAtOrBefore, nil
	case "exact":
		return ModeExact, nil
	default:
		return 0, xerrors.E(xerrors.KindInvalid, "blobprop.ParseMode", s)
	}
}

// FetchRequest describes one lookup. LastModified is only read by
// ModeAtOrBefore and ModeExact.
type FetchRequest struct {
	Sat          int
	SatKey       int32
	Mode         Mode
	LastModified int64
}

// RequestAll asks for every version of id.
func RequestAll(id BlobID) FetchRequest {
	return FetchRequest{Sat: id.Sat, SatKey: id.SatKey, Mode: ModeAll}
}

// RequestLatest asks for the newest version of id.
func RequestLatest(id BlobID) FetchRequest {
	return FetchRequest{Sat: id.Sat, SatKey: id.SatKey, Mode: ModeLatest}
}

// RequestAtOrBefore asks for the newest version of id not newer than t.
func RequestAtOrBefore(id BlobID, t int64) FetchRequest {
	return FetchRequest{Sat: id.Sat, SatKey: id.SatKey, Mode: ModeAtOrBefore, LastModified: t}
}

// RequestExact asks for the version of id stamped exactly t.
func RequestExact(id BlobID, t int64) FetchRequest {
	return FetchRequest{Sat: id.Sat, SatKey: id.SatKey, Mode: ModeExact, LastModified: t}
}

// BlobID returns the blob the request addresses.
func (r FetchRequest) BlobID() BlobID { return BlobID{Sat: r.Sat, SatKey: r.SatKey} }
