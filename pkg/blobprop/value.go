package blobprop

import (
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"
)

// Stored values start with a format byte followed by a protobuf-wire body.
const (
	formatPlain byte = 1
	formatZstd  byte = 2

	maxDecodedValue = 1 << 20
)

// Field numbers of the value body.
const (
	fieldFlags protowire.Number = iota + 1
	fieldSize
	fieldSizeUnpacked
	fieldHupDate
	fieldOwner
	fieldDateASN1
	fieldClass
	fieldDiv
	fieldUsername
	fieldID2Info
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedValue), zstd.WithDecoderConcurrency(0))
)

// EncodeValue serialises the value part of rec. SatKey and LastModified live
// in the key and are not written.
func EncodeValue(rec BlobRecord, compress bool) []byte {
	var body []byte
	body = appendVarint(body, fieldFlags, uint64(rec.Flags))
	body = appendVarint(body, fieldSize, uint64(rec.Size))
	body = appendVarint(body, fieldSizeUnpacked, uint64(rec.SizeUnpacked))
	body = appendVarint(body, fieldHupDate, uint64(rec.HupDate))
	body = appendVarint(body, fieldOwner, uint64(rec.Owner))
	body = appendVarint(body, fieldDateASN1, uint64(rec.DateASN1))
	body = appendVarint(body, fieldClass, uint64(int64(rec.Class)))
	body = appendString(body, fieldDiv, rec.Div)
	body = appendString(body, fieldUsername, rec.Username)
	body = appendString(body, fieldID2Info, rec.ID2Info)
	if compress {
		return zstdEncoder.EncodeAll(body, []byte{formatZstd})
	}
	return append([]byte{formatPlain}, body...)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// extractRecord decodes raw into the property fields of rec. It reports false
// for an empty value, an unknown format byte, a bad zstd frame, or a
// truncated or mistyped field. rec is left untouched on failure.
func extractRecord(rec *BlobRecord, raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	body := raw[1:]
	switch raw[0] {
	case formatPlain:
	case formatZstd:
		decoded, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return false
		}
		body = decoded
	default:
		return false
	}

	var out BlobRecord
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return false
		}
		body = body[n:]
		switch num {
		case fieldFlags, fieldSize, fieldSizeUnpacked, fieldHupDate, fieldOwner, fieldDateASN1, fieldClass:
			if typ != protowire.VarintType {
				return false
			}
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return false
			}
			body = body[n:]
			setVarint(&out, num, v)
		case fieldDiv, fieldUsername, fieldID2Info:
			if typ != protowire.BytesType {
				return false
			}
			v, n := protowire.ConsumeString(body)
			if n < 0 {
				return false
			}
			body = body[n:]
			setString(&out, num, v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return false
			}
			body = body[n:]
		}
	}
	out.SatKey, out.LastModified = rec.SatKey, rec.LastModified
	*rec = out
	return true
}

func setVarint(rec *BlobRecord, num protowire.Number, v uint64) {
	switch num {
	case fieldFlags:
		rec.Flags = int64(v)
	case fieldSize:
		rec.Size = int64(v)
	case fieldSizeUnpacked:
		rec.SizeUnpacked = int64(v)
	case fieldHupDate:
		rec.HupDate = int64(v)
	case fieldOwner:
		rec.Owner = int64(v)
	case fieldDateASN1:
		rec.DateASN1 = int64(v)
	case fieldClass:
		rec.Class = int32(v)
	}
}

func setString(rec *BlobRecord, num protowire.Number, v string) {
	switch num {
	case fieldDiv:
		rec.Div = v
	case fieldUsername:
		rec.Username = v
	case fieldID2Info:
		rec.ID2Info = v
	}
}
