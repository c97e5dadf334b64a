package index

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	responsecache "github.com/wolfeidau/response-cache"
)

// Record describes one cache entry as seen when it was stored.
// The sidecar on disk stays authoritative for expiry; records exist so the
// original URL of an entry directory can be listed.
type Record struct {
	Dir           string
	URL           string
	Kind          responsecache.Kind
	StoredAt      time.Time
	Expiry        time.Time
	KeepIfExpired bool
	Size          int64
}

// Field numbers of the record wire format.
const (
	fieldURL           protowire.Number = 1
	fieldKind          protowire.Number = 2
	fieldStoredAt      protowire.Number = 3
	fieldExpiry        protowire.Number = 4
	fieldKeepIfExpired protowire.Number = 5
	fieldSize          protowire.Number = 6
	fieldChecksum      protowire.Number = 15
)

var (
	errInvalidRecord   = errors.New("invalid record")
	errCorruptRecord   = errors.New("record checksum mismatch")
	errMissingChecksum = errors.New("record has no checksum")
)

// marshalRecord encodes r in protobuf wire format. Dir is the bucket key and
// is not part of the value. The last field is a BLAKE3 checksum of the bytes
// before it.
func marshalRecord(r Record) []byte {
	b := make([]byte, 0, 32+len(r.URL))
	b = protowire.AppendTag(b, fieldURL, protowire.BytesType)
	b = protowire.AppendString(b, r.URL)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Kind))
	b = protowire.AppendTag(b, fieldStoredAt, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.StoredAt.UnixNano()))
	b = protowire.AppendTag(b, fieldExpiry, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.Expiry.Unix()))
	if r.KeepIfExpired {
		b = protowire.AppendTag(b, fieldKeepIfExpired, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	b = protowire.AppendTag(b, fieldSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Size)) //nolint:gosec // sizes are non-negative

	sum := responsecache.HashBytes(b)
	b = protowire.AppendTag(b, fieldChecksum, protowire.BytesType)
	b = protowire.AppendBytes(b, sum[:])
	return b
}

// unmarshalRecord decodes a value written by marshalRecord and verifies its
// checksum. Unknown fields are skipped.
func unmarshalRecord(dir string, b []byte) (Record, error) {
	r := Record{Dir: dir}
	full := b
	var sum, want responsecache.Hash
	for len(b) > 0 {
		offset := len(full) - len(b)
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Record{}, fmt.Errorf("%w: %w", errInvalidRecord, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldURL && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: url: %w", errInvalidRecord, protowire.ParseError(n))
			}
			r.URL = v
			b = b[n:]
		case num == fieldChecksum && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 || len(v) != responsecache.HashSize {
				return Record{}, fmt.Errorf("%w: checksum", errInvalidRecord)
			}
			copy(sum[:], v)
			want = responsecache.HashBytes(full[:offset])
			b = b[n:]
		case typ == protowire.VarintType && num >= fieldKind && num <= fieldSize:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: field %d: %w", errInvalidRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldKind:
				r.Kind = responsecache.Kind(v) //nolint:gosec // small enum
			case fieldStoredAt:
				r.StoredAt = time.Unix(0, protowire.DecodeZigZag(v))
			case fieldExpiry:
				r.Expiry = time.Unix(protowire.DecodeZigZag(v), 0)
			case fieldKeepIfExpired:
				r.KeepIfExpired = protowire.DecodeBool(v)
			case fieldSize:
				r.Size = int64(v) //nolint:gosec // written from a non-negative int64
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: field %d: %w", errInvalidRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if sum.IsZero() {
		return Record{}, errMissingChecksum
	}
	if sum != want {
		return Record{}, fmt.Errorf("%w: got %s, want %s", errCorruptRecord, sum.ShortString(), want.ShortString())
	}
	return r, nil
}
