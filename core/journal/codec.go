package journal

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"

	"github.com/calderadb/caldera/core/dberr"
)

// Compression selects the journal payload codec.
type Compression string

const (
	CompressionNone   Compression = ""
	CompressionSnappy Compression = "snappy"
	CompressionLZ4    Compression = "lz4"
)

// codec compresses keys, records and changeset page images. A payload is
// stored raw whenever compression does not make it strictly smaller, so a
// stored size equal to the raw size always means "not compressed".
type codec struct {
	kind Compression
}

func (c codec) compress(src []byte) ([]byte, int) {
	if len(src) == 0 {
		return src, 0
	}
	switch c.kind {
	case CompressionSnappy:
		out := snappy.Encode(nil, src)
		if len(out) < len(src) {
			return out, len(out)
		}
	case CompressionLZ4:
		out := make([]byte, lz4.CompressBlockBound(len(src)))
		var compressor lz4.Compressor
		n, err := compressor.CompressBlock(src, out)
		if err == nil && n > 0 && n < len(src) {
			return out[:n], n
		}
	}
	return src, len(src)
}

func (c codec) decompress(src []byte, rawLen int) ([]byte, error) {
	if len(src) == rawLen {
		out := make([]byte, rawLen)
		copy(out, src)
		return out, nil
	}
	switch c.kind {
	case CompressionSnappy:
		out, err := snappy.Decode(nil, src)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy journal payload: %v", dberr.ErrCorrupt, err)
		}
		if len(out) != rawLen {
			return nil, fmt.Errorf("%w: journal payload inflates to %d, expected %d",
				dberr.ErrCorrupt, len(out), rawLen)
		}
		return out, nil
	case CompressionLZ4:
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(src, out)
		if err != nil || n != rawLen {
			return nil, fmt.Errorf("%w: lz4 journal payload: %v", dberr.ErrCorrupt, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: compressed journal payload without codec", dberr.ErrCorrupt)
	}
}
