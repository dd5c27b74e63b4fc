package compressors

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/INLOpen/nexusdoc/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements the Compressor interface using LZ4 blocks. The
// block format does not carry the decoded size, so each block is prefixed
// with it as a uvarint.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

var errLZ4Header = errors.New("lz4: missing size header")

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(dst, src []byte) ([]byte, error) {
	dst = binary.AppendUvarint(dst, uint64(len(src)))
	if len(src) == 0 {
		return dst, nil
	}
	start := len(dst)
	bound := lz4.CompressBlockBound(len(src))
	dst = append(dst, make([]byte, bound)...)
	n, err := lz4.CompressBlock(src, dst[start:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 {
		// incompressible; store raw with a zero marker following the header
		dst = append(dst[:start], 0)
		return append(dst, src...), nil
	}
	return dst[:start+n], nil
}

func (c *LZ4Compressor) Decompress(dst, src []byte) ([]byte, error) {
	size, n := binary.Uvarint(src)
	if n <= 0 {
		return nil, errLZ4Header
	}
	if size > core.MaxRecordSize {
		return nil, fmt.Errorf("lz4: decoded size %d exceeds limit: %w", size, core.ErrRecordTooLarge)
	}
	body := src[n:]
	if size == 0 {
		return dst, nil
	}
	if len(body) == int(size)+1 && body[0] == 0 {
		return append(dst, body[1:]...), nil
	}
	start := len(dst)
	dst = append(dst, make([]byte, size)...)
	m, err := lz4.UncompressBlock(body, dst[start:])
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
	if m != int(size) {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, want %d", m, size)
	}
	return dst, nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
