package compressors

import (
	"fmt"

	"github.com/INLOpen/nexusdoc/core"
)

var (
	none   = &NoCompressionCompressor{}
	snap   = NewSnappyCompressor()
	lz4c   = NewLz4Compressor()
	zstdc  = NewZstdCompressor()
	byType = map[core.CompressionType]core.Compressor{
		core.CompressionNone:   none,
		core.CompressionSnappy: snap,
		core.CompressionLZ4:    lz4c,
		core.CompressionZSTD:   zstdc,
	}
)

// Get returns the shared compressor for ct.
func Get(ct core.CompressionType) (core.Compressor, error) {
	c, ok := byType[ct]
	if !ok {
		return nil, fmt.Errorf("unknown compression type %d", ct)
	}
	return c, nil
}

// Decode decompresses data written with ct into a new slice.
func Decode(ct core.CompressionType, data []byte) ([]byte, error) {
	c, err := Get(ct)
	if err != nil {
		return nil, err
	}
	return c.Decompress(nil, data)
}
