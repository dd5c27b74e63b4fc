package compressors

import "github.com/INLOpen/nexusdoc/core"

// NoCompressionCompressor copies data through unchanged.
type NoCompressionCompressor struct{}

var _ core.Compressor = (*NoCompressionCompressor)(nil)

func (c *NoCompressionCompressor) Compress(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

func (c *NoCompressionCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

func (c *NoCompressionCompressor) Type() core.CompressionType {
	return core.CompressionNone
}
