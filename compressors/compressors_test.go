package compressors

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressors_RoundTrip(t *testing.T) {
	random := make([]byte, 4096)
	_, err := rand.Read(random)
	require.NoError(t, err)

	inputs := map[string][]byte{
		"empty":      {},
		"short":      []byte("hello"),
		"repetitive": bytes.Repeat([]byte("document "), 500),
		"random":     random,
	}

	for _, ct := range []core.CompressionType{core.CompressionNone, core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		c, err := Get(ct)
		require.NoError(t, err)
		assert.Equal(t, ct, c.Type())

		for name, in := range inputs {
			t.Run(ct.String()+"/"+name, func(t *testing.T) {
				prefix := []byte("hdr")
				out, err := c.Compress(append([]byte(nil), prefix...), in)
				require.NoError(t, err)
				require.True(t, bytes.HasPrefix(out, prefix), "compress must append to dst")

				decoded, err := Decode(ct, out[len(prefix):])
				require.NoError(t, err)
				assert.Equal(t, len(in), len(decoded))
				assert.True(t, bytes.Equal(in, decoded))
			})
		}
	}
}

func TestCompressors_Repetitive_Shrinks(t *testing.T) {
	in := bytes.Repeat([]byte("abcdefgh"), 1024)
	for _, ct := range []core.CompressionType{core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		c, err := Get(ct)
		require.NoError(t, err)
		out, err := c.Compress(nil, in)
		require.NoError(t, err)
		assert.Less(t, len(out), len(in)/4, ct.String())
	}
}

func TestCompressors_CorruptInput(t *testing.T) {
	_, err := Decode(core.CompressionSnappy, []byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
	_, err = Decode(core.CompressionLZ4, nil)
	assert.Error(t, err)
	_, err = Decode(core.CompressionZSTD, []byte("not a zstd frame"))
	assert.Error(t, err)
	_, err = Get(core.CompressionType(99))
	assert.Error(t, err)
}
