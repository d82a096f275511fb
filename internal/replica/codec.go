package replica

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// codec compresses snapshots and WAL segments before upload. Encoders and
// decoders are pooled for reuse across tenants.
type codec struct {
	encoderPool sync.Pool
	decoderPool sync.Pool
}

func newCodec() *codec {
	return &codec{
		encoderPool: sync.Pool{
			New: func() interface{} {
				enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
				return enc
			},
		},
		decoderPool: sync.Pool{
			New: func() interface{} {
				dec, _ := zstd.NewReader(nil)
				return dec
			},
		},
	}
}

func (c *codec) compress(data []byte) ([]byte, error) {
	enc, ok := c.encoderPool.Get().(*zstd.Encoder)
	if !ok || enc == nil {
		return nil, fmt.Errorf("zstd encoder unavailable")
	}
	defer c.encoderPool.Put(enc)
	return enc.EncodeAll(data, nil), nil
}

func (c *codec) decompress(data []byte) ([]byte, error) {
	dec, ok := c.decoderPool.Get().(*zstd.Decoder)
	if !ok || dec == nil {
		return nil, fmt.Errorf("zstd decoder unavailable")
	}
	defer c.decoderPool.Put(dec)
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress object: %w", err)
	}
	return out, nil
}
