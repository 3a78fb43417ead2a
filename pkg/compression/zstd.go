package compression

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ZstdCodec keeps one encoder and decoder; both are safe for concurrent
// EncodeAll/DecodeAll calls.
type ZstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewZstd() (*ZstdCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &ZstdCodec{enc: enc, dec: dec}, nil
}

func (c *ZstdCodec) Kind() Kind { return Zstd }

func (c *ZstdCodec) Encode(src []byte) []byte {
	return c.enc.EncodeAll(src, make([]byte, 0, len(src)))
}

func (c *ZstdCodec) Decode(src []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}
