package transport

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Row batches compress well (repeated keys and payload structure), so the
// NATS transport runs zstd over every payload. Encoders and decoders are
// pooled; zstd's stateless EncodeAll/DecodeAll paths are safe for reuse.

var encoderPool = sync.Pool{
	New: func() any {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		return enc
	},
}

var decoderPool = sync.Pool{
	New: func() any {
		dec, _ := zstd.NewReader(nil)
		return dec
	},
}

func compress(data []byte) []byte {
	enc := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(enc)
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2))
}

func decompress(data []byte) ([]byte, error) {
	dec := decoderPool.Get().(*zstd.Decoder)
	defer decoderPool.Put(dec)
	return dec.DecodeAll(data, nil)
}
