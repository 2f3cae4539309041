package wire

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// MaxOutputChunk bounds the decompressed size of one output chunk.
const MaxOutputChunk = 4 << 20

var (
	zencoder *zstd.Encoder
	zdecoder *zstd.Decoder
)

func init() {
	var err error
	zencoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("wire: zstd encoder initialization failed: " + err.Error())
	}
	zdecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxOutputChunk), zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("wire: zstd decoder initialization failed: " + err.Error())
	}
}

// CompressOutput compresses a chunk of captured output.
func CompressOutput(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return zencoder.EncodeAll(raw, make([]byte, 0, len(raw)/2))
}

// DecompressOutput reverses CompressOutput.
func DecompressOutput(compressed []byte) ([]byte, error) {
	if len(compressed) == 0 {
		return nil, nil
	}
	out, err := zdecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: output: %w", ErrMalformed, err)
	}
	if len(out) > MaxOutputChunk {
		return nil, fmt.Errorf("%w: output chunk exceeds %d bytes", ErrMalformed, MaxOutputChunk)
	}
	return out, nil
}
