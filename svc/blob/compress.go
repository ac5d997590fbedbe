package blob

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Codec tags are written as the first byte of every stored frame and must
// not be renumbered.
type Codec uint8

const (
	CodecNone Codec = 0
	CodecLZ4  Codec = 1
	CodecZstd Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	}
	return fmt.Sprintf("unknown(%d)", uint8(c))
}

func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	}
	return 0, errors.Errorf("unknown compression %q", name)
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("blob: zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
	if err != nil {
		panic("blob: zstd decoder: " + err.Error())
	}
}

const frameHeader = 1 + 4

// encodeFrame lays out tag | uncompressed length (u32 BE) | payload. Data
// that does not shrink is stored raw under CodecNone.
func encodeFrame(data []byte, c Codec) ([]byte, error) {
	var payload []byte
	switch c {
	case CodecNone:
	case CodecZstd:
		payload = zstdEncoder.EncodeAll(data, nil)
	case CodecLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, errors.Wrap(err, "lz4 compress")
		}
		payload = buf[:n]
	default:
		return nil, errors.Errorf("unsupported codec %d", c)
	}
	if c == CodecNone || len(payload) == 0 || len(payload) >= len(data) {
		c, payload = CodecNone, data
	}
	out := make([]byte, frameHeader+len(payload))
	out[0] = byte(c)
	binary.BigEndian.PutUint32(out[1:frameHeader], uint32(len(data)))
	copy(out[frameHeader:], payload)
	return out, nil
}

func decodeFrame(frame []byte) ([]byte, error) {
	if len(frame) < frameHeader {
		return nil, errors.New("blob frame truncated")
	}
	c := Codec(frame[0])
	size := int(binary.BigEndian.Uint32(frame[1:frameHeader]))
	payload := frame[frameHeader:]
	switch c {
	case CodecNone:
		if len(payload) != size {
			return nil, errors.Errorf("raw frame: size %d, header says %d", len(payload), size)
		}
		return payload, nil
	case CodecZstd:
		out, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, errors.Wrap(err, "zstd decompress")
		}
		if len(out) != size {
			return nil, errors.Errorf("zstd frame: got %d bytes, want %d", len(out), size)
		}
		return out, nil
	case CodecLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, errors.Wrap(err, "lz4 decompress")
		}
		if n != size {
			return nil, errors.Errorf("lz4 frame: got %d bytes, want %d", n, size)
		}
		return out, nil
	}
	return nil, errors.Errorf("unknown codec tag %d", frame[0])
}
