// Package codec encodes cache values for storage, conditionally
// compressing them with zstd.
package codec

import (
	"github.com/klauspost/compress/zstd"

	"github.com/tiercache/tiercache/pkg/errors"
)

// Envelope layout: [magic][flag][payload]. The flag records whether
// the payload is zstd-compressed so entries stay self-describing
// across the local and remote tiers.
const (
	envelopeMagic = 0x7C
	flagRaw       = 0x00
	flagZstd      = 0x01
	headerSize    = 2
)

// minSavingsRatio: compression is kept only when the compressed
// payload is at most 80% of the raw size (>=20% savings), otherwise
// the raw bytes are stored.
const minSavingsRatio = 0.8

// Codec encodes and decodes value envelopes. Safe for concurrent use;
// the zstd encoder and decoder are stateless in EncodeAll/DecodeAll
// mode.
type Codec struct {
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// New creates a codec that compresses payloads larger than
// thresholdBytes.
func New(thresholdBytes int) (*Codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSerialization, "failed to create zstd encoder")
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSerialization, "failed to create zstd decoder")
	}
	return &Codec{
		threshold: thresholdBytes,
		encoder:   encoder,
		decoder:   decoder,
	}, nil
}

// Encode wraps value in an envelope, compressing only above the
// threshold and only when compression saves at least 20%. Returns the
// stored bytes and whether they are compressed.
func (c *Codec) Encode(value []byte) ([]byte, bool, error) {
	if len(value) >= c.threshold && c.threshold > 0 {
		compressed := c.encoder.EncodeAll(value, make([]byte, headerSize, headerSize+len(value)/2))
		compressed[0] = envelopeMagic
		compressed[1] = flagZstd

		if float64(len(compressed)-headerSize) <= float64(len(value))*minSavingsRatio {
			return compressed, true, nil
		}
	}

	stored := make([]byte, headerSize+len(value))
	stored[0] = envelopeMagic
	stored[1] = flagRaw
	copy(stored[headerSize:], value)
	return stored, false, nil
}

// Decode unwraps a stored envelope. A malformed envelope or failed
// decompression yields a CORRUPT_ENTRY error; callers treat that as a
// miss and purge the entry so one bad value never poisons others.
func (c *Codec) Decode(stored []byte) ([]byte, error) {
	if len(stored) < headerSize || stored[0] != envelopeMagic {
		return nil, errors.New(errors.ErrCodeCorruptEntry, "malformed cache envelope")
	}

	payload := stored[headerSize:]
	switch stored[1] {
	case flagRaw:
		value := make([]byte, len(payload))
		copy(value, payload)
		return value, nil
	case flagZstd:
		value, err := c.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeCorruptEntry, "zstd decompression failed")
		}
		return value, nil
	default:
		return nil, errors.Newf(errors.ErrCodeCorruptEntry, "unknown envelope flag 0x%02x", stored[1])
	}
}

// Compressed reports whether stored bytes carry a compressed payload
// without decoding them.
func (c *Codec) Compressed(stored []byte) bool {
	return len(stored) >= headerSize && stored[0] == envelopeMagic && stored[1] == flagZstd
}

// Close releases the zstd encoder and decoder.
func (c *Codec) Close() {
	_ = c.encoder.Close()
	c.decoder.Close()
}
