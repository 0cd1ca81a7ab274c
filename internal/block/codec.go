package block

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec is the compression applied to a stored block.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecZstd
	CodecLZ4
	CodecSnappy
)

var codecNames = map[string]Codec{
	"none":   CodecNone,
	"zstd":   CodecZstd,
	"lz4":    CodecLZ4,
	"snappy": CodecSnappy,
}

// ParseCodec maps a configured codec name to a Codec.
func ParseCodec(name string) (Codec, error) {
	c, ok := codecNames[strings.ToLower(name)]
	if !ok {
		return CodecNone, fmt.Errorf("only 'none', 'zstd', 'lz4' or 'snappy' block codecs are supported, got %q", name)
	}
	return c, nil
}

func (c Codec) String() string {
	for name, codec := range codecNames {
		if codec == c {
			return name
		}
	}
	return fmt.Sprintf("codec(%d)", uint8(c))
}

// Ext is the file name suffix of blocks stored with c.
func (c Codec) Ext() string {
	switch c {
	case CodecZstd:
		return ".zst"
	case CodecLZ4:
		return ".lz4"
	case CodecSnappy:
		return ".sz"
	default:
		return ""
	}
}

var allCodecs = []Codec{CodecNone, CodecZstd, CodecLZ4, CodecSnappy}

// Header describes a stored block.
type Header struct {
	Codec      Codec
	RawSize    uint64
	StoredSize uint64
}

// compressor holds the reusable zstd state. EncodeAll and DecodeAll are safe
// for concurrent use.
type compressor struct {
	decoder  *zstd.Decoder
	mu       sync.Mutex
	encoders map[int]*zstd.Encoder
}

func newCompressor() (*compressor, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &compressor{decoder: dec, encoders: make(map[int]*zstd.Encoder)}, nil
}

func (c *compressor) zstdEncoder(level int) (*zstd.Encoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encoders[level]; ok {
		return enc, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, err
	}
	c.encoders[level] = enc
	return enc, nil
}

// compress returns the stored form of data. Data that does not shrink is
// kept uncompressed.
func (c *compressor) compress(codec Codec, level int, data []byte) ([]byte, Codec, error) {
	var (
		out []byte
		err error
	)
	switch codec {
	case CodecNone:
		return data, CodecNone, nil
	case CodecZstd:
		var enc *zstd.Encoder
		if enc, err = c.zstdEncoder(level); err == nil {
			out = enc.EncodeAll(data, make([]byte, 0, len(data)))
		}
	case CodecLZ4:
		out, err = compressUsing(data, func(w io.Writer) io.WriteCloser { return lz4.NewWriter(w) })
	case CodecSnappy:
		out = snappy.Encode(nil, data)
	default:
		return nil, CodecNone, fmt.Errorf("unknown codec %d", codec)
	}
	if err != nil {
		return nil, CodecNone, fmt.Errorf("compress with %s: %w", codec, err)
	}
	if len(out) >= len(data) {
		return data, CodecNone, nil
	}
	return out, codec, nil
}

func (c *compressor) decompress(codec Codec, data []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil
	case CodecZstd:
		return c.decoder.DecodeAll(data, nil)
	case CodecLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	case CodecSnappy:
		return snappy.Decode(nil, data)
	default:
		return nil, fmt.Errorf("unknown codec %d", codec)
	}
}

func (c *compressor) close() {
	c.decoder.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, enc := range c.encoders {
		enc.Close()
	}
}

func compressUsing(data []byte, newWriter func(io.Writer) io.WriteCloser) ([]byte, error) {
	var buf bytes.Buffer
	w := newWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
