package rpc

import (
	"google.golang.org/protobuf/encoding/protowire"

	storageerrors "github.com/devrev/shelfdb/internal/errors"
)

// Encoder builds a protobuf-compatible message field by field.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an encoder with room for sizeHint bytes.
func NewEncoder(sizeHint int) *Encoder {
	return &Encoder{buf: make([]byte, 0, sizeHint)}
}

func (e *Encoder) Bytes(num protowire.Number, v []byte) *Encoder {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, v)
	return e
}

func (e *Encoder) String(num protowire.Number, v string) *Encoder {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, v)
	return e
}

func (e *Encoder) Uint64(num protowire.Number, v uint64) *Encoder {
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
	return e
}

// Int64 uses zigzag encoding.
func (e *Encoder) Int64(num protowire.Number, v int64) *Encoder {
	return e.Uint64(num, protowire.EncodeZigZag(v))
}

func (e *Encoder) Bool(num protowire.Number, v bool) *Encoder {
	return e.Uint64(num, protowire.EncodeBool(v))
}

func (e *Encoder) Encode() []byte {
	return e.buf
}

// Field is one decoded field. Varint holds the value of varint fields and
// Bytes the payload of length-delimited ones.
type Field struct {
	Num    protowire.Number
	Type   protowire.Type
	Varint uint64
	Bytes  []byte
}

func (f Field) Int64() int64  { return protowire.DecodeZigZag(f.Varint) }
func (f Field) Bool() bool    { return protowire.DecodeBool(f.Varint) }
func (f Field) Str() string   { return string(f.Bytes) }
func (f Field) IsBytes() bool { return f.Type == protowire.BytesType }

// Decode walks every field of msg. Unknown wire types are skipped. The Bytes
// of a field alias msg.
func Decode(msg []byte, fn func(f Field) error) error {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return malformed(protowire.ParseError(n))
		}
		msg = msg[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(msg)
			if m < 0 {
				return malformed(protowire.ParseError(m))
			}
			f.Varint = v
			n = m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(msg)
			if m < 0 {
				return malformed(protowire.ParseError(m))
			}
			f.Bytes = v
			n = m
		default:
			m := protowire.ConsumeFieldValue(num, typ, msg)
			if m < 0 {
				return malformed(protowire.ParseError(m))
			}
			msg = msg[m:]
			continue
		}
		msg = msg[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func malformed(err error) error {
	return storageerrors.CorruptedData("malformed message", err)
}
