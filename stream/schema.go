// Package stream implements the binary telemetry streaming protocol and the
// per-source publish/subscribe channels built on top of it.
//
// The wire format is self-describing and compact: a producer broadcasts its
// schema (message tag 0x01) immediately at stream start and then once per
// second unconditionally, on the same subject as its data messages (tag
// 0x02), so a consumer joining mid-stream is schema-ready within one second
// without a side channel. Data messages carry no per-sample timestamps;
// sample n's timestamp is base + n*period.
//
// All multi-byte integers and floats are big-endian. Strings are
// length-prefixed with a single byte (max 255 bytes, UTF-8).
package stream

import (
	"hash/crc32"

	"github.com/czalinski/hwtest/types"
)

// Message type tags on the wire.
const (
	// MsgTypeSchema tags schema messages.
	MsgTypeSchema byte = 0x01
	// MsgTypeData tags data messages.
	MsgTypeData byte = 0x02
)

// DataType is the wire type code for a field value.
type DataType uint8

// Wire type codes. The value is the wire tag.
const (
	TypeI8  DataType = 0x01
	TypeI16 DataType = 0x02
	TypeI32 DataType = 0x03
	TypeI64 DataType = 0x04
	TypeU8  DataType = 0x05
	TypeU16 DataType = 0x06
	TypeU32 DataType = 0x07
	TypeU64 DataType = 0x08
	TypeF32 DataType = 0x09
	TypeF64 DataType = 0x0A
)

// Size returns the encoded size in bytes of a value of this type, or 0 for
// an unknown type code.
func (dt DataType) Size() int {
	switch dt {
	case TypeI8, TypeU8:
		return 1
	case TypeI16, TypeU16:
		return 2
	case TypeI32, TypeU32, TypeF32:
		return 4
	case TypeI64, TypeU64, TypeF64:
		return 8
	default:
		return 0
	}
}

// Valid reports whether dt is a known wire type code.
func (dt DataType) Valid() bool {
	return dt.Size() != 0
}

// String returns the type name used in logs and config files.
func (dt DataType) String() string {
	switch dt {
	case TypeI8:
		return "i8"
	case TypeI16:
		return "i16"
	case TypeI32:
		return "i32"
	case TypeI64:
		return "i64"
	case TypeU8:
		return "u8"
	case TypeU16:
		return "u16"
	case TypeU32:
		return "u32"
	case TypeU64:
		return "u64"
	case TypeF32:
		return "f32"
	case TypeF64:
		return "f64"
	default:
		return "unknown"
	}
}

// Field defines one field in a stream schema: name, wire type, and unit of
// measurement ("V", "A", "degC").
type Field struct {
	Name string
	Type DataType
	Unit string
}

// Schema defines the structure of a data stream. SchemaID is a CRC-32
// fingerprint of the ordered field list; consumers compare it to detect a
// producer restart or format change, so it must always be the computed
// value. Use NewSchema, which derives it.
type Schema struct {
	SchemaID uint32
	Source   types.SourceID
	Fields   []Field
}

// NewSchema builds a schema and computes its id. The id is a pure function
// of the field list: CRC-32 (IEEE) over the concatenation of each field's
// name bytes, type tag, and unit bytes in declared order. The source id does
// not contribute, so two instruments emitting the same shape share an id.
func NewSchema(source types.SourceID, fields []Field) Schema {
	crc := crc32.NewIEEE()
	var tag [1]byte
	for _, f := range fields {
		crc.Write([]byte(f.Name))
		tag[0] = byte(f.Type)
		crc.Write(tag[:])
		crc.Write([]byte(f.Unit))
	}
	return Schema{
		SchemaID: crc.Sum32(),
		Source:   source,
		Fields:   append([]Field(nil), fields...),
	}
}

// SampleSize returns the packed size in bytes of one sample.
func (s Schema) SampleSize() int {
	total := 0
	for _, f := range s.Fields {
		total += f.Type.Size()
	}
	return total
}

// FieldOffset returns the byte offset of the named field within a packed
// sample. Consumers compute offsets once per schema and reuse them for
// every sample.
func (s Schema) FieldOffset(name string) (int, bool) {
	offset := 0
	for _, f := range s.Fields {
		if f.Name == name {
			return offset, true
		}
		offset += f.Type.Size()
	}
	return 0, false
}

// Field returns the named field definition.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Data is one batch of time-series samples. Samples share the schema's
// field order; sample n's timestamp is TimestampNs + n*PeriodNs. Values are
// held as float64 regardless of wire type; the codec narrows on encode.
type Data struct {
	SchemaID    uint32
	TimestampNs uint64
	PeriodNs    uint64
	Samples     [][]float64
}

// SampleCount returns the number of samples in the batch.
func (d Data) SampleCount() int {
	return len(d.Samples)
}

// Timestamp returns the timestamp in nanoseconds of sample n.
func (d Data) Timestamp(n int) uint64 {
	return d.TimestampNs + uint64(n)*d.PeriodNs
}
