package stream

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/czalinski/hwtest/errors"
	"github.com/czalinski/hwtest/types"
)

// Wire layout of a schema message:
//
//	tag(1)=0x01 schema_id(4) source_id(str) field_count(2)
//	fields[field_count] = { name(str) dtype(1) unit(str) }
//
// Wire layout of a data message:
//
//	tag(1)=0x02 schema_id(4) timestamp_ns(8) period_ns(8) sample_count(2)
//	samples[sample_count][field_count] packed per schema, no padding
//
// str = u8 length prefix + UTF-8 bytes, max 255.

func appendString(buf []byte, s string) ([]byte, error) {
	if len(s) > 255 {
		return nil, errors.WrapInvalid(errors.ErrStringTooLong, "codec", "appendString",
			fmt.Sprintf("%d byte string", len(s)))
	}
	buf = append(buf, byte(len(s)))
	return append(buf, s...), nil
}

func readString(buf []byte, offset int) (string, int, error) {
	if offset >= len(buf) {
		return "", 0, errors.ErrSerialization
	}
	n := int(buf[offset])
	start := offset + 1
	end := start + n
	if end > len(buf) {
		return "", 0, errors.ErrSerialization
	}
	return string(buf[start:end]), end, nil
}

// EncodeSchema serializes a schema message.
func EncodeSchema(s Schema) ([]byte, error) {
	buf := make([]byte, 0, 7+len(s.Source)+16*len(s.Fields))
	buf = append(buf, MsgTypeSchema)
	buf = binary.BigEndian.AppendUint32(buf, s.SchemaID)

	var err error
	if buf, err = appendString(buf, string(s.Source)); err != nil {
		return nil, err
	}
	if len(s.Fields) > math.MaxUint16 {
		return nil, errors.WrapInvalid(errors.ErrSerialization, "codec", "EncodeSchema", "field count")
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s.Fields)))

	for _, f := range s.Fields {
		if !f.Type.Valid() {
			return nil, errors.WrapInvalid(errors.ErrSerialization, "codec", "EncodeSchema",
				fmt.Sprintf("field %q type 0x%02x", f.Name, byte(f.Type)))
		}
		if buf, err = appendString(buf, f.Name); err != nil {
			return nil, err
		}
		buf = append(buf, byte(f.Type))
		if buf, err = appendString(buf, f.Unit); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// DecodeSchema parses a schema message. The embedded schema id must match
// the id recomputed from the decoded field list; a difference means the
// bytes were corrupted in transit.
func DecodeSchema(buf []byte) (Schema, error) {
	if len(buf) < 7 {
		return Schema{}, errors.Wrap(errors.ErrSerialization, "codec", "DecodeSchema", "short buffer")
	}
	if buf[0] != MsgTypeSchema {
		return Schema{}, errors.Wrap(errors.ErrSerialization, "codec", "DecodeSchema",
			fmt.Sprintf("message tag 0x%02x", buf[0]))
	}

	wireID := binary.BigEndian.Uint32(buf[1:5])
	source, offset, err := readString(buf, 5)
	if err != nil {
		return Schema{}, errors.Wrap(err, "codec", "DecodeSchema", "source id")
	}

	if offset+2 > len(buf) {
		return Schema{}, errors.Wrap(errors.ErrSerialization, "codec", "DecodeSchema", "field count")
	}
	fieldCount := int(binary.BigEndian.Uint16(buf[offset : offset+2]))
	offset += 2

	fields := make([]Field, 0, fieldCount)
	for i := 0; i < fieldCount; i++ {
		var name, unit string
		if name, offset, err = readString(buf, offset); err != nil {
			return Schema{}, errors.Wrap(err, "codec", "DecodeSchema", fmt.Sprintf("field %d name", i))
		}
		if offset >= len(buf) {
			return Schema{}, errors.Wrap(errors.ErrSerialization, "codec", "DecodeSchema",
				fmt.Sprintf("field %d type", i))
		}
		dt := DataType(buf[offset])
		offset++
		if !dt.Valid() {
			return Schema{}, errors.Wrap(errors.ErrSerialization, "codec", "DecodeSchema",
				fmt.Sprintf("field %d type 0x%02x", i, byte(dt)))
		}
		if unit, offset, err = readString(buf, offset); err != nil {
			return Schema{}, errors.Wrap(err, "codec", "DecodeSchema", fmt.Sprintf("field %d unit", i))
		}
		fields = append(fields, Field{Name: name, Type: dt, Unit: unit})
	}

	schema := NewSchema(types.SourceID(source), fields)
	if schema.SchemaID != wireID {
		return Schema{}, errors.Wrap(errors.ErrSerialization, "codec", "DecodeSchema",
			fmt.Sprintf("schema id 0x%08x does not match computed 0x%08x", wireID, schema.SchemaID))
	}
	return schema, nil
}

// EncodeData serializes a data message. The data's schema id must match the
// schema, and every sample must have exactly the schema's field count.
func EncodeData(d Data, s Schema) ([]byte, error) {
	if d.SchemaID != s.SchemaID {
		return nil, errors.Wrap(errors.ErrSchemaMismatch, "codec", "EncodeData",
			fmt.Sprintf("data 0x%08x vs schema 0x%08x", d.SchemaID, s.SchemaID))
	}
	if len(s.Fields) == 0 {
		return nil, errors.WrapInvalid(errors.ErrSerialization, "codec", "EncodeData", "schema has no fields")
	}
	if len(d.Samples) > math.MaxUint16 {
		return nil, errors.WrapInvalid(errors.ErrSerialization, "codec", "EncodeData", "sample count")
	}

	buf := make([]byte, 0, 23+len(d.Samples)*s.SampleSize())
	buf = append(buf, MsgTypeData)
	buf = binary.BigEndian.AppendUint32(buf, d.SchemaID)
	buf = binary.BigEndian.AppendUint64(buf, d.TimestampNs)
	buf = binary.BigEndian.AppendUint64(buf, d.PeriodNs)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(d.Samples)))

	for i, sample := range d.Samples {
		if len(sample) != len(s.Fields) {
			return nil, errors.WrapInvalid(errors.ErrSerialization, "codec", "EncodeData",
				fmt.Sprintf("sample %d has %d values, schema has %d fields", i, len(sample), len(s.Fields)))
		}
		for j, v := range sample {
			buf = appendValue(buf, s.Fields[j].Type, v)
		}
	}
	return buf, nil
}

// DecodeData parses a data message against a known schema. A schema id that
// does not match returns ErrSchemaMismatch: the producer likely restarted
// with a new format, which is a recoverable condition for the caller, not a
// serialization failure.
func DecodeData(buf []byte, s Schema) (Data, error) {
	if len(buf) < 23 {
		return Data{}, errors.Wrap(errors.ErrSerialization, "codec", "DecodeData", "short buffer")
	}
	if buf[0] != MsgTypeData {
		return Data{}, errors.Wrap(errors.ErrSerialization, "codec", "DecodeData",
			fmt.Sprintf("message tag 0x%02x", buf[0]))
	}

	schemaID := binary.BigEndian.Uint32(buf[1:5])
	if schemaID != s.SchemaID {
		return Data{}, errors.Wrap(errors.ErrSchemaMismatch, "codec", "DecodeData",
			fmt.Sprintf("data 0x%08x vs schema 0x%08x", schemaID, s.SchemaID))
	}

	timestampNs := binary.BigEndian.Uint64(buf[5:13])
	periodNs := binary.BigEndian.Uint64(buf[13:21])
	sampleCount := int(binary.BigEndian.Uint16(buf[21:23]))

	sampleSize := s.SampleSize()
	if len(buf) < 23+sampleCount*sampleSize {
		return Data{}, errors.Wrap(errors.ErrSerialization, "codec", "DecodeData", "truncated samples")
	}

	offset := 23
	samples := make([][]float64, sampleCount)
	for i := range samples {
		sample := make([]float64, len(s.Fields))
		for j, f := range s.Fields {
			sample[j] = readValue(buf, offset, f.Type)
			offset += f.Type.Size()
		}
		samples[i] = sample
	}

	return Data{
		SchemaID:    schemaID,
		TimestampNs: timestampNs,
		PeriodNs:    periodNs,
		Samples:     samples,
	}, nil
}

func appendValue(buf []byte, dt DataType, v float64) []byte {
	switch dt {
	case TypeI8:
		return append(buf, byte(int8(v)))
	case TypeI16:
		return binary.BigEndian.AppendUint16(buf, uint16(int16(v)))
	case TypeI32:
		return binary.BigEndian.AppendUint32(buf, uint32(int32(v)))
	case TypeI64:
		return binary.BigEndian.AppendUint64(buf, uint64(int64(v)))
	case TypeU8:
		return append(buf, uint8(v))
	case TypeU16:
		return binary.BigEndian.AppendUint16(buf, uint16(v))
	case TypeU32:
		return binary.BigEndian.AppendUint32(buf, uint32(v))
	case TypeU64:
		return binary.BigEndian.AppendUint64(buf, uint64(v))
	case TypeF32:
		return binary.BigEndian.AppendUint32(buf, math.Float32bits(float32(v)))
	case TypeF64:
		return binary.BigEndian.AppendUint64(buf, math.Float64bits(v))
	default:
		return buf
	}
}

func readValue(buf []byte, offset int, dt DataType) float64 {
	switch dt {
	case TypeI8:
		return float64(int8(buf[offset]))
	case TypeI16:
		return float64(int16(binary.BigEndian.Uint16(buf[offset:])))
	case TypeI32:
		return float64(int32(binary.BigEndian.Uint32(buf[offset:])))
	case TypeI64:
		return float64(int64(binary.BigEndian.Uint64(buf[offset:])))
	case TypeU8:
		return float64(buf[offset])
	case TypeU16:
		return float64(binary.BigEndian.Uint16(buf[offset:]))
	case TypeU32:
		return float64(binary.BigEndian.Uint32(buf[offset:]))
	case TypeU64:
		return float64(binary.BigEndian.Uint64(buf[offset:]))
	case TypeF32:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(buf[offset:])))
	case TypeF64:
		return math.Float64frombits(binary.BigEndian.Uint64(buf[offset:]))
	default:
		return 0
	}
}
