package stream

import (
	stderrors "errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/czalinski/hwtest/errors"
)

func testFields() []Field {
	return []Field{
		{Name: "voltage", Type: TypeF32, Unit: "V"},
		{Name: "current", Type: TypeF64, Unit: "A"},
		{Name: "status", Type: TypeU8, Unit: ""},
	}
}

func TestNewSchemaID(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a := NewSchema("psu-1", testFields())
		b := NewSchema("psu-1", testFields())
		assert.Equal(t, a.SchemaID, b.SchemaID)
	})

	t.Run("independent of source", func(t *testing.T) {
		a := NewSchema("psu-1", testFields())
		b := NewSchema("psu-2", testFields())
		assert.Equal(t, a.SchemaID, b.SchemaID,
			"two instruments emitting the same shape share an id")
	})

	t.Run("sensitive to field order", func(t *testing.T) {
		fields := testFields()
		reversed := []Field{fields[2], fields[1], fields[0]}
		a := NewSchema("psu-1", fields)
		b := NewSchema("psu-1", reversed)
		assert.NotEqual(t, a.SchemaID, b.SchemaID)
	})

	t.Run("sensitive to unit", func(t *testing.T) {
		fields := testFields()
		changed := testFields()
		changed[0].Unit = "mV"
		a := NewSchema("psu-1", fields)
		b := NewSchema("psu-1", changed)
		assert.NotEqual(t, a.SchemaID, b.SchemaID)
	})
}

func TestSchemaRoundTrip(t *testing.T) {
	schema := NewSchema("thermal-chamber-1", testFields())

	buf, err := EncodeSchema(schema)
	require.NoError(t, err)
	assert.Equal(t, MsgTypeSchema, buf[0])

	decoded, err := DecodeSchema(buf)
	require.NoError(t, err)
	assert.Equal(t, schema, decoded)
}

func TestDecodeSchemaErrors(t *testing.T) {
	schema := NewSchema("psu-1", testFields())
	buf, err := EncodeSchema(schema)
	require.NoError(t, err)

	t.Run("short buffer", func(t *testing.T) {
		_, err := DecodeSchema(buf[:4])
		assert.ErrorIs(t, err, errors.ErrSerialization)
	})

	t.Run("wrong tag", func(t *testing.T) {
		bad := append([]byte(nil), buf...)
		bad[0] = MsgTypeData
		_, err := DecodeSchema(bad)
		assert.ErrorIs(t, err, errors.ErrSerialization)
	})

	t.Run("corrupted field name fails checksum", func(t *testing.T) {
		bad := append([]byte(nil), buf...)
		// First field name starts after tag, schema id, and source string.
		nameStart := 1 + 4 + 1 + len("psu-1") + 2 + 1
		bad[nameStart] ^= 0xFF
		_, err := DecodeSchema(bad)
		assert.ErrorIs(t, err, errors.ErrSerialization)
	})

	t.Run("truncated fields", func(t *testing.T) {
		_, err := DecodeSchema(buf[:len(buf)-3])
		assert.ErrorIs(t, err, errors.ErrSerialization)
	})
}

func TestEncodeSchemaStringTooLong(t *testing.T) {
	long := strings.Repeat("x", 256)
	schema := NewSchema("psu-1", []Field{{Name: long, Type: TypeF64, Unit: "V"}})
	_, err := EncodeSchema(schema)
	assert.ErrorIs(t, err, errors.ErrStringTooLong)
	assert.True(t, errors.IsInvalid(err))
}

func TestDataRoundTrip(t *testing.T) {
	schema := NewSchema("psu-1", []Field{
		{Name: "i8", Type: TypeI8, Unit: ""},
		{Name: "i16", Type: TypeI16, Unit: ""},
		{Name: "i32", Type: TypeI32, Unit: ""},
		{Name: "i64", Type: TypeI64, Unit: ""},
		{Name: "u8", Type: TypeU8, Unit: ""},
		{Name: "u16", Type: TypeU16, Unit: ""},
		{Name: "u32", Type: TypeU32, Unit: ""},
		{Name: "u64", Type: TypeU64, Unit: ""},
		{Name: "f32", Type: TypeF32, Unit: ""},
		{Name: "f64", Type: TypeF64, Unit: ""},
	})

	d := Data{
		SchemaID:    schema.SchemaID,
		TimestampNs: 1704067200000000000,
		PeriodNs:    1000000,
		Samples: [][]float64{
			{-128, -32768, -2147483648, -4096, 255, 65535, 4294967295, 4096, 1.5, 3.14159265358979},
			{127, 32767, 2147483647, 4097, 0, 1, 2, 3, -0.25, -273.15},
		},
	}

	buf, err := EncodeData(d, schema)
	require.NoError(t, err)
	assert.Equal(t, MsgTypeData, buf[0])
	assert.Len(t, buf, 23+2*schema.SampleSize())

	decoded, err := DecodeData(buf, schema)
	require.NoError(t, err)
	assert.Equal(t, d.SchemaID, decoded.SchemaID)
	assert.Equal(t, d.TimestampNs, decoded.TimestampNs)
	assert.Equal(t, d.PeriodNs, decoded.PeriodNs)
	require.Equal(t, 2, decoded.SampleCount())

	for i := range d.Samples {
		for j := range d.Samples[i] {
			assert.InDelta(t, d.Samples[i][j], decoded.Samples[i][j], 1e-6,
				"sample %d field %d", i, j)
		}
	}
}

func TestDataTimestamps(t *testing.T) {
	d := Data{
		TimestampNs: 1704067200000000000,
		PeriodNs:    1000000,
		Samples:     make([][]float64, 3),
	}

	assert.Equal(t, uint64(1704067200000000000), d.Timestamp(0))
	assert.Equal(t, uint64(1704067200001000000), d.Timestamp(1))
	assert.Equal(t, uint64(1704067200002000000), d.Timestamp(2))
}

func TestEncodeDataErrors(t *testing.T) {
	schema := NewSchema("psu-1", testFields())

	t.Run("schema id mismatch", func(t *testing.T) {
		d := Data{SchemaID: schema.SchemaID + 1, Samples: [][]float64{{1, 2, 3}}}
		_, err := EncodeData(d, schema)
		assert.ErrorIs(t, err, errors.ErrSchemaMismatch)
	})

	t.Run("sample width mismatch", func(t *testing.T) {
		d := Data{SchemaID: schema.SchemaID, Samples: [][]float64{{1, 2}}}
		_, err := EncodeData(d, schema)
		assert.ErrorIs(t, err, errors.ErrSerialization)
	})

	t.Run("empty batch is valid", func(t *testing.T) {
		d := Data{SchemaID: schema.SchemaID}
		buf, err := EncodeData(d, schema)
		require.NoError(t, err)

		decoded, err := DecodeData(buf, schema)
		require.NoError(t, err)
		assert.Equal(t, 0, decoded.SampleCount())
	})
}

func TestDecodeDataErrors(t *testing.T) {
	schema := NewSchema("psu-1", testFields())
	d := Data{
		SchemaID: schema.SchemaID,
		PeriodNs: 1000,
		Samples:  [][]float64{{1.0, 2.0, 3}},
	}
	buf, err := EncodeData(d, schema)
	require.NoError(t, err)

	t.Run("schema id mismatch is recoverable", func(t *testing.T) {
		other := NewSchema("psu-1", testFields()[:2])
		_, err := DecodeData(buf, other)
		require.ErrorIs(t, err, errors.ErrSchemaMismatch)
		assert.False(t, stderrors.Is(err, errors.ErrSerialization))
	})

	t.Run("truncated samples", func(t *testing.T) {
		_, err := DecodeData(buf[:len(buf)-2], schema)
		assert.ErrorIs(t, err, errors.ErrSerialization)
	})

	t.Run("short buffer", func(t *testing.T) {
		_, err := DecodeData(buf[:10], schema)
		assert.ErrorIs(t, err, errors.ErrSerialization)
	})

	t.Run("wrong tag", func(t *testing.T) {
		bad := append([]byte(nil), buf...)
		bad[0] = MsgTypeSchema
		_, err := DecodeData(bad, schema)
		assert.ErrorIs(t, err, errors.ErrSerialization)
	})
}

func TestFieldOffset(t *testing.T) {
	schema := NewSchema("psu-1", testFields())

	off, ok := schema.FieldOffset("voltage")
	require.True(t, ok)
	assert.Equal(t, 0, off)

	off, ok = schema.FieldOffset("current")
	require.True(t, ok)
	assert.Equal(t, 4, off)

	off, ok = schema.FieldOffset("status")
	require.True(t, ok)
	assert.Equal(t, 12, off)

	_, ok = schema.FieldOffset("missing")
	assert.False(t, ok)

	assert.Equal(t, 13, schema.SampleSize())
}
