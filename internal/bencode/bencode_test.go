package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeString(t *testing.T) {
	v, err := Decode([]byte("4:spam"))
	require.NoError(t, err)
	s, err := v.Str()
	require.NoError(t, err)
	assert.Equal(t, "spam", s)
}

func TestDecodeEmptyString(t *testing.T) {
	v, err := Decode([]byte("0:"))
	require.NoError(t, err)
	b, err := v.Bytes()
	require.NoError(t, err)
	assert.Len(t, b, 0)
}

func TestDecodeInteger(t *testing.T) {
	for input, want := range map[string]int64{
		"i0e":    0,
		"i42e":   42,
		"i-17e":  -17,
		"i1234e": 1234,
	} {
		v, err := Decode([]byte(input))
		require.NoError(t, err, input)
		i, err := v.Int64()
		require.NoError(t, err, input)
		assert.Equal(t, want, i, input)
	}
}

func TestDecodeRejectsBadIntegers(t *testing.T) {
	for _, input := range []string{"i-0e", "i03e", "i-02e", "ie", "i12", "i1x2e"} {
		_, err := Decode([]byte(input))
		assert.Error(t, err, input)
	}
}

func TestDecodeRejectsBadStrings(t *testing.T) {
	for _, input := range []string{"4spam", "5:spam", "04:spam", "x:spam"} {
		_, err := Decode([]byte(input))
		assert.Error(t, err, input)
	}
}

func TestDecodeRejectsUnterminatedContainers(t *testing.T) {
	for _, input := range []string{"l4:spam", "d4:spami1e", "d4:spam", "li1e"} {
		_, err := Decode([]byte(input))
		assert.Error(t, err, input)
	}
}

func TestDecodeRejectsTrailingGarbage(t *testing.T) {
	_, err := Decode([]byte("i1ei2e"))
	assert.Error(t, err)
}

func TestDecodeRejectsNonStringDictKey(t *testing.T) {
	_, err := Decode([]byte("di1ei2ee"))
	assert.Error(t, err)
}

func TestDecodeLenientDictKeys(t *testing.T) {
	// Unsorted and duplicate keys are tolerated on decode; last value wins.
	v, err := Decode([]byte("d1:bi1e1:ai2e1:ai3ee"))
	require.NoError(t, err)
	item, ok := v.Get("a")
	require.True(t, ok)
	i, err := item.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(3), i)
}

func TestDecodeNested(t *testing.T) {
	v, err := Decode([]byte("d4:spaml1:a1:bee"))
	require.NoError(t, err)
	item, ok := v.Get("spam")
	require.True(t, ok)
	items, err := item.List()
	require.NoError(t, err)
	require.Len(t, items, 2)
	s, err := items[1].Str()
	require.NoError(t, err)
	assert.Equal(t, "b", s)
}

func TestDecodeSome(t *testing.T) {
	v, rest, err := DecodeSome([]byte("d5:piecei0e8:msg_typei1eeRAWDATA"))
	require.NoError(t, err)
	assert.Equal(t, []byte("RAWDATA"), rest)
	item, ok := v.Get("msg_type")
	require.True(t, ok)
	i, err := item.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(1), i)
}

func TestRoundTripCanonical(t *testing.T) {
	for _, input := range []string{
		"4:spam",
		"i-17e",
		"le",
		"de",
		"l4:spami42ee",
		"d3:cow3:moo4:spam4:eggse",
		"d4:infod4:name3:foo12:piece lengthi16384eee",
	} {
		v, err := Decode([]byte(input))
		require.NoError(t, err, input)
		assert.Equal(t, []byte(input), Encode(v), input)
	}
}

func TestEncodeSortsKeys(t *testing.T) {
	v := NewDict(map[string]Value{
		"zz": NewInt(1),
		"aa": NewInt(2),
		"mm": NewString("x"),
	})
	assert.Equal(t, []byte("d2:aai2e2:mm1:x2:zzi1ee"), Encode(v))
}

func TestEncodeDecodeValues(t *testing.T) {
	v := NewDict(map[string]Value{
		"list":  NewList(NewInt(1), NewString("two")),
		"bytes": NewBytes([]byte{0x00, 0xff}),
	})
	decoded, err := Decode(Encode(v))
	require.NoError(t, err)
	assert.Equal(t, []byte(Encode(v)), Encode(decoded))
}

func TestTypedGetterSchemaErrors(t *testing.T) {
	v, err := Decode([]byte("i42e"))
	require.NoError(t, err)
	_, err = v.Str()
	assert.ErrorIs(t, err, ErrSchema)
	_, err = v.List()
	assert.ErrorIs(t, err, ErrSchema)
	_, err = v.Dict()
	assert.ErrorIs(t, err, ErrSchema)
}

func TestRawDictValue(t *testing.T) {
	raw := []byte("d8:announce9:http://tr4:infod4:name3:foo6:lengthi3eee")
	info, err := RawDictValue(raw, "info")
	require.NoError(t, err)
	assert.Equal(t, []byte("d4:name3:foo6:lengthi3ee"), info)
}

func TestRawDictValueMissingKey(t *testing.T) {
	_, err := RawDictValue([]byte("d1:ai1ee"), "info")
	assert.Error(t, err)
}

func TestRawDictValueNotDict(t *testing.T) {
	_, err := RawDictValue([]byte("le"), "info")
	assert.Error(t, err)
}
