package address

import (
	"crypto/sha256"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const programID = "Gm7ooEjFuvi9hS5vLUk6uK3xavwVm7rJXP7yjc6WHfbq"

func TestParseRoundTrip(t *testing.T) {
	a, err := Parse(programID)
	require.NoError(t, err)
	require.Equal(t, programID, a.String())

	_, err = Parse("")
	require.ErrorIs(t, err, ErrInvalid)
	_, err = Parse("0OIl")
	require.ErrorIs(t, err, ErrInvalid)
	_, err = Parse("abc")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestBatchAddressDeterministic(t *testing.T) {
	d := NewDeriver(MustParse(programID))
	a1, err := d.Batch("FSN-2024-001")
	require.NoError(t, err)
	a2, err := d.Batch("FSN-2024-001")
	require.NoError(t, err)
	require.Equal(t, a1, a2)

	other, err := d.Batch("FSN-2024-002")
	require.NoError(t, err)
	require.NotEqual(t, a1, other)

	otherProgram := NewDeriver(Address{1})
	a3, err := otherProgram.Batch("FSN-2024-001")
	require.NoError(t, err)
	require.NotEqual(t, a1, a3)
}

func TestStageIndexLittleEndian(t *testing.T) {
	pid := MustParse(programID)
	d := NewDeriver(pid)
	batch, err := d.Batch("FSN-2024-001")
	require.NoError(t, err)

	got, err := d.Stage(batch, 258)
	require.NoError(t, err)

	var buf []byte
	buf = append(buf, "stage"...)
	buf = append(buf, batch[:]...)
	buf = append(buf, 0x02, 0x01)
	buf = append(buf, pid[:]...)
	buf = append(buf, "ProgramDerivedAddress"...)
	require.Equal(t, Address(sha256.Sum256(buf)), got)

	s0, _ := d.Stage(batch, 0)
	s1, _ := d.Stage(batch, 1)
	require.NotEqual(t, s0, s1)
}

func TestSeedTooLong(t *testing.T) {
	d := NewDeriver(MustParse(programID))
	_, err := d.Batch(strings.Repeat("x", 33))
	require.ErrorIs(t, err, ErrSeedTooLong)
	_, err = d.Batch(strings.Repeat("x", 32))
	require.NoError(t, err)
}

func TestTextMarshalling(t *testing.T) {
	a := MustParse(programID)
	text, err := a.MarshalText()
	require.NoError(t, err)
	var b Address
	require.NoError(t, b.UnmarshalText(text))
	require.Equal(t, a, b)
	require.False(t, b.Zero())
	require.True(t, Address{}.Zero())
}
