package swap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeIdentityRecord(t *testing.T) {
	id, err := decodeIdentityRecord([]byte("BO724525070000"))
	require.NoError(t, err)
	assert.Equal(t, "BO724525070000", id)

	// characteristic reads come back zero-padded to the buffer length
	id, err = decodeIdentityRecord([]byte("BO724525070000\x00\x00\x00\x00"))
	require.NoError(t, err)
	assert.Equal(t, "BO724525070000", id)

	_, err = decodeIdentityRecord(nil)
	assert.Error(t, err)

	_, err = decodeIdentityRecord([]byte{0, 0, 0, 0})
	assert.Error(t, err)

	_, err = decodeIdentityRecord([]byte{'B', 'O', 0x07, '2'})
	assert.Error(t, err)
}

func TestDecodeEnergyRecord(t *testing.T) {
	charge, wh, err := decodeEnergyRecord([]byte{85, 0, 0, 0, 0x9c, 0x63, 0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, 85, charge)
	assert.Equal(t, uint32(25500), wh)

	charge, wh, err = decodeEnergyRecord([]byte{0, 0xff, 0xff, 0xff, 0, 0, 0, 0, 0xde, 0xad})
	require.NoError(t, err, "trailing bytes and reserved bytes are ignored")
	assert.Equal(t, 0, charge)
	assert.Equal(t, uint32(0), wh)

	_, _, err = decodeEnergyRecord([]byte{85, 0, 0, 0, 0x9c, 0x63, 0x00})
	assert.Error(t, err, "record shorter than eight bytes")

	_, _, err = decodeEnergyRecord([]byte{101, 0, 0, 0, 0, 0, 0, 0})
	assert.Error(t, err, "charge percentage over 100")
}
