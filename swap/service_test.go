package swap

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stepService() *Service {
	return &Service{
		config:   &ServiceConfig{RatePerKwh: 120},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		readings: make(map[Slot]*BatteryReading),
	}
}

func testReading(identity string, energyWh uint32) BatteryReading {
	return newBatteryReading(identity, 80, energyWh, "C0:28:8D:07:00:00")
}

func TestAcceptReadingStrictMismatch(t *testing.T) {
	s := stepService()

	f := s.acceptReading(SlotOld, "BO724525070000", testReading("BO724525080000", 20000))
	require.NotNil(t, f)
	assert.Equal(t, FailIdentityMismatch, f.Kind)
	assert.Nil(t, s.Reading(SlotOld), "a mismatched reading must not be stored")

	// the on-file identity may carry decoration around the reported one
	f = s.acceptReading(SlotOld, "BAT:BO724525070000", testReading("BO724525070000", 20000))
	assert.Nil(t, f)
	require.NotNil(t, s.Reading(SlotOld))
}

func TestAcceptReadingStrictRejectsFragment(t *testing.T) {
	s := stepService()

	// a fragment locates the device via the loose tier but must not pass
	// the strict tier once the full identity is read
	f := s.acceptReading(SlotOld, "070000", testReading("BO724525070000", 20000))
	require.NotNil(t, f)
	assert.Equal(t, FailIdentityMismatch, f.Kind)
}

func TestAcceptReadingNoExpectedIdentity(t *testing.T) {
	s := stepService()

	require.Nil(t, s.acceptReading(SlotOld, "", testReading("BO724525070000", 20000)))
	require.NotNil(t, s.Reading(SlotOld))
	assert.Equal(t, "BO724525070000", s.Reading(SlotOld).IdentityID)
}

// The same physical battery must be rejected for the second slot no matter
// which slot was scanned first.
func TestAcceptReadingDuplicateBatteryEitherOrder(t *testing.T) {
	t.Run("old then new", func(t *testing.T) {
		s := stepService()
		require.Nil(t, s.acceptReading(SlotOld, "", testReading("BO724525070000", 20000)))

		f := s.acceptReading(SlotNew, "", testReading("bat:BO724525070000", 25500))
		require.NotNil(t, f)
		assert.Equal(t, FailDuplicateBattery, f.Kind)
		assert.Nil(t, s.Reading(SlotNew))
	})

	t.Run("new then old", func(t *testing.T) {
		s := stepService()
		require.Nil(t, s.acceptReading(SlotNew, "", testReading("BO724525070000", 25500)))

		f := s.acceptReading(SlotOld, "", testReading("BO724525070000", 20000))
		require.NotNil(t, f)
		assert.Equal(t, FailDuplicateBattery, f.Kind)
		assert.Nil(t, s.Reading(SlotOld))
	})
}

func TestAcceptReadingDistinctBatteries(t *testing.T) {
	s := stepService()

	require.Nil(t, s.acceptReading(SlotOld, "", testReading("BO724525070000", 20000)))
	require.Nil(t, s.acceptReading(SlotNew, "", testReading("BO724525080000", 25500)))
	assert.NotNil(t, s.Reading(SlotOld))
	assert.NotNil(t, s.Reading(SlotNew))
}
