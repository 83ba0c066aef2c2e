package goodwe_modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterMapLookup(t *testing.T) {
	m := DefaultRegisterMap()

	d, err := m.Lookup(RegEMSPowerSet)
	require.NoError(t, err)
	assert.Equal(t, uint16(47512), d.Address)
	assert.True(t, d.Writable)

	d, err = m.Lookup(RegBatterySOC)
	require.NoError(t, err)
	assert.Equal(t, uint16(37007), d.Address)
	assert.False(t, d.Writable)

	_, err = m.Lookup("no_such_register")
	var unknown ErrUnknownRegister
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "no_such_register", unknown.Name)
}

func TestRegisterScaling(t *testing.T) {
	m := DefaultRegisterMap()

	// battery_voltage is uint16 scaled by 10
	d, err := m.Lookup(RegBatteryVoltage)
	require.NoError(t, err)
	v, err := d.ToPhysical([]uint16{521})
	require.NoError(t, err)
	assert.InDelta(t, 52.1, v, 0.001)

	// battery_current is int16 scaled by 10, sign-extended
	d, err = m.Lookup(RegBatteryCurrent)
	require.NoError(t, err)
	v, err = d.ToPhysical([]uint16{0xFFDD}) // -35 raw
	require.NoError(t, err)
	assert.InDelta(t, -3.5, v, 0.001)

	// meter power is int32 over two words
	d, err = m.Lookup(RegMeterActivePower)
	require.NoError(t, err)
	v, err = d.ToPhysical([]uint16{0xFFFF, 0xFF06}) // -250
	require.NoError(t, err)
	assert.InDelta(t, -250, v, 0.001)
}

func TestRegisterFromPhysical(t *testing.T) {
	m := DefaultRegisterMap()

	d, err := m.Lookup(RegMeterBias)
	require.NoError(t, err)
	w, err := d.FromPhysical(-50)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xFFCE), w)

	// unsigned registers reject negative values
	d, err = m.Lookup(RegEMSPowerSet)
	require.NoError(t, err)
	_, err = d.FromPhysical(-1)
	assert.Error(t, err)

	// multi-word registers cannot be written
	d, err = m.Lookup(RegMeterActivePower)
	require.NoError(t, err)
	_, err = d.FromPhysical(100)
	assert.Error(t, err)
}

func TestParseRegisterMapJSON(t *testing.T) {
	doc := []byte(`{
		"read_registers": [
			{"name": "battery_soc", "address": 37007, "type": "uint16", "unit": "%"}
		],
		"write_registers": [
			{"name": "ems_power_set", "address": 47512, "type": "uint16", "unit": "W"}
		]
	}`)
	m, err := ParseRegisterMapJSON(doc)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())
	assert.True(t, m.Has("ems_power_set"))
	assert.False(t, m.Has("arc_fault"))
}

func TestParseRegisterMapRejectsBadType(t *testing.T) {
	_, err := ParseRegisterMap(RegisterMapDocument{
		ReadRegisters: []registerEntry{{Name: "x", Address: 1, Type: "float64"}},
	})
	assert.Error(t, err)
}

func TestReadTelemetryAggregatesPV(t *testing.T) {
	dev := CreateTestDevice()
	dev.SetRegister(RegPV1Power, 300)
	dev.SetRegister(RegPV2Power, 100)
	dev.SetRegister(RegMPPT1Power, 50)
	dev.SetRegister(RegCT2ActivePower, 25)

	tel, err := ReadTelemetry(dev, true)
	require.NoError(t, err)
	assert.InDelta(t, 475, tel.PVTotalW, 0.001)
	require.NotNil(t, tel.SOCPercent)
	assert.InDelta(t, 50, *tel.SOCPercent, 0.001)
	assert.Equal(t, 0, tel.CommsFaults)

	// PV disabled skips the PV sweep entirely.
	tel, err = ReadTelemetry(dev, false)
	require.NoError(t, err)
	assert.Zero(t, tel.PVTotalW)
	assert.Nil(t, tel.CT2PowerW)
}

func TestReadTelemetryCountsCommsFaults(t *testing.T) {
	dev := CreateTestDevice()
	dev.SetMissing(RegBatteryVoltage, true)
	dev.SetMissing(RegCT2ActivePower, true)

	tel, err := ReadTelemetry(dev, true)
	require.NoError(t, err)
	assert.Nil(t, tel.BatteryVoltageV)
	assert.Equal(t, 2, tel.CommsFaults)

	dev.SetFailAll(true)
	_, err = ReadTelemetry(dev, true)
	assert.ErrorIs(t, err, ErrAllReadsFailed)
}
