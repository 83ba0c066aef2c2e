package goodwe_modbus

// Register names used by the edge. The authoritative addresses arrive with
// the bootstrap register map; DefaultRegisterMapDocument mirrors the GoodWe
// ET-series layout and backs tests and the local-file fallback.
const (
	// Telemetry
	RegMeterActivePower = "meter_total_active_power"
	RegBatterySOC       = "battery_soc"
	RegBatteryVoltage   = "battery_voltage"
	RegBatteryCurrent   = "battery_current"
	RegBatteryPower     = "battery_power"
	RegPV1Power         = "pv1_power"
	RegPV2Power         = "pv2_power"
	RegPV3Power         = "pv3_power"
	RegPV4Power         = "pv4_power"
	RegMPPT1Power       = "mppt_power_1"
	RegMPPT2Power       = "mppt_power_2"
	RegMPPT3Power       = "mppt_power_3"
	RegCT2ActivePower   = "ct2_active_power"
	RegAppModeDisplay   = "app_mode_display"
	RegEMSModeDisplay   = "ems_mode_display"

	// Health
	RegEMSCheckStatus     = "ems_check_status"
	RegBMSWarningBits     = "bms_warning_bits"
	RegBMSAlarmBits       = "bms_alarm_bits"
	RegBMSSOC             = "bms_soc"
	RegBMSSOHPercent      = "bms_soh_percent"
	RegArcFault           = "arc_fault"
	RegParallelCommStatus = "parallel_comm_status"
	RegMeterIntExt        = "meter_internal_external"
	RegIntMeterComm       = "int_meter_comm"
	RegExtMeterComm       = "ext_meter_comm"

	// Control
	RegManufacturerCode    = "manufacturer_code"
	RegExternalMeterEnable = "external_meter_enable"
	RegFeedPowerEnable     = "feed_power_enable"
	RegExportPowerCap      = "export_power_cap"
	RegEMSPowerMode        = "ems_power_mode"
	RegEMSPowerSet         = "ems_power_set"
	RegMeterBias           = "meter_target_power_offset"
	RegRemoteCommLossTime  = "remote_comm_loss_time"
)

// DefaultRegisterMapDocument returns the built-in GoodWe ET register layout.
func DefaultRegisterMapDocument() RegisterMapDocument {
	return RegisterMapDocument{
		ReadRegisters: []registerEntry{
			{Name: RegPV1Power, Address: 35103, Type: "uint32", Unit: "W"},
			{Name: RegPV2Power, Address: 35107, Type: "uint32", Unit: "W"},
			{Name: RegPV3Power, Address: 35111, Type: "uint32", Unit: "W"},
			{Name: RegPV4Power, Address: 35115, Type: "uint32", Unit: "W"},
			{Name: RegMPPT1Power, Address: 35337, Type: "uint16", Unit: "W"},
			{Name: RegMPPT2Power, Address: 35339, Type: "uint16", Unit: "W"},
			{Name: RegMPPT3Power, Address: 35341, Type: "uint16", Unit: "W"},
			{Name: RegMeterActivePower, Address: 36025, Type: "int32", Unit: "W"},
			{Name: RegCT2ActivePower, Address: 36045, Type: "int32", Unit: "W"},
			{Name: RegArcFault, Address: 36065, Type: "uint16"},
			{Name: RegParallelCommStatus, Address: 36066, Type: "uint16"},
			{Name: RegBatteryVoltage, Address: 37001, Type: "uint16", Scale: 10, Unit: "V"},
			{Name: RegBatteryCurrent, Address: 37002, Type: "int16", Scale: 10, Unit: "A"},
			{Name: RegBatteryPower, Address: 37003, Type: "int16", Unit: "W"},
			{Name: RegBatterySOC, Address: 37007, Type: "uint16", Unit: "%"},
			{Name: RegBMSWarningBits, Address: 39894, Type: "uint16"},
			{Name: RegBMSAlarmBits, Address: 39896, Type: "uint16"},
			{Name: RegBMSSOC, Address: 39898, Type: "uint16", Unit: "%"},
			{Name: RegBMSSOHPercent, Address: 39899, Type: "uint16", Unit: "%"},
			{Name: RegEMSCheckStatus, Address: 40008, Type: "uint16"},
			{Name: RegAppModeDisplay, Address: 10405, Type: "uint16"},
			{Name: RegEMSModeDisplay, Address: 10456, Type: "uint16"},
			{Name: RegMeterIntExt, Address: 50091, Type: "uint16"},
			{Name: RegIntMeterComm, Address: 50092, Type: "uint16"},
			{Name: RegExtMeterComm, Address: 50094, Type: "uint16"},
		},
		WriteRegisters: []registerEntry{
			{Name: RegRemoteCommLossTime, Address: 42101, Type: "uint16", Unit: "s"},
			{Name: RegExternalMeterEnable, Address: 47464, Type: "uint16"},
			{Name: RegManufacturerCode, Address: 47505, Type: "uint16"},
			{Name: RegFeedPowerEnable, Address: 47509, Type: "uint16"},
			{Name: RegExportPowerCap, Address: 47510, Type: "uint16", Unit: "W"},
			{Name: RegEMSPowerMode, Address: 47511, Type: "uint16"},
			{Name: RegEMSPowerSet, Address: 47512, Type: "uint16", Unit: "W"},
			{Name: RegMeterBias, Address: 47120, Type: "int16", Unit: "W"},
		},
	}
}

// DefaultRegisterMap builds the built-in layout. It cannot fail.
func DefaultRegisterMap() *RegisterMap {
	m, err := ParseRegisterMap(DefaultRegisterMapDocument())
	if err != nil {
		panic(err)
	}
	return m
}
