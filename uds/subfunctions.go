package uds

// Diagnostic Session Control (0x10) session types
const (
	SessionDefault                byte = 0x01
	SessionProgramming            byte = 0x02
	SessionExtendedDiagnostics    byte = 0x03
	SessionSafetySystemDiagnostic byte = 0x04
)

// ECU Reset (0x11) reset types
const (
	ResetHard                  byte = 0x01
	ResetKeyOffOn              byte = 0x02
	ResetSoft                  byte = 0x03
	ResetEnableRapidPowerDown  byte = 0x04
	ResetDisableRapidPowerDown byte = 0x05
)

// Security Access (0x27) subfunction helpers. Seed requests use odd
// levels, key submissions the following even level.
const (
	SecuritySeedRequestBase byte = 0x01
	SecuritySendKeyBase     byte = 0x02
)

// Routine Control (0x31) routine types
const (
	RoutineStart         byte = 0x01
	RoutineStop          byte = 0x02
	RoutineRequestResult byte = 0x03
)

// Communication Control (0x28) control types
const (
	CommunicationEnableRxAndTx             byte = 0x00
	CommunicationEnableRxDisableTx         byte = 0x01
	CommunicationDisableRxEnableTx         byte = 0x02
	CommunicationDisableRxAndTx            byte = 0x03
	CommunicationEnableRxDisableTxEnhanced byte = 0x04
	CommunicationEnableRxAndTxEnhanced     byte = 0x05
)

// Control DTC Setting (0x85) setting types
const (
	DTCSettingOn  byte = 0x01
	DTCSettingOff byte = 0x02
)

// Tester Present (0x3E) subfunctions
const (
	// TesterPresentResponseRequired asks the ECU to acknowledge the ping.
	TesterPresentResponseRequired byte = 0x00
	// TesterPresentNoResponse suppresses the positive response.
	TesterPresentNoResponse byte = 0x80
)

// SuppressPositiveResponse is OR'd into a subfunction byte to tell the
// ECU not to answer a request.
const SuppressPositiveResponse byte = 0x80
