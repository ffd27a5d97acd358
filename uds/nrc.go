package uds

import (
	"fmt"
)

// UDS Negative Response Code (NRC) constants
const (
	NRCGeneralReject                             byte = 0x10
	NRCServiceNotSupported                       byte = 0x11
	NRCSubFunctionNotSupported                   byte = 0x12
	NRCIncorrectMessageLengthOrInvalidFormat     byte = 0x13
	NRCResponseTooLong                           byte = 0x14
	NRCBusyRepeatRequest                         byte = 0x21
	NRCConditionsNotCorrect                      byte = 0x22
	NRCRequestSequenceError                      byte = 0x24
	NRCNoResponseFromSubnetComponent             byte = 0x25
	NRCFailurePreventsExecutionOfRequestedAction byte = 0x26
	NRCRequestOutOfRange                         byte = 0x31
	NRCSecurityAccessDenied                      byte = 0x33
	NRCInvalidKey                                byte = 0x35
	NRCExceededNumberOfAttempts                  byte = 0x36
	NRCRequiredTimeDelayNotExpired               byte = 0x37
	NRCUploadDownloadNotAccepted                 byte = 0x70
	NRCTransferDataSuspended                     byte = 0x71
	NRCGeneralProgrammingFailure                 byte = 0x72
	NRCWrongBlockSequenceCounter                 byte = 0x73
	NRCRequestCorrectlyReceivedResponsePending   byte = 0x78
	NRCSubFunctionNotSupportedInActiveSession    byte = 0x7E
	NRCServiceNotSupportedInActiveSession        byte = 0x7F
	NRCRPMTooHigh                                byte = 0x81
	NRCRPMTooLow                                 byte = 0x82
	NRCEngineIsRunning                           byte = 0x83
	NRCEngineIsNotRunning                        byte = 0x84
	NRCEngineRunTimeTooLow                       byte = 0x85
	NRCTemperatureTooHigh                        byte = 0x86
	NRCTemperatureTooLow                         byte = 0x87
	NRCVehicleSpeedTooHigh                       byte = 0x88
	NRCVehicleSpeedTooLow                        byte = 0x89
	NRCThrottlePedalTooHigh                      byte = 0x8A
	NRCThrottlePedalTooLow                       byte = 0x8B
	NRCTransmissionRangeNotInNeutral             byte = 0x8C
	NRCTransmissionRangeNotInGear                byte = 0x8D
	NRCBrakeSwitchNotClosed                      byte = 0x8F
	NRCShifterLeverNotInPark                     byte = 0x90
	NRCTorqueConverterClutchLocked               byte = 0x91
	NRCVoltageTooHigh                            byte = 0x92
	NRCVoltageTooLow                             byte = 0x93
)

// Map of NRC codes to their names.
var nrcNames = map[byte]string{
	NRCGeneralReject:                             "General Reject",
	NRCServiceNotSupported:                       "Service Not Supported",
	NRCSubFunctionNotSupported:                   "SubFunction Not Supported",
	NRCIncorrectMessageLengthOrInvalidFormat:     "Incorrect Message Length or Invalid Format",
	NRCResponseTooLong:                           "Response Too Long",
	NRCBusyRepeatRequest:                         "Busy Repeat Request",
	NRCConditionsNotCorrect:                      "Conditions Not Correct",
	NRCRequestSequenceError:                      "Request Sequence Error",
	NRCNoResponseFromSubnetComponent:             "No Response From Subnet Component",
	NRCFailurePreventsExecutionOfRequestedAction: "Failure Prevents Execution of Requested Action",
	NRCRequestOutOfRange:                         "Request Out of Range",
	NRCSecurityAccessDenied:                      "Security Access Denied",
	NRCInvalidKey:                                "Invalid Key",
	NRCExceededNumberOfAttempts:                  "Exceeded Number of Attempts",
	NRCRequiredTimeDelayNotExpired:               "Required Time Delay Not Expired",
	NRCUploadDownloadNotAccepted:                 "Upload/Download Not Accepted",
	NRCTransferDataSuspended:                     "Transfer Data Suspended",
	NRCGeneralProgrammingFailure:                 "General Programming Failure",
	NRCWrongBlockSequenceCounter:                 "Wrong Block Sequence Counter",
	NRCRequestCorrectlyReceivedResponsePending:   "Request Correctly Received - Response Pending",
	NRCSubFunctionNotSupportedInActiveSession:    "SubFunction Not Supported in Active Session",
	NRCServiceNotSupportedInActiveSession:        "Service Not Supported in Active Session",
	NRCRPMTooHigh:                                "RPM Too High",
	NRCRPMTooLow:                                 "RPM Too Low",
	NRCEngineIsRunning:                           "Engine is Running",
	NRCEngineIsNotRunning:                        "Engine is Not Running",
	NRCEngineRunTimeTooLow:                       "Engine Run Time Too Low",
	NRCTemperatureTooHigh:                        "Temperature Too High",
	NRCTemperatureTooLow:                         "Temperature Too Low",
	NRCVehicleSpeedTooHigh:                       "Vehicle Speed Too High",
	NRCVehicleSpeedTooLow:                        "Vehicle Speed Too Low",
	NRCThrottlePedalTooHigh:                      "Throttle Pedal Too High",
	NRCThrottlePedalTooLow:                       "Throttle Pedal Too Low",
	NRCTransmissionRangeNotInNeutral:             "Transmission Range Not In Neutral",
	NRCTransmissionRangeNotInGear:                "Transmission Range Not In Gear",
	NRCBrakeSwitchNotClosed:                      "Brake Switch Not Closed",
	NRCShifterLeverNotInPark:                     "Shifter Lever Not In Park",
	NRCTorqueConverterClutchLocked:               "Torque Converter Clutch Locked",
	NRCVoltageTooHigh:                            "Voltage Too High",
	NRCVoltageTooLow:                             "Voltage Too Low",
}

// NRCLabel returns a human-readable name for a negative response code.
// Reserved and manufacturer-specific codes render as hex.
func NRCLabel(nrc byte) string {
	if name, ok := nrcNames[nrc]; ok {
		return name
	}
	if nrc >= 0x38 && nrc <= 0x4F {
		return fmt.Sprintf("Reserved for Extended Data Link Security (0x%02X)", nrc)
	}
	if nrc >= 0x94 && nrc <= 0xFE {
		return fmt.Sprintf("Reserved for Specific Conditions Not Correct (0x%02X)", nrc)
	}
	return fmt.Sprintf("0x%02X", nrc)
}
