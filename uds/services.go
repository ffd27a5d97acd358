package uds

import (
	"fmt"
)

// ServiceID is a UDS (ISO 14229) service identifier. The named constants
// cover the standard services; any other byte value is carried through
// unchanged for vendor-specific commands.
type ServiceID byte

// UDS Service ID constants
const (
	ServiceDiagnosticSessionControl        ServiceID = 0x10
	ServiceECUReset                        ServiceID = 0x11
	ServiceClearDiagnosticInformation      ServiceID = 0x14
	ServiceReadDTCInformation              ServiceID = 0x19
	ServiceReadDataByIdentifier            ServiceID = 0x22
	ServiceReadMemoryByAddress             ServiceID = 0x23
	ServiceReadScalingDataByIdentifier     ServiceID = 0x24
	ServiceSecurityAccess                  ServiceID = 0x27
	ServiceCommunicationControl            ServiceID = 0x28
	ServiceReadDataByPeriodicIdentifier    ServiceID = 0x2A
	ServiceDynamicallyDefineDataIdentifier ServiceID = 0x2C
	ServiceWriteDataByIdentifier           ServiceID = 0x2E
	ServiceInputOutputControlByIdentifier  ServiceID = 0x2F
	ServiceRoutineControl                  ServiceID = 0x31
	ServiceRequestDownload                 ServiceID = 0x34
	ServiceRequestUpload                   ServiceID = 0x35
	ServiceTransferData                    ServiceID = 0x36
	ServiceRequestTransferExit             ServiceID = 0x37
	ServiceWriteMemoryByAddress            ServiceID = 0x3D
	ServiceTesterPresent                   ServiceID = 0x3E
	ServiceAccessTimingParameters          ServiceID = 0x83
	ServiceSecuredDataTransmission         ServiceID = 0x84
	ServiceControlDTCSetting               ServiceID = 0x85
	ServiceResponseOnEvent                 ServiceID = 0x86
	ServiceLinkControl                     ServiceID = 0x87
)

const (
	// NegativeResponseByte marks an ECU negative response message.
	NegativeResponseByte byte = 0x7F
	// PositiveResponseServiceIDOffset is added to the request SID in a
	// positive response.
	PositiveResponseServiceIDOffset byte = 0x40
)

// Map of UDS service IDs to their names.
var serviceIDNames = map[ServiceID]string{
	ServiceDiagnosticSessionControl:        "Diagnostic Session Control",
	ServiceECUReset:                        "ECU Reset",
	ServiceClearDiagnosticInformation:      "Clear Diagnostic Information",
	ServiceReadDTCInformation:              "Read DTC Information",
	ServiceReadDataByIdentifier:            "Read Data By Identifier",
	ServiceReadMemoryByAddress:             "Read Memory By Address",
	ServiceReadScalingDataByIdentifier:     "Read Scaling Data By Identifier",
	ServiceSecurityAccess:                  "Security Access",
	ServiceCommunicationControl:            "Communication Control",
	ServiceReadDataByPeriodicIdentifier:    "Read Data By Periodic Identifier",
	ServiceDynamicallyDefineDataIdentifier: "Dynamically Define Data Identifier",
	ServiceWriteDataByIdentifier:           "Write Data By Identifier",
	ServiceInputOutputControlByIdentifier:  "Input Output Control By Identifier",
	ServiceRoutineControl:                  "Routine Control",
	ServiceRequestDownload:                 "Request Download",
	ServiceRequestUpload:                   "Request Upload",
	ServiceTransferData:                    "Transfer Data",
	ServiceRequestTransferExit:             "Request Transfer Exit",
	ServiceWriteMemoryByAddress:            "Write Memory By Address",
	ServiceTesterPresent:                   "Tester Present",
	ServiceAccessTimingParameters:          "Access Timing Parameters",
	ServiceSecuredDataTransmission:         "Secured Data Transmission",
	ServiceControlDTCSetting:               "Control DTC Setting",
	ServiceResponseOnEvent:                 "Response On Event",
	ServiceLinkControl:                     "Link Control",
}

// String returns the service name, or the raw byte in hex for
// vendor-specific identifiers.
func (s ServiceID) String() string {
	if name, ok := serviceIDNames[s]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", byte(s))
}
