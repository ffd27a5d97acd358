package uds

import (
	"fmt"
	"sync/atomic"
)

// DTCFormat identifies the encoding standard of a raw trouble code, as
// reported in the DTCFormatIdentifier byte of ReadDTCInformation responses.
type DTCFormat byte

const (
	DTCFormatISO15031 DTCFormat = 0x00 // SAE/OBD-II two byte codes
	DTCFormatISO14229 DTCFormat = 0x01 // UDS three byte codes
	DTCFormatSAEJ1939 DTCFormat = 0x02 // heavy duty SPN/FMI
	DTCFormatISO11992 DTCFormat = 0x03 // truck/trailer
	DTCFormatUnknown  DTCFormat = 0xFF
)

func (f DTCFormat) String() string {
	switch f {
	case DTCFormatISO15031:
		return "ISO15031-6"
	case DTCFormatISO14229:
		return "ISO14229-1"
	case DTCFormatSAEJ1939:
		return "SAEJ1939-73"
	case DTCFormatISO11992:
		return "ISO11992-4"
	default:
		return fmt.Sprintf("DTCFormat(0x%02X)", byte(f))
	}
}

func dtcFormatFromByte(b byte) DTCFormat {
	if b <= byte(DTCFormatISO11992) {
		return DTCFormat(b)
	}
	return DTCFormatUnknown
}

// ReadDTCInformation report types (the subfunction byte of service 0x19).
const (
	DTCReportNumberOfDTCByStatusMask             byte = 0x01
	DTCReportDTCByStatusMask                     byte = 0x02
	DTCReportDTCSnapshotIdentification           byte = 0x03
	DTCReportDTCSnapshotRecordByDTCNumber        byte = 0x04
	DTCReportDTCExtendedDataRecordByDTCNumber    byte = 0x06
	DTCReportSupportedDTC                        byte = 0x0A
	DTCReportFirstTestFailedDTC                  byte = 0x0B
	DTCReportFirstConfirmedDTC                   byte = 0x0C
	DTCReportMostRecentTestFailedDTC             byte = 0x0D
	DTCReportMostRecentConfirmedDTC              byte = 0x0E
	DTCReportMirrorMemoryDTCByStatusMask         byte = 0x0F
	DTCReportNumberOfMirrorMemoryDTCByStatusMask byte = 0x11
	DTCReportNumberOfEmissionsDTCByStatusMask    byte = 0x12
	DTCReportEmissionsDTCByStatusMask            byte = 0x13
	DTCReportDTCFaultDetectionCounter            byte = 0x14
	DTCReportDTCWithPermanentStatus              byte = 0x15
)

// DTC status byte bits per ISO 14229 (statusOfDTC).
const (
	DTCStatusTestFailed                 byte = 0x01
	DTCStatusTestFailedThisCycle        byte = 0x02
	DTCStatusPending                    byte = 0x04
	DTCStatusConfirmed                  byte = 0x08
	DTCStatusTestNotCompletedSinceClear byte = 0x10
	DTCStatusTestFailedSinceClear       byte = 0x20
	DTCStatusTestNotCompletedThisCycle  byte = 0x40
	DTCStatusWarningIndicatorRequested  byte = 0x80
)

// DTCStatusMaskAll matches every stored code regardless of status.
const DTCStatusMaskAll byte = 0xFF

// ClearAllDTCsGroup is the groupOfDTC mask selecting every stored code for
// ClearDiagnosticInformation.
const ClearAllDTCsGroup uint32 = 0xFFFFFF

// DTC is one diagnostic trouble code as stored by the ECU.
type DTC struct {
	// Format tells how Raw should be decoded.
	Format DTCFormat
	// Raw is the 3-byte code exactly as it appeared on the wire.
	Raw uint32
	// Status is the ISO 14229 status byte (see the DTCStatus bits).
	Status byte
	// MILOn reports whether this code has requested the warning indicator.
	MILOn bool
}

// Confirmed reports whether the code has matured past pending.
func (d DTC) Confirmed() bool { return d.Status&DTCStatusConfirmed != 0 }

// Pending reports whether the code failed this or the previous cycle but has
// not yet confirmed.
func (d DTC) Pending() bool { return d.Status&DTCStatusPending != 0 }

// Code renders the trouble code in the familiar letter form (P0610,
// U0122-08). The low byte, when non-zero, is the failure type suffix.
func (d DTC) Code() string {
	letters := [4]byte{'P', 'C', 'B', 'U'}
	hi := byte(d.Raw >> 16)
	head := fmt.Sprintf("%c%d%03X", letters[hi>>6], (hi>>4)&0x03, uint32(hi&0x0F)<<8|(d.Raw>>8)&0xFF)
	if low := byte(d.Raw); low != 0 {
		return fmt.Sprintf("%s-%02X", head, low)
	}
	return head
}

func (d DTC) String() string {
	return fmt.Sprintf("%s (0x%06X, status 0x%02X)", d.Code(), d.Raw, d.Status)
}

// DTCFaultCounter pairs a trouble code with its prefailed fault detection
// counter.
type DTCFaultCounter struct {
	Raw     uint32
	Counter byte
}

// DTCCountByStatusMask asks how many stored codes match the status mask.
// It also returns the ECU's status availability mask and code format.
func (s *Server) DTCCountByStatusMask(mask byte) (availabilityMask byte, format DTCFormat, count uint16, err error) {
	return s.dtcCount(DTCReportNumberOfDTCByStatusMask, mask)
}

// MirrorMemoryDTCCountByStatusMask counts matching codes in mirror memory.
func (s *Server) MirrorMemoryDTCCountByStatusMask(mask byte) (availabilityMask byte, format DTCFormat, count uint16, err error) {
	return s.dtcCount(DTCReportNumberOfMirrorMemoryDTCByStatusMask, mask)
}

// EmissionsDTCCountByStatusMask counts matching emissions-related OBD codes.
func (s *Server) EmissionsDTCCountByStatusMask(mask byte) (availabilityMask byte, format DTCFormat, count uint16, err error) {
	return s.dtcCount(DTCReportNumberOfEmissionsDTCByStatusMask, mask)
}

func (s *Server) dtcCount(reportType, mask byte) (byte, DTCFormat, uint16, error) {
	resp, err := s.ExecuteWithResponse(ServiceReadDTCInformation, []byte{reportType, mask})
	if err != nil {
		return 0, DTCFormatUnknown, 0, err
	}
	// SID, report type echo, availability mask, format, count high, count low.
	if len(resp) != 6 {
		return 0, DTCFormatUnknown, 0, ErrInvalidResponseLength
	}
	format := dtcFormatFromByte(resp[3])
	atomic.StoreUint32(&s.dtcFormat, uint32(format)+1)
	return resp[2], format, uint16(resp[4])<<8 | uint16(resp[5]), nil
}

// DTCsByStatusMask lists the stored codes matching the status mask.
func (s *Server) DTCsByStatusMask(mask byte) ([]DTC, error) {
	return s.dtcList([]byte{DTCReportDTCByStatusMask, mask}, mask)
}

// MirrorMemoryDTCsByStatusMask lists matching codes from mirror memory.
func (s *Server) MirrorMemoryDTCsByStatusMask(mask byte) ([]DTC, error) {
	return s.dtcList([]byte{DTCReportMirrorMemoryDTCByStatusMask, mask}, mask)
}

// EmissionsDTCsByStatusMask lists matching emissions-related OBD codes.
func (s *Server) EmissionsDTCsByStatusMask(mask byte) ([]DTC, error) {
	return s.dtcList([]byte{DTCReportEmissionsDTCByStatusMask, mask}, mask)
}

// SupportedDTCs lists every code the ECU can detect, stored or not.
func (s *Server) SupportedDTCs() ([]DTC, error) {
	return s.dtcList([]byte{DTCReportSupportedDTC}, DTCStatusMaskAll)
}

// PermanentDTCs lists codes with permanent status, which survive a clear.
func (s *Server) PermanentDTCs() ([]DTC, error) {
	return s.dtcList([]byte{DTCReportDTCWithPermanentStatus}, DTCStatusMaskAll)
}

func (s *Server) dtcList(args []byte, formatQueryMask byte) ([]DTC, error) {
	resp, err := s.ExecuteWithResponse(ServiceReadDTCInformation, args)
	if err != nil {
		return nil, err
	}
	// SID, report type echo and availability mask precede the records. A
	// response holding just the header means nothing matched.
	if len(resp) < 7 {
		return nil, nil
	}
	records := resp[3:]
	if len(records)%4 != 0 {
		return nil, ErrInvalidResponseLength
	}

	format := s.cachedDTCFormat()
	if format == DTCFormatUnknown {
		// The list response does not carry the format identifier; a count
		// query does. Failure here only costs the format annotation.
		if _, f, _, err := s.DTCCountByStatusMask(formatQueryMask); err == nil {
			format = f
		}
	}

	out := make([]DTC, 0, len(records)/4)
	for i := 0; i+4 <= len(records); i += 4 {
		status := records[i+3]
		out = append(out, DTC{
			Format: format,
			Raw:    uint32(records[i])<<16 | uint32(records[i+1])<<8 | uint32(records[i+2]),
			Status: status,
			MILOn:  status&DTCStatusWarningIndicatorRequested != 0,
		})
	}
	return out, nil
}

func (s *Server) cachedDTCFormat() DTCFormat {
	v := atomic.LoadUint32(&s.dtcFormat)
	if v == 0 {
		return DTCFormatUnknown
	}
	return DTCFormat(v - 1)
}

// DTCFaultDetectionCounters reports the fault detection counter of every
// prefailed code.
func (s *Server) DTCFaultDetectionCounters() ([]DTCFaultCounter, error) {
	resp, err := s.ExecuteWithResponse(ServiceReadDTCInformation, []byte{DTCReportDTCFaultDetectionCounter})
	if err != nil {
		return nil, err
	}
	// Only SID and report type echo precede the records here.
	if len(resp) < 6 {
		return nil, nil
	}
	records := resp[2:]
	if len(records)%4 != 0 {
		return nil, ErrInvalidResponseLength
	}
	out := make([]DTCFaultCounter, 0, len(records)/4)
	for i := 0; i+4 <= len(records); i += 4 {
		out = append(out, DTCFaultCounter{
			Raw:     uint32(records[i])<<16 | uint32(records[i+1])<<8 | uint32(records[i+2]),
			Counter: records[i+3],
		})
	}
	return out, nil
}

// ClearDiagnosticInformation erases the stored codes selected by the 3-byte
// group mask. Use ClearAllDTCsGroup to wipe everything.
func (s *Server) ClearDiagnosticInformation(group uint32) error {
	args := []byte{byte(group >> 16), byte(group >> 8), byte(group)}
	_, err := s.ExecuteWithResponse(ServiceClearDiagnosticInformation, args)
	return err
}
