// Package flash drives UDS firmware downloads: request download, block
// transfer with sequence counting, and transfer exit. Firmware images come
// from Intel HEX files or raw segments.
package flash

import (
	"errors"
	"fmt"

	"github.com/rnd-ash/ecu-diagnostics/logging"
	"github.com/rnd-ash/ecu-diagnostics/uds"
)

// transferOverhead is the service ID and block sequence counter, which the
// ECU's advertised maxNumberOfBlockLength includes.
const transferOverhead = 2

// Downloader writes firmware to an ECU over a running diagnostic server.
// AddrLen and SizeLen set the byte widths used to encode memory addresses
// and sizes; Format is the UDS dataFormatIdentifier (0x00 means raw).
type Downloader struct {
	Server  *uds.Server
	AddrLen int
	SizeLen int
	Format  byte
}

// NewDownloader returns a Downloader with the common 32-bit address and
// size encoding.
func NewDownloader(srv *uds.Server) *Downloader {
	return &Downloader{Server: srv, AddrLen: 4, SizeLen: 4}
}

// RequestDownload opens a download of size bytes to the given memory
// address and returns the ECU's maximum block length (including the
// transfer overhead bytes).
func (d *Downloader) RequestDownload(address, size uint64) (uint64, error) {
	alfid, err := buildALFID(d.AddrLen, d.SizeLen)
	if err != nil {
		return 0, err
	}
	addrBytes, err := encodeUint(address, d.AddrLen)
	if err != nil {
		return 0, fmt.Errorf("address: %w", err)
	}
	sizeBytes, err := encodeUint(size, d.SizeLen)
	if err != nil {
		return 0, fmt.Errorf("size: %w", err)
	}

	args := make([]byte, 0, 2+len(addrBytes)+len(sizeBytes))
	args = append(args, d.Format, alfid)
	args = append(args, addrBytes...)
	args = append(args, sizeBytes...)

	resp, err := d.Server.ExecuteWithResponse(uds.ServiceRequestDownload, args)
	if err != nil {
		return 0, err
	}
	return parseMaxBlockLength(resp)
}

func parseMaxBlockLength(resp []byte) (uint64, error) {
	if len(resp) < 2 {
		return 0, uds.ErrInvalidResponseLength
	}
	lfid := int(resp[1] >> 4)
	if lfid < 1 || lfid > 8 {
		return 0, fmt.Errorf("unsupported block length width: %d", lfid)
	}
	if len(resp) < 2+lfid {
		return 0, uds.ErrInvalidResponseLength
	}

	var maxLen uint64
	for _, b := range resp[2 : 2+lfid] {
		maxLen = (maxLen << 8) | uint64(b)
	}
	if maxLen <= transferOverhead {
		return 0, fmt.Errorf("ECU advertised unusable block length %d", maxLen)
	}
	return maxLen, nil
}

// TransferData sends one block under the given sequence counter and checks
// the ECU's counter echo.
func (d *Downloader) TransferData(seq byte, block []byte) error {
	args := make([]byte, 0, 1+len(block))
	args = append(args, seq)
	args = append(args, block...)

	resp, err := d.Server.ExecuteWithResponse(uds.ServiceTransferData, args)
	if err != nil {
		return err
	}
	if len(resp) < 2 {
		return uds.ErrInvalidResponseLength
	}
	if resp[1] != seq {
		return fmt.Errorf("sequence mismatch: got 0x%02X want 0x%02X", resp[1], seq)
	}
	return nil
}

// TransferBlocks sends blocks in order starting at startSeq and returns the
// next free sequence number. The counter wraps from 0xFF to 0x00 as the
// protocol requires.
func (d *Downloader) TransferBlocks(blocks [][]byte, startSeq byte) (byte, error) {
	if len(blocks) == 0 {
		return startSeq, errors.New("no blocks to transfer")
	}

	seq := startSeq
	for i, block := range blocks {
		if err := d.TransferData(seq, block); err != nil {
			return seq, fmt.Errorf("block %d: %w", i, err)
		}
		seq++
	}
	return seq, nil
}

// RequestTransferExit finishes the download and returns the ECU's transfer
// response parameters, if any.
func (d *Downloader) RequestTransferExit(params []byte) ([]byte, error) {
	resp, err := d.Server.ExecuteWithResponse(uds.ServiceRequestTransferExit, params)
	if err != nil {
		return nil, err
	}
	return resp[1:], nil
}

// DownloadSegment runs the full request/transfer/exit cycle for one
// firmware segment, sizing blocks to the ECU's advertised maximum.
func (d *Downloader) DownloadSegment(seg Segment) error {
	l := logging.Get()

	maxLen, err := d.RequestDownload(uint64(seg.Address), uint64(len(seg.Data)))
	if err != nil {
		return fmt.Errorf("request download at 0x%X: %w", seg.Address, err)
	}
	blockSize := int(maxLen) - transferOverhead
	l.WriteToLog(fmt.Sprintf("flash: writing %d bytes to 0x%X in %d byte blocks", len(seg.Data), seg.Address, blockSize), logging.LogTypeLog)

	if _, err := d.TransferBlocks(SplitBlocks(seg.Data, blockSize), 1); err != nil {
		return err
	}
	if _, err := d.RequestTransferExit(nil); err != nil {
		return fmt.Errorf("transfer exit: %w", err)
	}
	return nil
}

// DownloadHexFile flashes every data segment of an Intel HEX file.
func (d *Downloader) DownloadHexFile(filepath string) error {
	// Block splitting is redone per segment once the ECU advertises its
	// block length, so the parse-time split size is only a placeholder.
	segments, err := ParseHexSegments(filepath, 1024)
	if err != nil {
		return err
	}
	for i, seg := range segments {
		if err := d.DownloadSegment(seg); err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
	}
	return nil
}
