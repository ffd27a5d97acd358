package flash

import (
	"fmt"
	"os"

	"github.com/marcinbor85/gohex"
)

// Segment is one contiguous region of firmware, pre-split into
// transfer-sized blocks.
type Segment struct {
	Address uint32
	Data    []byte
	Blocks  [][]byte
}

// SplitBlocks cuts data into chunks of at most blockSize bytes.
func SplitBlocks(data []byte, blockSize int) [][]byte {
	if blockSize <= 0 {
		return nil
	}
	chunkCount := (len(data) + blockSize - 1) / blockSize
	blocks := make([][]byte, 0, chunkCount)
	for i := 0; i < len(data); i += blockSize {
		end := i + blockSize
		if end > len(data) {
			end = len(data)
		}
		blocks = append(blocks, data[i:end])
	}
	return blocks
}

// ParseHexSegments reads an Intel HEX file and returns its data segments,
// each split into blocks of blockSize bytes.
func ParseHexSegments(filepath string, blockSize int) ([]Segment, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("blockSize must be > 0")
	}

	hexFile, err := os.Open(filepath)
	if err != nil {
		return nil, err
	}
	defer hexFile.Close()

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(hexFile); err != nil {
		return nil, err
	}

	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return nil, fmt.Errorf("no data segments found in hex file")
	}

	out := make([]Segment, 0, len(segments))
	for _, seg := range segments {
		out = append(out, Segment{
			Address: seg.Address,
			Data:    seg.Data,
			Blocks:  SplitBlocks(seg.Data, blockSize),
		})
	}
	return out, nil
}

// buildALFID packs the address and size byte counts into the UDS
// addressAndLengthFormatIdentifier byte.
func buildALFID(addrLen, sizeLen int) (byte, error) {
	if addrLen < 1 || addrLen > 8 {
		return 0, fmt.Errorf("address length must be 1..8, got %d", addrLen)
	}
	if sizeLen < 1 || sizeLen > 8 {
		return 0, fmt.Errorf("size length must be 1..8, got %d", sizeLen)
	}
	return byte((sizeLen << 4) | addrLen), nil
}

// encodeUint renders value big-endian in exactly length bytes.
func encodeUint(value uint64, length int) ([]byte, error) {
	if length < 1 || length > 8 {
		return nil, fmt.Errorf("length must be 1..8, got %d", length)
	}
	if length < 8 && value>>(8*length) != 0 {
		return nil, fmt.Errorf("value 0x%X does not fit in %d bytes", value, length)
	}

	out := make([]byte, length)
	for i := length - 1; i >= 0; i-- {
		out[i] = byte(value)
		value >>= 8
	}
	return out, nil
}
