package translog

import (
	"encoding/binary"
	"fmt"
	"io"
)

var (
	headerMagic   = [4]byte{'I', 'S', 'T', 'L'}
	headerVersion = uint16(1)
)

const headerLen = 16

type fileHeader struct {
	Compression Compression
	Level       int
	Generation  uint64
}

// Layout: [magic:4][version:2][compression:1][level:1][generation:8]
func writeHeader(w io.Writer, h fileHeader) error {
	var buf [headerLen]byte
	copy(buf[0:4], headerMagic[:])
	binary.LittleEndian.PutUint16(buf[4:6], headerVersion)
	buf[6] = byte(h.Compression)
	buf[7] = byte(h.Level) //nolint:gosec // levels are small
	binary.LittleEndian.PutUint64(buf[8:16], h.Generation)

	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("failed to write translog header: %w", err)
	}
	return nil
}

func readHeader(r io.Reader) (fileHeader, error) {
	var buf [headerLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fileHeader{}, fmt.Errorf("failed to read translog header: %w", err)
	}
	if [4]byte(buf[0:4]) != headerMagic {
		return fileHeader{}, fmt.Errorf("%w: invalid header magic", ErrCorrupted)
	}
	if v := binary.LittleEndian.Uint16(buf[4:6]); v != headerVersion {
		return fileHeader{}, fmt.Errorf("unsupported translog header version: %d", v)
	}
	c := Compression(buf[6])
	if c > CompressionLZ4 {
		return fileHeader{}, fmt.Errorf("%w: unknown compression %d", ErrCorrupted, buf[6])
	}
	return fileHeader{
		Compression: c,
		Level:       int(buf[7]),
		Generation:  binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}
