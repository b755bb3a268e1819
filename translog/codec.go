package translog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
)

const (
	recordHeaderLen = 8                 // [payloadLen:4][crc32:4]
	payloadFixedLen = 1 + 8 + 8 + 2 + 4 // type, seqNo, version, idLen, sourceLen
	maxPayloadLen   = 64 << 20
)

// appendRecord encodes op as a framed record.
//
// Frame:   [payloadLen:4][crc32(payload):4][payload]
// Payload: [type:1][seqNo:8][version:8][idLen:2][id][sourceLen:4][source]
func appendRecord(dst []byte, op *Operation) ([]byte, error) {
	if len(op.ID) > math.MaxUint16 {
		return dst, fmt.Errorf("translog: document id too long (%d bytes)", len(op.ID))
	}
	payloadLen := payloadFixedLen + len(op.ID) + len(op.Source)
	if payloadLen > maxPayloadLen {
		return dst, fmt.Errorf("translog: operation too large (%d bytes)", payloadLen)
	}

	start := len(dst)
	dst = append(dst, make([]byte, recordHeaderLen)...)
	dst = append(dst, byte(op.Type))
	dst = binary.LittleEndian.AppendUint64(dst, op.SeqNo)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(op.Version)) //nolint:gosec // round-trips through int64
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(op.ID)))
	dst = append(dst, op.ID...)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(op.Source))) //nolint:gosec // bounded above
	dst = append(dst, op.Source...)

	payload := dst[start+recordHeaderLen:]
	binary.LittleEndian.PutUint32(dst[start:start+4], uint32(len(payload))) //nolint:gosec // bounded above
	binary.LittleEndian.PutUint32(dst[start+4:start+8], crc32.ChecksumIEEE(payload))
	return dst, nil
}

// readRecord decodes the next record. It returns io.EOF at a clean end of
// stream and io.ErrUnexpectedEOF for a torn tail write.
func readRecord(r io.Reader, scratch []byte) (Operation, []byte, error) {
	var hdr [recordHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Operation{}, scratch, err
	}
	n := binary.LittleEndian.Uint32(hdr[0:4])
	want := binary.LittleEndian.Uint32(hdr[4:8])
	if n < payloadFixedLen || n > maxPayloadLen {
		return Operation{}, scratch, fmt.Errorf("%w: invalid record length %d", ErrCorrupted, n)
	}

	if cap(scratch) < int(n) {
		scratch = make([]byte, n)
	}
	payload := scratch[:n]
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Operation{}, scratch, err
	}
	if got := crc32.ChecksumIEEE(payload); got != want {
		return Operation{}, scratch, fmt.Errorf("%w: record checksum mismatch: expected 0x%08x, got 0x%08x", ErrCorrupted, want, got)
	}

	op := Operation{
		Type:    OpType(payload[0]),
		SeqNo:   binary.LittleEndian.Uint64(payload[1:9]),
		Version: int64(binary.LittleEndian.Uint64(payload[9:17])), //nolint:gosec // round-trips through int64
	}
	idLen := int(binary.LittleEndian.Uint16(payload[17:19]))
	rest := payload[19:]
	if len(rest) < idLen+4 {
		return Operation{}, scratch, fmt.Errorf("%w: truncated id", ErrCorrupted)
	}
	op.ID = string(rest[:idLen])
	rest = rest[idLen:]
	srcLen := int(binary.LittleEndian.Uint32(rest[:4]))
	rest = rest[4:]
	if len(rest) != srcLen {
		return Operation{}, scratch, fmt.Errorf("%w: source length mismatch", ErrCorrupted)
	}
	if srcLen > 0 {
		op.Source = append([]byte(nil), rest...)
	}

	switch op.Type {
	case OpIndex, OpDelete, OpNoop:
	default:
		return Operation{}, scratch, fmt.Errorf("%w: unknown operation type %d", ErrCorrupted, op.Type)
	}
	return op, scratch, nil
}
