package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

const (
	segMagic       = "ISSG"
	segVersion     = 1
	segHeaderSize  = 9 // magic(4) version(1) docCount(4)
	segFooterSize  = 4 // crc32c over header and body
	maxIDLength    = 512
	maxSourceBytes = 64 << 20
)

// Document is one stored document version.
type Document struct {
	ID      string
	Version int64
	SeqNo   int64
	Source  []byte
}

// Segment is an immutable batch of documents addressed by ordinal.
type Segment struct {
	Name string
	Docs []Document
}

func encodeSegment(w io.Writer, seg *Segment) error {
	var hdr [segHeaderSize]byte
	copy(hdr[:4], segMagic)
	hdr[4] = segVersion
	binary.LittleEndian.PutUint32(hdr[5:], uint32(len(seg.Docs)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	zw := lz4.NewWriter(w)
	var buf []byte
	for i := range seg.Docs {
		d := &seg.Docs[i]
		if len(d.ID) == 0 || len(d.ID) > maxIDLength {
			return fmt.Errorf("store: invalid document id length %d", len(d.ID))
		}
		buf = buf[:0]
		buf = binary.AppendUvarint(buf, uint64(len(d.ID)))
		buf = append(buf, d.ID...)
		buf = binary.AppendVarint(buf, d.Version)
		buf = binary.AppendVarint(buf, d.SeqNo)
		buf = binary.AppendUvarint(buf, uint64(len(d.Source)))
		buf = append(buf, d.Source...)
		if _, err := zw.Write(buf); err != nil {
			return err
		}
	}
	return zw.Close()
}

// decodeSegment parses a segment blob whose footer was already verified.
func decodeSegment(name string, data []byte) (*Segment, error) {
	if len(data) < segHeaderSize+segFooterSize {
		return nil, fmt.Errorf("%w: segment %s too short", ErrCorrupted, name)
	}
	if string(data[:4]) != segMagic {
		return nil, fmt.Errorf("%w: segment %s has bad magic", ErrCorrupted, name)
	}
	if data[4] != segVersion {
		return nil, fmt.Errorf("%w: segment %s has unsupported version %d", ErrCorrupted, name, data[4])
	}
	count := int(binary.LittleEndian.Uint32(data[5:9]))

	body, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data[segHeaderSize : len(data)-segFooterSize])))
	if err != nil {
		return nil, fmt.Errorf("%w: segment %s: %w", ErrCorrupted, name, err)
	}

	seg := &Segment{Name: name, Docs: make([]Document, 0, count)}
	r := bytes.NewReader(body)
	for i := 0; i < count; i++ {
		d, err := readDocument(r)
		if err != nil {
			return nil, fmt.Errorf("%w: segment %s doc %d: %w", ErrCorrupted, name, i, err)
		}
		seg.Docs = append(seg.Docs, d)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: segment %s has %d trailing bytes", ErrCorrupted, name, r.Len())
	}
	return seg, nil
}

func readDocument(r *bytes.Reader) (Document, error) {
	var d Document
	idLen, err := binary.ReadUvarint(r)
	if err != nil {
		return d, err
	}
	if idLen == 0 || idLen > maxIDLength {
		return d, fmt.Errorf("invalid id length %d", idLen)
	}
	id := make([]byte, idLen)
	if _, err := io.ReadFull(r, id); err != nil {
		return d, err
	}
	d.ID = string(id)
	if d.Version, err = binary.ReadVarint(r); err != nil {
		return d, err
	}
	if d.SeqNo, err = binary.ReadVarint(r); err != nil {
		return d, err
	}
	srcLen, err := binary.ReadUvarint(r)
	if err != nil {
		return d, err
	}
	if srcLen > maxSourceBytes || srcLen > uint64(r.Len()) {
		return d, errors.New("source length out of range")
	}
	d.Source = make([]byte, srcLen)
	_, err = io.ReadFull(r, d.Source)
	return d, err
}

// verifyFooter checks the trailing checksum and returns it.
func verifyFooter(name string, data []byte) (uint32, error) {
	if len(data) < segHeaderSize+segFooterSize {
		return 0, fmt.Errorf("%w: segment %s too short", ErrCorrupted, name)
	}
	body := data[:len(data)-segFooterSize]
	want := binary.LittleEndian.Uint32(data[len(data)-segFooterSize:])
	if got := checksum(body); got != want {
		return 0, &ChecksumMismatchError{Name: name, Expected: want, Actual: got}
	}
	return want, nil
}
