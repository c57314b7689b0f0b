// Package wire decodes the fixed-layout stack-sample record produced by the
// kernel probe. The layout is defined in full in spec §6; this package is
// the only place in the module that knows the byte offsets.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// RecordSize is the byte size of one wire record: 4+4+8+8+16+4.
const RecordSize = 44

// absent marks a stack handle as "not captured" — all-ones per spec §6.
const absent = ^int32(0)

// Sample is one decoded stack-sample record.
//
//	Offset  Size  Field
//	0       4     Tgid
//	4       4     Pid
//	8       8     UserStackID (i32 + present tag)
//	16      8     KernelStackID (i32 + present tag)
//	24      16    Cmd
//	40      4     CPU
type Sample struct {
	Tgid          uint32
	Pid           uint32
	UserStackID   *int32
	KernelStackID *int32
	Cmd           [16]byte
	CPU           uint32
}

// wireLayout mirrors the C representation bit-for-bit so Decode/Encode can
// bit-cast instead of field-by-field parsing.
type wireLayout struct {
	Tgid            uint32
	Pid             uint32
	UserStackID     int32
	UserPresent     uint32
	KernelStackID   int32
	KernelPresent   uint32
	Cmd             [16]byte
	CPU             uint32
}

// Decode parses one fixed-layout little-endian record. It returns an error
// if b is shorter than RecordSize.
func Decode(b []byte) (Sample, error) {
	if len(b) < RecordSize {
		return Sample{}, fmt.Errorf("wire: short record: got %d bytes, want %d", len(b), RecordSize)
	}

	var raw wireLayout
	if err := binary.Read(bytes.NewReader(b[:RecordSize]), binary.LittleEndian, &raw); err != nil {
		return Sample{}, fmt.Errorf("wire: decode: %w", err)
	}

	s := Sample{
		Tgid: raw.Tgid,
		Pid:  raw.Pid,
		Cmd:  raw.Cmd,
		CPU:  raw.CPU,
	}
	if raw.UserPresent != 0 && raw.UserStackID != absent {
		v := raw.UserStackID
		s.UserStackID = &v
	}
	if raw.KernelPresent != 0 && raw.KernelStackID != absent {
		v := raw.KernelStackID
		s.KernelStackID = &v
	}
	return s, nil
}

// Encode renders s back into the fixed wire layout. Used by tests to check
// the round-trip property from spec §8, and available to callers that need
// to synthesize wire records (e.g. integration tests driving pkg/consumer
// without a real kernel probe).
func (s Sample) Encode() []byte {
	raw := wireLayout{
		Tgid: s.Tgid,
		Pid:  s.Pid,
		Cmd:  s.Cmd,
		CPU:  s.CPU,
	}
	if s.UserStackID != nil {
		raw.UserStackID = *s.UserStackID
		raw.UserPresent = 1
	} else {
		raw.UserStackID = absent
	}
	if s.KernelStackID != nil {
		raw.KernelStackID = *s.KernelStackID
		raw.KernelPresent = 1
	} else {
		raw.KernelStackID = absent
	}

	buf := new(bytes.Buffer)
	buf.Grow(RecordSize)
	// binary.Write cannot fail writing into a bytes.Buffer with a
	// fixed-size struct of fixed-size fields.
	_ = binary.Write(buf, binary.LittleEndian, raw)
	return buf.Bytes()
}

// Fingerprint is the comparable aggregation key: equality and hashing over
// every field of Sample, as required by spec §3.
type Fingerprint struct {
	Tgid          uint32
	Pid           uint32
	UserStackID   int32
	HasUserStack  bool
	KernelStackID int32
	HasKernStack  bool
	Cmd           [16]byte
	CPU           uint32
}

// Fingerprint computes the aggregation key for s.
func (s Sample) Fingerprint() Fingerprint {
	fp := Fingerprint{
		Tgid: s.Tgid,
		Pid:  s.Pid,
		Cmd:  s.Cmd,
		CPU:  s.CPU,
	}
	if s.UserStackID != nil {
		fp.UserStackID = *s.UserStackID
		fp.HasUserStack = true
	}
	if s.KernelStackID != nil {
		fp.KernelStackID = *s.KernelStackID
		fp.HasKernStack = true
	}
	return fp
}

// CmdString trims trailing NUL padding and replaces invalid UTF-8, per the
// formatter's rendering contract in spec §4.8.
func (s Sample) CmdString() string {
	n := bytes.IndexByte(s.Cmd[:], 0)
	if n < 0 {
		n = len(s.Cmd)
	}
	return strings.ToValidUTF8(string(s.Cmd[:n]), "�")
}

// IsKernelIdle reports whether the sample represents the kernel idle
// thread: pid 0 and a command beginning with "swapper" (spec §4.6).
func (s Sample) IsKernelIdle() bool {
	return s.Pid == 0 && bytes.HasPrefix(s.Cmd[:], []byte("swapper"))
}
