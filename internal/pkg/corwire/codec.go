package corwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

var order = binary.BigEndian

func writeU8(buf *bytes.Buffer, v uint8)   { buf.WriteByte(v) }
func writeU16(buf *bytes.Buffer, v uint16) { var b [2]byte; order.PutUint16(b[:], v); buf.Write(b[:]) }
func writeU32(buf *bytes.Buffer, v uint32) { var b [4]byte; order.PutUint32(b[:], v); buf.Write(b[:]) }
func writeU64(buf *bytes.Buffer, v uint64) { var b [8]byte; order.PutUint64(b[:], v); buf.Write(b[:]) }
func writeI32(buf *bytes.Buffer, v int32)  { writeU32(buf, uint32(v)) }
func writeF64(buf *bytes.Buffer, v float64) {
	var b [8]byte
	order.PutUint64(b[:], math.Float64bits(v))
	buf.Write(b[:])
}
func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		writeU8(buf, 1)
	} else {
		writeU8(buf, 0)
	}
}
func writeVarstr(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}
func writeVarbytes(buf *bytes.Buffer, b []byte) {
	writeU32(buf, uint32(len(b)))
	buf.Write(b)
}
func writeVarsetU64(buf *bytes.Buffer, ids []uint64) {
	writeU32(buf, uint32(len(ids)))
	for _, id := range ids {
		writeU64(buf, id)
	}
}

type reader struct {
	b   []byte
	pos int
	err error
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.b) {
		r.fail(fmt.Errorf("corwire: short frame reading %d bytes at offset %d of %d", n, r.pos, len(r.b)))
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.b[r.pos]
	r.pos++
	return v
}
func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := order.Uint16(r.b[r.pos:])
	r.pos += 2
	return v
}
func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := order.Uint32(r.b[r.pos:])
	r.pos += 4
	return v
}
func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := order.Uint64(r.b[r.pos:])
	r.pos += 8
	return v
}
func (r *reader) i32() int32   { return int32(r.u32()) }
func (r *reader) f64() float64 { return math.Float64frombits(r.u64()) }
func (r *reader) boolean() bool {
	return r.u8() != 0
}
func (r *reader) varstr() string {
	n := int(r.u32())
	if !r.need(n) {
		return ""
	}
	s := string(r.b[r.pos : r.pos+n])
	r.pos += n
	return s
}
func (r *reader) varbytes() []byte {
	n := int(r.u32())
	if !r.need(n) {
		return nil
	}
	out := make([]byte, n)
	copy(out, r.b[r.pos:r.pos+n])
	r.pos += n
	return out
}
func (r *reader) varsetU64() []uint64 {
	n := int(r.u32())
	if n == 0 {
		return nil
	}
	out := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.u64())
	}
	return out
}

// Encode marshals cmd into a length-prefixed frame: u32 length | u8 kind |
// body, per spec.md §6.
func Encode(cmd Command) ([]byte, error) {
	body := new(bytes.Buffer)
	switch cmd.Kind {
	case KindHandshake:
		h := cmd.Handshake
		writeU32(body, h.WorkerID)
		writeVarstr(body, h.IP)
		writeU16(body, h.Port)
		writeF64(body, h.Time)
	case KindExecuteCompute:
		e := cmd.ExecuteCompute
		writeU64(body, e.JobID)
		writeVarstr(body, e.Name)
		writeVarsetU64(body, e.PhysReadIDs)
		writeVarsetU64(body, e.PhysWriteIDs)
		writeVarsetU64(body, e.Before)
		writeVarsetU64(body, e.After)
		writeU64(body, e.FutureID)
		writeBool(body, e.Sterile)
		writeVarbytes(body, e.Params)
	case KindCreateData:
		c := cmd.CreateData
		writeU64(body, c.JobID)
		writeVarstr(body, c.Variable)
		writeU64(body, c.LogicalID)
		writeU64(body, c.PhysicalID)
		writeVarsetU64(body, c.Before)
	case KindLocalCopy:
		l := cmd.LocalCopy
		writeU64(body, l.JobID)
		writeU64(body, l.FromPhys)
		writeU64(body, l.ToPhys)
		writeVarsetU64(body, l.Before)
	case KindRemoteCopySend:
		s := cmd.RemoteCopySend
		writeU64(body, s.JobID)
		writeU64(body, s.ReceiveJobID)
		writeU64(body, s.FromPhys)
		writeU32(body, s.ToWorker)
		writeVarstr(body, s.ToIP)
		writeU16(body, s.ToPort)
		writeVarsetU64(body, s.Before)
	case KindRemoteCopyReceive:
		r := cmd.RemoteCopyReceive
		writeU64(body, r.JobID)
		writeU64(body, r.ToPhys)
		writeVarsetU64(body, r.Before)
	case KindMegaRemoteCopyReceive:
		m := cmd.MegaRemoteReceive
		writeU64(body, m.JobID)
		writeVarsetU64(body, m.MemberIDs)
		writeVarsetU64(body, m.ToPhys)
		writeVarsetU64(body, m.Before)
	case KindJobDone:
		j := cmd.JobDone
		writeU64(body, j.JobID)
		writeBool(body, j.Final)
		writeU64(body, j.RunNs)
		writeU64(body, j.WaitNs)
		writeU64(body, j.MaxAlloc)
		writeU64(body, j.ConnectionResets)
	case KindPrepareRewind:
		p := cmd.PrepareRewind
		writeU32(body, p.WorkerID)
		writeU64(body, p.CheckpointID)
	case KindTerminate:
		t := cmd.Terminate
		writeI32(body, t.ExitStatus)
	default:
		return nil, fmt.Errorf("corwire: unknown command kind %d", cmd.Kind)
	}

	frame := new(bytes.Buffer)
	writeU32(frame, uint32(1+body.Len()))
	writeU8(frame, uint8(cmd.Kind))
	frame.Write(body.Bytes())
	return frame.Bytes(), nil
}

// Decode unmarshals a single command body (without its length prefix,
// already stripped by the frame reader) given its kind byte.
func Decode(kind Kind, body []byte) (Command, error) {
	r := &reader{b: body}
	cmd := Command{Kind: kind}

	switch kind {
	case KindHandshake:
		cmd.Handshake = &Handshake{WorkerID: r.u32(), IP: r.varstr(), Port: r.u16(), Time: r.f64()}
	case KindExecuteCompute:
		e := &ExecuteCompute{}
		e.JobID = r.u64()
		e.Name = r.varstr()
		e.PhysReadIDs = r.varsetU64()
		e.PhysWriteIDs = r.varsetU64()
		e.Before = r.varsetU64()
		e.After = r.varsetU64()
		e.FutureID = r.u64()
		e.Sterile = r.boolean()
		e.Params = r.varbytes()
		cmd.ExecuteCompute = e
	case KindCreateData:
		c := &CreateData{}
		c.JobID = r.u64()
		c.Variable = r.varstr()
		c.LogicalID = r.u64()
		c.PhysicalID = r.u64()
		c.Before = r.varsetU64()
		cmd.CreateData = c
	case KindLocalCopy:
		l := &LocalCopy{}
		l.JobID = r.u64()
		l.FromPhys = r.u64()
		l.ToPhys = r.u64()
		l.Before = r.varsetU64()
		cmd.LocalCopy = l
	case KindRemoteCopySend:
		s := &RemoteCopySend{}
		s.JobID = r.u64()
		s.ReceiveJobID = r.u64()
		s.FromPhys = r.u64()
		s.ToWorker = r.u32()
		s.ToIP = r.varstr()
		s.ToPort = r.u16()
		s.Before = r.varsetU64()
		cmd.RemoteCopySend = s
	case KindRemoteCopyReceive:
		rc := &RemoteCopyReceive{}
		rc.JobID = r.u64()
		rc.ToPhys = r.u64()
		rc.Before = r.varsetU64()
		cmd.RemoteCopyReceive = rc
	case KindMegaRemoteCopyReceive:
		m := &MegaRemoteCopyReceive{}
		m.JobID = r.u64()
		m.MemberIDs = r.varsetU64()
		m.ToPhys = r.varsetU64()
		m.Before = r.varsetU64()
		cmd.MegaRemoteReceive = m
	case KindJobDone:
		j := &JobDone{}
		j.JobID = r.u64()
		j.Final = r.boolean()
		j.RunNs = r.u64()
		j.WaitNs = r.u64()
		j.MaxAlloc = r.u64()
		j.ConnectionResets = r.u64()
		cmd.JobDone = j
	case KindPrepareRewind:
		p := &PrepareRewind{}
		p.WorkerID = r.u32()
		p.CheckpointID = r.u64()
		cmd.PrepareRewind = p
	case KindTerminate:
		t := &Terminate{}
		t.ExitStatus = r.i32()
		cmd.Terminate = t
	default:
		return Command{}, fmt.Errorf("corwire: unknown command kind %d", kind)
	}

	if r.err != nil {
		return Command{}, r.err
	}
	return cmd, nil
}

// WriteFrame writes a fully-encoded frame (as returned by Encode) to w.
func WriteFrame(w io.Writer, frame []byte) error {
	_, err := w.Write(frame)
	return err
}

// ReadCommand blocks reading one frame off r and decodes it.
func ReadCommand(r io.Reader) (Command, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Command{}, err
	}
	n := order.Uint32(lenBuf[:])
	if n == 0 {
		return Command{}, fmt.Errorf("corwire: zero-length frame")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Command{}, err
	}
	return Decode(Kind(body[0]), body[1:])
}
