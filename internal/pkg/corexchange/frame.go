package corexchange

import (
	"fmt"
	"io"
)

// WriteFrame writes the fixed data-exchange frame layout from spec.md §6:
// receive_job_id | mega_receive_job_id_or_zero | version |
// template_generation_id_or_zero | payload_len | payload.
func WriteFrame(w io.Writer, f Frame) error {
	var header [4*8 + 4]byte
	order.PutUint64(header[0:8], f.ReceiveJobID)
	order.PutUint64(header[8:16], f.MegaReceiveJobID)
	order.PutUint64(header[16:24], f.Version)
	order.PutUint64(header[24:32], f.TemplateGenID)
	order.PutUint32(header[32:36], uint32(len(f.Payload)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(f.Payload) == 0 {
		return nil
	}
	_, err := w.Write(f.Payload)
	return err
}

// ReadFrame blocks reading one full data-exchange frame off r.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [4*8 + 4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}

	f := Frame{
		ReceiveJobID:     order.Uint64(header[0:8]),
		MegaReceiveJobID: order.Uint64(header[8:16]),
		Version:          order.Uint64(header[16:24]),
		TemplateGenID:    order.Uint64(header[24:32]),
	}
	n := order.Uint32(header[32:36])
	if n == 0 {
		return f, nil
	}
	// A frame carrying a payload larger than this is almost certainly a
	// corrupted stream, not a legitimate transfer; refuse rather than
	// allocating an attacker- or bug-controlled amount of memory.
	const maxPayload = 1 << 30
	if n > maxPayload {
		return Frame{}, fmt.Errorf("corexchange: frame payload length %d exceeds maximum %d", n, maxPayload)
	}
	f.Payload = make([]byte, n)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return Frame{}, err
	}
	return f, nil
}
