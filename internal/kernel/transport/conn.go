package transport

import (
	"io"
)

// WriteFramed signs and writes e to w as a single batched write,
// mirroring the teacher's vsock.go writeFull/length-prefix pattern.
func WriteFramed(w io.Writer, e Envelope, secret []byte) error {
	frame, err := EncodeFramed(e, secret)
	if err != nil {
		return err
	}
	return writeFull(w, frame)
}

func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
