// Copyright (c) 2016-2017 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package wire implements the length-prefixed, big-endian frame format the
// client speaks to a region server or master: a header written once per
// connection, request/response/ping frames afterwards.
package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	sbufio "github.com/sagernet/sing/common/bufio"
)

// Magic identifies the start of the connection header.
var Magic = [4]byte{'i', 'p', 'c', 'm'}

// Version is the single header version byte this package writes and
// accepts.
const Version byte = 1

// PingCallID is the reserved sentinel call id for a keepalive ping. It
// MUST NOT be issued as a real call id.
const PingCallID int32 = -1

// nullIdentityLen marks an absent identity token in the header's
// length-prefixed identity block.
const nullIdentityLen int32 = -1

// WriteHeader writes the connection header: magic bytes, version byte,
// then a length-prefixed identity block (or the null encoding if identity
// is nil). Written exactly once per connection, before any call.
func WriteHeader(w io.Writer, identity []byte) error {
	buf := make([]byte, 0, len(Magic)+1+4+len(identity))
	buf = append(buf, Magic[:]...)
	buf = append(buf, Version)
	if identity == nil {
		buf = binary.BigEndian.AppendUint32(buf, uint32(nullIdentityLen))
	} else {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(identity)))
		buf = append(buf, identity...)
	}
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads the connection header written by WriteHeader and
// returns the identity block (nil if the header encoded an absent
// identity). Used by tests and by anything standing in for the
// server-side peer.
func ReadHeader(r io.Reader) (identity []byte, err error) {
	var fixed [4 + 1 + 4]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, err
	}
	if fixed[0] != Magic[0] || fixed[1] != Magic[1] || fixed[2] != Magic[2] || fixed[3] != Magic[3] || fixed[4] != Version {
		return nil, io.ErrUnexpectedEOF
	}
	n := int32(binary.BigEndian.Uint32(fixed[5:9]))
	if n < 0 {
		return nil, nil
	}
	identity = make([]byte, n)
	if _, err := io.ReadFull(r, identity); err != nil {
		return nil, err
	}
	return identity, nil
}

// ReadRequestHeader reads int32 call_id and int32 payload_len from a
// request frame. A call_id of PingCallID indicates a bare ping frame,
// which has no length or payload to follow.
func ReadRequestHeader(r io.Reader) (callID int32, payloadLen int32, err error) {
	var idBuf [4]byte
	if _, err := io.ReadFull(r, idBuf[:]); err != nil {
		return 0, 0, err
	}
	callID = int32(binary.BigEndian.Uint32(idBuf[:]))
	if callID == PingCallID {
		return callID, 0, nil
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, 0, err
	}
	payloadLen = int32(binary.BigEndian.Uint32(lenBuf[:]))
	return callID, payloadLen, nil
}

// WriteResponseValue writes a successful response frame: call_id,
// is_error=false, then the payload bytes already serialized by the
// value's Write method.
func WriteResponseValue(w io.Writer, callID int32, payload []byte) error {
	buf := make([]byte, 0, 5+len(payload))
	buf = binary.BigEndian.AppendUint32(buf, uint32(callID))
	buf = append(buf, 0)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// WriteResponseError writes an is_error=true response frame carrying the
// exception class name and message.
func WriteResponseError(w io.Writer, callID int32, class, message string) error {
	var buf bytes.Buffer
	hdr := make([]byte, 5)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(callID))
	hdr[4] = 1
	buf.Write(hdr)
	if err := WriteUTFString(&buf, class); err != nil {
		return err
	}
	if err := WriteUTFString(&buf, message); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// WriteRequest writes a request frame: int32 call_id, int32 payload_len,
// payload bytes. When the underlying writer supports vectorised I/O (the
// way a multiplexed session's send loop would check for it), the header and
// payload are written as a single scatter-gather write.
func WriteRequest(w io.Writer, callID int32, payload []byte) error {
	if callID == PingCallID {
		panic("wire: refusing to write a real request using the ping sentinel id")
	}
	hdr := make([]byte, 8)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(callID))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))

	if bw, ok := sbufio.CreateVectorisedWriter(w); ok {
		_, err := sbufio.WriteVectorised(bw, [][]byte{hdr, payload})
		return err
	}

	buf := bufio.NewWriterSize(w, len(hdr)+len(payload))
	if _, err := buf.Write(hdr); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := buf.Write(payload); err != nil {
			return err
		}
	}
	return buf.Flush()
}

// WritePing writes the bare ping frame: int32(-1), no length, no payload.
func WritePing(w io.Writer) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(PingCallID))
	_, err := w.Write(buf[:])
	return err
}

// ResponseHeader is the fixed portion of a response frame read ahead of
// its payload or error body.
type ResponseHeader struct {
	CallID  int32
	IsError bool
}

// ReadResponseHeader reads int32 call_id and bool is_error from r.
func ReadResponseHeader(r io.Reader) (ResponseHeader, error) {
	var buf [5]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return ResponseHeader{}, err
	}
	return ResponseHeader{
		CallID:  int32(binary.BigEndian.Uint32(buf[0:4])),
		IsError: buf[4] != 0,
	}, nil
}

// ReadErrorBody reads the exception class name and message of an
// is_error=true response.
func ReadErrorBody(r io.Reader) (class, message string, err error) {
	if class, err = ReadUTFString(r); err != nil {
		return "", "", err
	}
	if message, err = ReadUTFString(r); err != nil {
		return "", "", err
	}
	return class, message, nil
}

// ReadUTFString reads a uint16-length-prefixed UTF-8 string.
func ReadUTFString(r io.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if n == 0 {
		return "", nil
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteUTFString writes s as a uint16-length-prefixed UTF-8 string.
func WriteUTFString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		s = s[:0xFFFF]
	}
	buf := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(s)))
	copy(buf[2:], s)
	_, err := w.Write(buf)
	return err
}
