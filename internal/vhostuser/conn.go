// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vhostuser

import (
	"encoding/binary"
	"net"

	"golang.org/x/sys/unix"

	flerrors "mvirt.io/netd/internal/errors"
)

// maxFDs bounds a single SET_MEM_TABLE message: one fd per memory region,
// the front-end never sends more than VHOST_MEMORY_MAX_NREGIONS (8).
const maxFDs = 8

// Message is one fully-read vhost-user message: header, raw payload bytes,
// and any file descriptors carried alongside it as ancillary data.
type Message struct {
	Header  Header
	Payload []byte
	FDs     []int
}

// Conn wraps the Unix domain socket a front-end (QEMU / the VMM) connects
// on. It is not safe for concurrent use by multiple goroutines; the vNIC
// reactor owns it exclusively and serializes all requests.
type Conn struct {
	uc *net.UnixConn
}

// NewConn wraps an already-accepted Unix socket connection.
func NewConn(uc *net.UnixConn) *Conn {
	return &Conn{uc: uc}
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.uc.Close()
}

// ReadMessage blocks for the next front-end request.
func (c *Conn) ReadMessage() (Message, error) {
	hdrBuf := make([]byte, HeaderSize)
	oob := make([]byte, unix.CmsgSpace(maxFDs*4))

	file, err := c.uc.File()
	if err != nil {
		return Message{}, flerrors.Wrap(err, flerrors.KindVhostProtocol, "dup socket fd")
	}
	defer file.Close()
	fd := int(file.Fd())

	n, oobn, _, _, err := unix.Recvmsg(fd, hdrBuf, oob, 0)
	if err != nil {
		return Message{}, flerrors.Wrap(err, flerrors.KindVhostProtocol, "recvmsg header")
	}
	if n != HeaderSize {
		return Message{}, flerrors.Errorf(flerrors.KindVhostProtocol, "short header read: %d bytes", n)
	}

	hdr := decodeHeader(hdrBuf)
	fds, err := parseFDs(oob[:oobn])
	if err != nil {
		return Message{}, err
	}

	var payload []byte
	if hdr.Size > 0 {
		payload = make([]byte, hdr.Size)
		if _, err := readFull(c.uc, payload); err != nil {
			return Message{}, flerrors.Wrap(err, flerrors.KindVhostProtocol, "read payload")
		}
	}

	return Message{Header: hdr, Payload: payload, FDs: fds}, nil
}

// WriteMessage sends a reply or unsolicited message, with any fds attached
// as ancillary data (the backend only ever attaches fds on SLAVE_* sends,
// which this package does not yet implement; fds is typically empty here).
func (c *Conn) WriteMessage(msg Message) error {
	hdrBuf := encodeHeader(Header{Request: msg.Header.Request, Flags: msg.Header.Flags, Size: uint32(len(msg.Payload))})
	buf := append(hdrBuf, msg.Payload...)

	if len(msg.FDs) == 0 {
		_, err := c.uc.Write(buf)
		if err != nil {
			return flerrors.Wrap(err, flerrors.KindVhostProtocol, "write message")
		}
		return nil
	}

	file, err := c.uc.File()
	if err != nil {
		return flerrors.Wrap(err, flerrors.KindVhostProtocol, "dup socket fd")
	}
	defer file.Close()
	oob := unix.UnixRights(msg.FDs...)
	if err := unix.Sendmsg(int(file.Fd()), buf, oob, nil, 0); err != nil {
		return flerrors.Wrap(err, flerrors.KindVhostProtocol, "sendmsg with fds")
	}
	return nil
}

func parseFDs(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, flerrors.Wrap(err, flerrors.KindVhostProtocol, "parse control message")
	}
	var fds []int
	for _, cmsg := range cmsgs {
		got, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}
	if len(fds) > maxFDs {
		return nil, flerrors.Errorf(flerrors.KindVhostProtocol, "too many fds in one message: %d", len(fds))
	}
	return fds, nil
}

func readFull(c *net.UnixConn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func decodeHeader(b []byte) Header {
	return Header{
		Request: Request(binary.LittleEndian.Uint32(b[0:4])),
		Flags:   binary.LittleEndian.Uint32(b[4:8]),
		Size:    binary.LittleEndian.Uint32(b[8:12]),
	}
}

func encodeHeader(h Header) []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.Request))
	binary.LittleEndian.PutUint32(b[4:8], h.Flags)
	binary.LittleEndian.PutUint32(b[8:12], h.Size)
	return b
}
