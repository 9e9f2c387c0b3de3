package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire format shared by the socket backends. Every message is a one-byte
// tag followed by varint-length-prefixed segments:
//
//	announce: tag 0x01, identity
//	routed:   tag 0x02, next hop, source, destination, payload
//
// A peer announces its identity once after connecting and again on every
// rebind; everything after that is routed traffic. The next-hop segment
// steers frames through the hub switch and carries no meaning once the
// frame reaches the hop it names.

const (
	tagAnnounce byte = 0x01
	tagRouted   byte = 0x02
)

// maxSegment caps any single wire segment. Payloads above this size are
// refused rather than streamed.
const maxSegment = 4 * (1 << 20)

type message struct {
	tag      byte
	identity Addr  // announce
	hop      Addr  // routed
	frame    Frame // routed
}

func appendAnnounce(buf []byte, identity Addr) []byte {
	buf = append(buf, tagAnnounce)
	return appendSegment(buf, []byte(identity))
}

func appendRouted(buf []byte, hop, src, dst Addr, payload []byte) []byte {
	buf = append(buf, tagRouted)
	buf = appendSegment(buf, []byte(hop))
	buf = appendSegment(buf, []byte(src))
	buf = appendSegment(buf, []byte(dst))
	return appendSegment(buf, payload)
}

func appendSegment(buf, seg []byte) []byte {
	buf = protowire.AppendVarint(buf, uint64(len(seg)))
	return append(buf, seg...)
}

func checkRouted(hop, src, dst Addr, payload []byte) error {
	if len(hop) > maxSegment || len(src) > maxSegment ||
		len(dst) > maxSegment || len(payload) > maxSegment {
		return ErrFrameTooLarge
	}
	return nil
}

func readMessage(r *bufio.Reader) (message, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return message{}, err
	}
	switch tag {
	case tagAnnounce:
		id, err := readSegment(r)
		if err != nil {
			return message{}, err
		}
		if len(id) == 0 {
			return message{}, fmt.Errorf(
				"%w: empty identity announce", ErrProtocolViolation)
		}
		return message{tag: tagAnnounce, identity: Addr(id)}, nil
	case tagRouted:
		hop, err := readSegment(r)
		if err != nil {
			return message{}, err
		}
		src, err := readSegment(r)
		if err != nil {
			return message{}, err
		}
		dst, err := readSegment(r)
		if err != nil {
			return message{}, err
		}
		payload, err := readSegment(r)
		if err != nil {
			return message{}, err
		}
		return message{tag: tagRouted, hop: Addr(hop), frame: Frame{
			Src:     Addr(src),
			Dst:     Addr(dst),
			Payload: payload,
		}}, nil
	default:
		return message{}, fmt.Errorf(
			"%w: unknown message tag %#x", ErrProtocolViolation, tag)
	}
}

func readSegment(r *bufio.Reader) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > maxSegment {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	seg := make([]byte, size)
	if _, err := io.ReadFull(r, seg); err != nil {
		// A stream that ends inside a message is a truncation, not a
		// clean shutdown.
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return seg, nil
}
