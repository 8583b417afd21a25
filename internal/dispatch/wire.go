// Package dispatch implements the Exit Dispatcher (component C10):
// catalogue maintenance, health-tracked weighted exit selection, and the
// pooled, framed wire protocol to exit processes, generalizing
// original_source's transport::exit_pool / transport::exit_client
// (round-robin client pools, three-strikes health) from an HTTP/2+rkyv
// client into the plain TCP framing spec.md §6 fixes for the
// handler-exit wire, and grounded on the teacher's internal/server/
// dispatcher.go connection-accept loop for the overall shape of "accept,
// classify, forward."
package dispatch

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"

	"github.com/veilmux/core/internal/errs"
)

// wireMagic is validated on every packet; any mismatch closes the stream,
// per spec.md §4.10.
const wireMagic uint32 = 0xDEADBEEF

const (
	addrFamilyIPv4 uint8 = 4
	addrFamilyIPv6 uint8 = 6
)

// packetHeaderSize is magic(4) + conn_id(8) + family(1) + addr(16) +
// port(2) + payload_len(4), per spec.md §6's packed header.
const packetHeaderSize = 4 + 8 + 1 + 16 + 2 + 4

// PingConnID is the reserved connection id used for health probes,
// mirroring frame.ControlConnID's zero-id reservation in C1. Exported so
// cmd/exit's accept loop can recognize and echo a probe without importing
// any other dispatch internals.
const PingConnID uint64 = 0

// Packet is one framed unit of the handler<->exit wire protocol.
type Packet struct {
	ConnID  uint64
	Family  uint8
	Addr    [16]byte
	Port    uint16
	Payload []byte
}

// EncodePacket serialises p into the fixed wire layout.
func EncodePacket(p *Packet) []byte {
	buf := make([]byte, packetHeaderSize+len(p.Payload))
	binary.BigEndian.PutUint32(buf[0:4], wireMagic)
	binary.BigEndian.PutUint64(buf[4:12], p.ConnID)
	buf[12] = p.Family
	copy(buf[13:29], p.Addr[:])
	binary.BigEndian.PutUint16(buf[29:31], p.Port)
	binary.BigEndian.PutUint32(buf[31:35], uint32(len(p.Payload)))
	copy(buf[35:], p.Payload)
	return buf
}

// ReadPacket reads and validates one packet from conn, per spec.md §4.10:
// "magic is validated, any mismatch closes the stream."
func ReadPacket(conn net.Conn) (*Packet, error) {
	var header [packetHeaderSize]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, errs.New(errs.Malformed, "dispatch.ReadPacket", err)
	}
	if magic := binary.BigEndian.Uint32(header[0:4]); magic != wireMagic {
		return nil, errs.New(errs.Malformed, "dispatch.ReadPacket", errBadMagic)
	}

	p := &Packet{}
	p.ConnID = binary.BigEndian.Uint64(header[4:12])
	p.Family = header[12]
	copy(p.Addr[:], header[13:29])
	p.Port = binary.BigEndian.Uint16(header[29:31])

	payloadLen := binary.BigEndian.Uint32(header[31:35])
	if payloadLen > 0 {
		p.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(conn, p.Payload); err != nil {
			return nil, errs.New(errs.Malformed, "dispatch.ReadPacket", err)
		}
	}
	return p, nil
}

// EncodeTargetAddr splits a "host:port" string into the packed target
// fields the wire header carries.
func EncodeTargetAddr(address string) (family uint8, addr [16]byte, port uint16, err error) {
	host, portStr, splitErr := net.SplitHostPort(address)
	if splitErr != nil {
		return 0, addr, 0, errs.New(errs.Malformed, "dispatch.EncodeTargetAddr", splitErr)
	}
	portNum, convErr := strconv.ParseUint(portStr, 10, 16)
	if convErr != nil {
		return 0, addr, 0, errs.New(errs.Malformed, "dispatch.EncodeTargetAddr", convErr)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, lookupErr := net.LookupIP(host)
		if lookupErr != nil || len(ips) == 0 {
			return 0, addr, 0, errs.New(errs.Malformed, "dispatch.EncodeTargetAddr", errInvalidAddress)
		}
		ip = ips[0]
	}
	if ip4 := ip.To4(); ip4 != nil {
		family = addrFamilyIPv4
		copy(addr[:4], ip4)
	} else {
		family = addrFamilyIPv6
		copy(addr[:], ip.To16())
	}
	return family, addr, uint16(portNum), nil
}

// DecodeTargetAddr is the inverse of EncodeTargetAddr, used by the exit
// process to reconstruct the dial target.
func DecodeTargetAddr(family uint8, addr [16]byte, port uint16) string {
	var ip net.IP
	if family == addrFamilyIPv4 {
		ip = net.IP(addr[:4])
	} else {
		ip = net.IP(addr[:])
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
}
