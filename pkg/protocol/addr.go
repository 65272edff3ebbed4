package protocol

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"
)

// Socket addresses never travel in clear text: middleboxes that deep-inspect
// rendezvous traffic have been observed rewriting embedded address bytes. IPv4
// endpoints are XOR-masked with a per-encode key; IPv6 endpoints pass through
// raw since the mangling predates IPv6 support and servers expect that shape.
const (
	encodedV4Len = 14 // 8-byte key + 6-byte masked ip:port
	encodedV6Len = 18 // 16-byte ip + 2-byte port
	v4Mask       = 0xffff_ffff_ffff
)

// EncodeAddr obfuscates a socket address for transit.
func EncodeAddr(ap netip.AddrPort) []byte {
	addr := ap.Addr().Unmap()
	if addr.Is4() {
		key := uint64(time.Now().UnixMicro())
		ip4 := addr.As4()
		v := uint64(binary.BigEndian.Uint32(ip4[:]))<<16 | uint64(ap.Port())
		out := make([]byte, encodedV4Len)
		binary.LittleEndian.PutUint64(out[:8], key)
		masked := v ^ (key & v4Mask)
		for i := 0; i < 6; i++ {
			out[8+i] = byte(masked >> (8 * i))
		}
		return out
	}
	ip16 := addr.As16()
	out := make([]byte, encodedV6Len)
	copy(out[:16], ip16[:])
	binary.LittleEndian.PutUint16(out[16:], ap.Port())
	return out
}

// DecodeAddr reverses EncodeAddr. The input length selects the address family.
func DecodeAddr(data []byte) (netip.AddrPort, error) {
	switch len(data) {
	case encodedV4Len:
		key := binary.LittleEndian.Uint64(data[:8])
		var masked uint64
		for i := 0; i < 6; i++ {
			masked |= uint64(data[8+i]) << (8 * i)
		}
		v := masked ^ (key & v4Mask)
		var ip4 [4]byte
		binary.BigEndian.PutUint32(ip4[:], uint32(v>>16))
		return netip.AddrPortFrom(netip.AddrFrom4(ip4), uint16(v)), nil
	case encodedV6Len:
		var ip16 [16]byte
		copy(ip16[:], data[:16])
		port := binary.LittleEndian.Uint16(data[16:])
		return netip.AddrPortFrom(netip.AddrFrom16(ip16), port), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("mangled address has invalid length %d", len(data))
	}
}
