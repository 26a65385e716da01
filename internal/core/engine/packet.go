// Package engine 实现单线程回调驱动的 TCP/UDP 协议引擎
//
// 本文件实现原始 IP 包的解析与封装，基于 gopacket。
package engine

import (
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// TCP 标志位
const (
	flagFIN uint8 = 1 << iota
	flagSYN
	flagRST
	flagACK
)

// parsedPacket 解析后的入站包
type parsedPacket struct {
	src netip.Addr
	dst netip.Addr

	// tcp 与 udp 至多一个非空
	tcp *layers.TCP
	udp *layers.UDP
}

// parsePacket 解析一个原始 IP 包
//
// 返回 false 表示包不可解析或不在处理范围内（非 IPv4/IPv6、
// 分片、非 TCP/UDP 载荷），调用方应静默丢弃。
func parsePacket(pkt []byte) (parsedPacket, bool) {
	var out parsedPacket
	if len(pkt) < 1 {
		return out, false
	}

	var first gopacket.LayerType
	switch pkt[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return out, false
	}

	p := gopacket.NewPacket(pkt, first, gopacket.DecodeOptions{NoCopy: true})
	if p.ErrorLayer() != nil {
		return out, false
	}

	switch nl := p.NetworkLayer().(type) {
	case *layers.IPv4:
		// 不做重组，分片直接丢弃
		if nl.Flags&layers.IPv4MoreFragments != 0 || nl.FragOffset != 0 {
			return out, false
		}
		src, ok1 := netip.AddrFromSlice(nl.SrcIP.To4())
		dst, ok2 := netip.AddrFromSlice(nl.DstIP.To4())
		if !ok1 || !ok2 {
			return out, false
		}
		out.src, out.dst = src, dst
	case *layers.IPv6:
		src, ok1 := netip.AddrFromSlice(nl.SrcIP.To16())
		dst, ok2 := netip.AddrFromSlice(nl.DstIP.To16())
		if !ok1 || !ok2 {
			return out, false
		}
		out.src, out.dst = src, dst
	default:
		return out, false
	}

	if l := p.Layer(layers.LayerTypeTCP); l != nil {
		out.tcp = l.(*layers.TCP)
		return out, true
	}
	if l := p.Layer(layers.LayerTypeUDP); l != nil {
		out.udp = l.(*layers.UDP)
		return out, true
	}
	return out, false
}

// serializeTCP 封装一个出站 TCP 段
func serializeTCP(src, dst endpoint, seq, ack uint32, flags uint8, wnd uint16, payload []byte) ([]byte, error) {
	t := &layers.TCP{
		SrcPort: layers.TCPPort(src.Port),
		DstPort: layers.TCPPort(dst.Port),
		Seq:     seq,
		Ack:     ack,
		Window:  wnd,
		FIN:     flags&flagFIN != 0,
		SYN:     flags&flagSYN != 0,
		RST:     flags&flagRST != 0,
		ACK:     flags&flagACK != 0,
	}
	return serializeIP(src.Addr, dst.Addr, layers.IPProtocolTCP, t, payload)
}

// serializeUDP 封装一个出站 UDP 数据报
func serializeUDP(src, dst endpoint, payload []byte) ([]byte, error) {
	u := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port),
		DstPort: layers.UDPPort(dst.Port),
	}
	return serializeIP(src.Addr, dst.Addr, layers.IPProtocolUDP, u, payload)
}

// transportLayer 可封装的传输层（TCP/UDP 共用）
type transportLayer interface {
	gopacket.SerializableLayer
	SetNetworkLayerForChecksum(l gopacket.NetworkLayer) error
}

// serializeIP 按地址族封装 IP 头并序列化整包（含校验和）
func serializeIP(src, dst netip.Addr, proto layers.IPProtocol, t transportLayer, payload []byte) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	if src.Is4() {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: proto,
			SrcIP:    src.AsSlice(),
			DstIP:    dst.AsSlice(),
		}
		if err := t.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		if err := gopacket.SerializeLayers(buf, opts, ip, t, gopacket.Payload(payload)); err != nil {
			return nil, err
		}
	} else {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: proto,
			SrcIP:      src.AsSlice(),
			DstIP:      dst.AsSlice(),
		}
		if err := t.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		if err := gopacket.SerializeLayers(buf, opts, ip, t, gopacket.Payload(payload)); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
