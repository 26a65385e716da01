package netstack

import (
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-netstack/pkg/types"
)

// ============================================================================
//                              测试环境
// ============================================================================

var (
	stackAddr = netip.MustParseAddr("10.0.0.1")
	peerAddr  = netip.MustParseAddr("10.0.0.2")
)

// newTestStack 创建测试用协议栈
//
// 注入冻结的 mock 时钟：定时器循环永不触发，重传不会干扰测试
// 对出站包的断言。
func newTestStack(t *testing.T, opts ...Option) *Stack {
	t.Helper()
	opts = append([]Option{WithClock(clock.NewMock())}, opts...)
	s, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// 对端视角的 TCP 标志位
const (
	pFIN uint8 = 1 << iota
	pSYN
	pRST
	pACK
)

// buildTCP 从对端视角构造一个原始 IPv4+TCP 包
func buildTCP(t *testing.T, src, dst types.Endpoint, seq, ack uint32, flags uint8, wnd uint16, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    src.Addr.AsSlice(),
		DstIP:    dst.Addr.AsSlice(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(src.Port),
		DstPort: layers.TCPPort(dst.Port),
		Seq:     seq,
		Ack:     ack,
		Window:  wnd,
		FIN:     flags&pFIN != 0,
		SYN:     flags&pSYN != 0,
		RST:     flags&pRST != 0,
		ACK:     flags&pACK != 0,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(payload)))
	return buf.Bytes()
}

// buildUDP 从对端视角构造一个原始 IPv4+UDP 包
func buildUDP(t *testing.T, src, dst types.Endpoint, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    src.Addr.AsSlice(),
		DstIP:    dst.Addr.AsSlice(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port),
		DstPort: layers.UDPPort(dst.Port),
	}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

// decodeTCP 解析一个出站包，要求是 TCP
func decodeTCP(t *testing.T, pkt []byte) *layers.TCP {
	t.Helper()
	p := gopacket.NewPacket(pkt, layers.LayerTypeIPv4, gopacket.Default)
	require.Nil(t, p.ErrorLayer(), "stack emitted unparsable packet")
	l := p.Layer(layers.LayerTypeTCP)
	require.NotNil(t, l, "expected a TCP segment")
	return l.(*layers.TCP)
}

// decodeUDP 解析一个出站包，要求是 UDP
func decodeUDP(t *testing.T, pkt []byte) *layers.UDP {
	t.Helper()
	p := gopacket.NewPacket(pkt, layers.LayerTypeIPv4, gopacket.Default)
	require.Nil(t, p.ErrorLayer(), "stack emitted unparsable packet")
	l := p.Layer(layers.LayerTypeUDP)
	require.NotNil(t, l, "expected a UDP datagram")
	return l.(*layers.UDP)
}

// extractPacket 取出下一个出站包，短暂轮询以容忍 goroutine 调度
func extractPacket(t *testing.T, s *Stack) []byte {
	t.Helper()
	var pkt []byte
	require.Eventually(t, func() bool {
		p, ok := s.Extract()
		if ok {
			pkt = p
		}
		return ok
	}, 2*time.Second, time.Millisecond, "no outbound packet produced")
	return pkt
}

// extractTCP 取出下一个出站 TCP 段
func extractTCP(t *testing.T, s *Stack) *layers.TCP {
	t.Helper()
	return decodeTCP(t, extractPacket(t, s))
}

// requireNoPacket 断言当前没有出站包
func requireNoPacket(t *testing.T, s *Stack) {
	t.Helper()
	_, ok := s.Extract()
	require.False(t, ok, "unexpected outbound packet")
}

// drainPackets 丢弃所有已产出的包
func drainPackets(s *Stack) {
	for {
		if _, ok := s.Extract(); !ok {
			return
		}
	}
}

// ============================================================================
//                              对端模拟
// ============================================================================

// tcpPeer 模拟线缆另一端的 TCP 客户端
//
// 维护双方的序号视角：seq 是对端的下一个发送序号，srvNxt 是
// 协议栈侧已发送到的序号（即对端应回的 ack）。
type tcpPeer struct {
	t      *testing.T
	s      *Stack
	local  types.Endpoint // 对端端点
	remote types.Endpoint // 协议栈侧端点
	seq    uint32
	srvNxt uint32
}

// newTCPPeer 创建对端模拟器
func newTCPPeer(t *testing.T, s *Stack, peerPort, stackPort uint16, iss uint32) *tcpPeer {
	return &tcpPeer{
		t:      t,
		s:      s,
		local:  types.Endpoint{Addr: peerAddr, Port: peerPort},
		remote: types.Endpoint{Addr: stackAddr, Port: stackPort},
		seq:    iss,
	}
}

// send 注入一个对端发出的段
func (p *tcpPeer) send(flags uint8, payload []byte) {
	p.t.Helper()
	pkt := buildTCP(p.t, p.local, p.remote, p.seq, p.srvNxt, flags, 65535, payload)
	require.NoError(p.t, p.s.Inject(pkt))
}

// handshake 完成三次握手
func (p *tcpPeer) handshake() {
	p.t.Helper()
	p.send(pSYN, nil)
	p.seq++

	synack := extractTCP(p.t, p.s)
	require.True(p.t, synack.SYN && synack.ACK, "expected SYN+ACK")
	require.Equal(p.t, p.seq, synack.Ack)
	p.srvNxt = synack.Seq + 1

	p.send(pACK, nil)
}

// sendData 注入载荷数据
func (p *tcpPeer) sendData(payload []byte) {
	p.t.Helper()
	p.send(pACK, payload)
	p.seq += uint32(len(payload))
	// 协议栈对每个按序数据段回 ACK
	ack := extractTCP(p.t, p.s)
	require.Equal(p.t, p.seq, ack.Ack)
}

// expectData 取出协议栈发出的数据段并确认它
func (p *tcpPeer) expectData(want string) {
	p.t.Helper()
	seg := extractTCP(p.t, p.s)
	require.Equal(p.t, want, string(seg.Payload))
	require.Equal(p.t, p.srvNxt, seg.Seq)
	p.srvNxt += uint32(len(seg.Payload))
	p.send(pACK, nil)
}

// sendFIN 注入对端的 FIN 并消费协议栈的确认
func (p *tcpPeer) sendFIN() {
	p.t.Helper()
	p.send(pFIN|pACK, nil)
	p.seq++
	ack := extractTCP(p.t, p.s)
	require.Equal(p.t, p.seq, ack.Ack)
}
