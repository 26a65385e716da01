package engine

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
//                              监听与握手
// ============================================================================

// TestListen 测试监听端点创建
func TestListen(t *testing.T) {
	env := newTestEnv(t, nil)
	lr := &listenRecorder{}

	t.Run("ok", func(t *testing.T) {
		h, code := env.eng.Listen(8080, lr.acceptFn)
		require.Equal(t, CodeOK, code)
		require.True(t, h.IsValid())
	})

	t.Run("port in use", func(t *testing.T) {
		_, code := env.eng.Listen(8080, lr.acceptFn)
		require.Equal(t, CodeUse, code)
	})

	t.Run("invalid args", func(t *testing.T) {
		_, code := env.eng.Listen(0, lr.acceptFn)
		require.Equal(t, CodeArg, code)
		_, code = env.eng.Listen(8081, nil)
		require.Equal(t, CodeArg, code)
	})
}

// TestHandshake 测试三次握手建立连接
func TestHandshake(t *testing.T) {
	env := newTestEnv(t, nil)
	lr := &listenRecorder{}
	_, code := env.eng.Listen(8080, lr.acceptFn)
	require.Equal(t, CodeOK, code)

	h, _ := env.handshake(lr, clientEP, 1000)
	require.True(t, h.IsValid())
}

// TestSynToClosedPort 测试发往未监听端口的 SYN 得到 RST
func TestSynToClosedPort(t *testing.T) {
	env := newTestEnv(t, nil)

	env.inject(clientEP, serverEP, 1000, 0, flagSYN, 65535, nil)

	rst, ok := env.takeTCP()
	require.True(t, ok)
	assert.True(t, rst.tcp.RST)
	assert.Equal(t, uint32(1001), rst.tcp.Ack)
}

// TestAcceptReject 测试接入回调拒绝时连接被 RST 中止
func TestAcceptReject(t *testing.T) {
	env := newTestEnv(t, nil)
	lr := &listenRecorder{reject: true}
	_, code := env.eng.Listen(8080, lr.acceptFn)
	require.Equal(t, CodeOK, code)

	env.inject(clientEP, serverEP, 1000, 0, flagSYN, 65535, nil)
	synack, ok := env.takeTCP()
	require.True(t, ok)
	env.inject(clientEP, serverEP, 1001, synack.tcp.Seq+1, flagACK, 65535, nil)

	rst, ok := env.takeTCP()
	require.True(t, ok)
	assert.True(t, rst.tcp.RST)
	assert.Empty(t, lr.accepted)
}

// TestConnPoolFull 测试连接池满时 SYN 被拒绝
func TestConnPoolFull(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.MaxConns = 1 })
	lr := &listenRecorder{}
	_, code := env.eng.Listen(8080, lr.acceptFn)
	require.Equal(t, CodeOK, code)
	env.handshake(lr, clientEP, 1000)
	env.drain()

	other := endpoint{Addr: clientEP.Addr, Port: 5001}
	env.inject(other, serverEP, 2000, 0, flagSYN, 65535, nil)

	rst, ok := env.takeTCP()
	require.True(t, ok)
	assert.True(t, rst.tcp.RST)
	require.Len(t, lr.accepted, 1)
}

// ============================================================================
//                              数据路径
// ============================================================================

// TestReceive_InOrder 测试按序数据投递与确认
func TestReceive_InOrder(t *testing.T) {
	env := newTestEnv(t, nil)
	lr := &listenRecorder{}
	_, code := env.eng.Listen(8080, lr.acceptFn)
	require.Equal(t, CodeOK, code)
	_, rec := env.handshake(lr, clientEP, 1000)
	env.drain()

	env.inject(clientEP, serverEP, 1001, 0, flagACK, 65535, []byte("hello "))
	env.inject(clientEP, serverEP, 1007, 0, flagACK, 65535, []byte("world"))

	assert.Equal(t, "hello world", string(rec.received))
	// 每个数据段各回一个 ACK
	ack1, ok := env.takeTCP()
	require.True(t, ok)
	assert.Equal(t, uint32(1007), ack1.tcp.Ack)
	ack2, ok := env.takeTCP()
	require.True(t, ok)
	assert.Equal(t, uint32(1012), ack2.tcp.Ack)
}

// TestReceive_OutOfOrder 测试乱序段被丢弃并触发重复 ACK
func TestReceive_OutOfOrder(t *testing.T) {
	env := newTestEnv(t, nil)
	lr := &listenRecorder{}
	_, code := env.eng.Listen(8080, lr.acceptFn)
	require.Equal(t, CodeOK, code)
	_, rec := env.handshake(lr, clientEP, 1000)
	env.drain()

	// 跳过了 [1001,1007) 的段
	env.inject(clientEP, serverEP, 1007, 0, flagACK, 65535, []byte("world"))

	assert.Empty(t, rec.received)
	dup, ok := env.takeTCP()
	require.True(t, ok)
	assert.Equal(t, uint32(1001), dup.tcp.Ack, "duplicate ACK should ask for the gap")
}

// TestReceive_WindowBackpressure 测试接收窗口随投递收缩、随 Recved 恢复
func TestReceive_WindowBackpressure(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.RecvBufSize = 8 })
	lr := &listenRecorder{}
	_, code := env.eng.Listen(8080, lr.acceptFn)
	require.Equal(t, CodeOK, code)
	h, rec := env.handshake(lr, clientEP, 1000)
	env.drain()

	// 填满整个窗口
	env.inject(clientEP, serverEP, 1001, 0, flagACK, 65535, []byte("12345678"))
	ack, ok := env.takeTCP()
	require.True(t, ok)
	assert.Equal(t, uint16(0), ack.tcp.Window, "window should be exhausted")
	assert.Equal(t, "12345678", string(rec.received))

	// 窗口为零时后续数据被丢弃
	env.inject(clientEP, serverEP, 1009, 0, flagACK, 65535, []byte("overflow"))
	assert.Equal(t, "12345678", string(rec.received))
	env.drain()

	// 消费者取走后窗口恢复并通告
	require.Equal(t, CodeOK, env.eng.Recved(h, 8))
	upd, ok := env.takeTCP()
	require.True(t, ok, "window update expected after zero-window recovery")
	assert.Equal(t, uint16(8), upd.tcp.Window)
}

// TestSend 测试发送路径：产包、确认、OnSent
func TestSend(t *testing.T) {
	env := newTestEnv(t, nil)
	lr := &listenRecorder{}
	_, code := env.eng.Listen(8080, lr.acceptFn)
	require.Equal(t, CodeOK, code)
	h, rec := env.handshake(lr, clientEP, 1000)
	env.drain()

	n, code := env.eng.Send(h, []byte("pong"))
	require.Equal(t, CodeOK, code)
	require.Equal(t, 4, n)

	seg, ok := env.takeTCP()
	require.True(t, ok)
	assert.Equal(t, "pong", string(seg.tcp.Payload))

	// 对端确认后触发 OnSent
	env.inject(clientEP, serverEP, 1001, seg.tcp.Seq+4, flagACK, 65535, nil)
	assert.Equal(t, 4, rec.sent)
}

// TestSend_BufferFull 测试发送缓冲满时的部分接受
func TestSend_BufferFull(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.SendBufSize = 4 })
	lr := &listenRecorder{}
	_, code := env.eng.Listen(8080, lr.acceptFn)
	require.Equal(t, CodeOK, code)
	h, _ := env.handshake(lr, clientEP, 1000)
	env.drain()

	n, code := env.eng.Send(h, []byte("123456"))
	require.Equal(t, CodeOK, code)
	assert.Equal(t, 4, n, "only buffer space should be accepted")

	// 缓冲满：接受 0 字节，不是错误
	n, code = env.eng.Send(h, []byte("x"))
	require.Equal(t, CodeOK, code)
	assert.Equal(t, 0, n)
}

// TestSend_PeerWindow 测试对端窗口限制发送
func TestSend_PeerWindow(t *testing.T) {
	env := newTestEnv(t, nil)
	lr := &listenRecorder{}
	_, code := env.eng.Listen(8080, lr.acceptFn)
	require.Equal(t, CodeOK, code)

	// 对端通告窗口 4 字节
	env.inject(clientEP, serverEP, 1000, 0, flagSYN, 4, nil)
	synack, ok := env.takeTCP()
	require.True(t, ok)
	env.inject(clientEP, serverEP, 1001, synack.tcp.Seq+1, flagACK, 4, nil)
	require.Len(t, lr.accepted, 1)
	h := lr.accepted[0]
	env.drain()

	n, code := env.eng.Send(h, []byte("123456"))
	require.Equal(t, CodeOK, code)
	assert.Equal(t, 6, n, "buffer accepts all")

	seg, ok := env.takeTCP()
	require.True(t, ok)
	assert.Equal(t, "1234", string(seg.tcp.Payload), "only window worth of data on the wire")
	_, more := env.takeTCP()
	assert.False(t, more)

	// 确认并扩窗后继续发送
	env.inject(clientEP, serverEP, 1001, seg.tcp.Seq+4, flagACK, 65535, nil)
	seg, ok = env.takeTCP()
	require.True(t, ok)
	assert.Equal(t, "56", string(seg.tcp.Payload))
}

// ============================================================================
//                              关闭与异常
// ============================================================================

// TestClose_Passive 测试对端先关（CloseWait → LastAck → 终结）
func TestClose_Passive(t *testing.T) {
	env := newTestEnv(t, nil)
	lr := &listenRecorder{}
	_, code := env.eng.Listen(8080, lr.acceptFn)
	require.Equal(t, CodeOK, code)
	h, rec := env.handshake(lr, clientEP, 1000)
	env.drain()

	// 对端 FIN → EOF 投递
	env.inject(clientEP, serverEP, 1001, 0, flagFIN|flagACK, 65535, nil)
	assert.True(t, rec.eof)
	ack, ok := env.takeTCP()
	require.True(t, ok)
	assert.Equal(t, uint32(1002), ack.tcp.Ack)

	// 本端关闭 → FIN
	require.Equal(t, CodeOK, env.eng.Close(h))
	fin, ok := env.takeTCP()
	require.True(t, ok)
	assert.True(t, fin.tcp.FIN)

	// 重复关闭是空操作，不产生第二个 FIN
	require.Equal(t, CodeOK, env.eng.Close(h))
	_, more := env.takeTCP()
	assert.False(t, more)

	// 对端确认 FIN → 终结（CodeClsd）
	env.inject(clientEP, serverEP, 1002, fin.tcp.Seq+1, flagACK, 65535, nil)
	assert.Equal(t, 1, rec.errs)
	assert.Equal(t, CodeClsd, rec.errCode)
}

// TestClose_Active 测试本端先关（FinWait → TimeWait → 定时回收）
func TestClose_Active(t *testing.T) {
	env := newTestEnv(t, nil)
	lr := &listenRecorder{}
	_, code := env.eng.Listen(8080, lr.acceptFn)
	require.Equal(t, CodeOK, code)
	h, rec := env.handshake(lr, clientEP, 1000)
	env.drain()

	require.Equal(t, CodeOK, env.eng.Close(h))
	fin, ok := env.takeTCP()
	require.True(t, ok)
	require.True(t, fin.tcp.FIN)

	// 对端确认我们的 FIN，再发它的 FIN
	env.inject(clientEP, serverEP, 1001, fin.tcp.Seq+1, flagACK, 65535, nil)
	env.inject(clientEP, serverEP, 1001, fin.tcp.Seq+1, flagFIN|flagACK, 65535, nil)
	assert.True(t, rec.eof)
	assert.Zero(t, rec.errs, "connection lingers in TIME_WAIT")

	// TIME_WAIT 到期后终结
	env.clk.Add(timeWaitDuration + time.Second)
	env.eng.CheckTimeouts()
	assert.Equal(t, 1, rec.errs)
	assert.Equal(t, CodeClsd, rec.errCode)
}

// TestFINRetransmit 测试对端重传的 FIN 仍被确认
func TestFINRetransmit(t *testing.T) {
	env := newTestEnv(t, nil)
	lr := &listenRecorder{}
	_, code := env.eng.Listen(8080, lr.acceptFn)
	require.Equal(t, CodeOK, code)
	_, rec := env.handshake(lr, clientEP, 1000)
	env.drain()

	env.inject(clientEP, serverEP, 1001, 0, flagFIN|flagACK, 65535, nil)
	ack, ok := env.takeTCP()
	require.True(t, ok)
	require.Equal(t, uint32(1002), ack.tcp.Ack)

	// 仿佛首个 ACK 丢失：对端在 LAST_ACK 重传同一个 FIN
	env.inject(clientEP, serverEP, 1001, 0, flagFIN|flagACK, 65535, nil)
	dup, ok := env.takeTCP()
	require.True(t, ok, "retransmitted FIN must be re-acknowledged")
	assert.Equal(t, uint32(1002), dup.tcp.Ack)
	assert.True(t, rec.eof, "EOF is delivered once")
}

// TestZeroWindowProbe 测试零窗口探测催促窗口更新
func TestZeroWindowProbe(t *testing.T) {
	env := newTestEnv(t, nil)
	lr := &listenRecorder{}
	_, code := env.eng.Listen(8080, lr.acceptFn)
	require.Equal(t, CodeOK, code)

	// 对端通告零窗口
	env.inject(clientEP, serverEP, 1000, 0, flagSYN, 0, nil)
	synack, ok := env.takeTCP()
	require.True(t, ok)
	env.inject(clientEP, serverEP, 1001, synack.tcp.Seq+1, flagACK, 0, nil)
	require.Len(t, lr.accepted, 1)
	h := lr.accepted[0]
	env.drain()

	n, code := env.eng.Send(h, []byte("data"))
	require.Equal(t, CodeOK, code)
	require.Equal(t, 4, n)
	_, more := env.takeTCP()
	require.False(t, more, "nothing fits a zero window")

	// 定时器发出一字节探测段
	env.eng.CheckTimeouts()
	probe, ok := env.takeTCP()
	require.True(t, ok, "zero-window probe expected")
	assert.Equal(t, "d", string(probe.tcp.Payload))

	// 探测有节流，不会连发
	env.eng.CheckTimeouts()
	_, more = env.takeTCP()
	assert.False(t, more)

	// 窗口更新到达后整段数据跟上
	env.inject(clientEP, serverEP, 1001, probe.tcp.Seq, flagACK, 65535, nil)
	seg, ok := env.takeTCP()
	require.True(t, ok)
	assert.Equal(t, "data", string(seg.tcp.Payload))
}

// TestRST 测试对端 RST 终结连接
func TestRST(t *testing.T) {
	env := newTestEnv(t, nil)
	lr := &listenRecorder{}
	_, code := env.eng.Listen(8080, lr.acceptFn)
	require.Equal(t, CodeOK, code)
	h, rec := env.handshake(lr, clientEP, 1000)

	env.inject(clientEP, serverEP, 1001, 0, flagRST, 0, nil)

	assert.Equal(t, 1, rec.errs)
	assert.Equal(t, CodeRst, rec.errCode)
	_, code = env.eng.Send(h, []byte("x"))
	assert.Equal(t, CodeConn, code)
}

// ============================================================================
//                              重传定时器
// ============================================================================

// TestRetransmit 测试未确认段按指数退避重传
func TestRetransmit(t *testing.T) {
	env := newTestEnv(t, nil)
	lr := &listenRecorder{}
	_, code := env.eng.Listen(8080, lr.acceptFn)
	require.Equal(t, CodeOK, code)
	h, _ := env.handshake(lr, clientEP, 1000)
	env.drain()

	_, code = env.eng.Send(h, []byte("data"))
	require.Equal(t, CodeOK, code)
	first, ok := env.takeTCP()
	require.True(t, ok)

	// 超时前不重传
	env.clk.Add(rtoBase / 2)
	env.eng.CheckTimeouts()
	_, more := env.takeTCP()
	require.False(t, more)

	// 超时后重传同一段
	env.clk.Add(rtoBase)
	env.eng.CheckTimeouts()
	re, ok := env.takeTCP()
	require.True(t, ok)
	assert.Equal(t, first.tcp.Seq, re.tcp.Seq)
	assert.True(t, bytes.Equal(first.tcp.Payload, re.tcp.Payload))
}

// TestRetransmit_Exhausted 测试重传上限后连接被放弃
func TestRetransmit_Exhausted(t *testing.T) {
	env := newTestEnv(t, nil)
	lr := &listenRecorder{}
	_, code := env.eng.Listen(8080, lr.acceptFn)
	require.Equal(t, CodeOK, code)
	h, rec := env.handshake(lr, clientEP, 1000)
	env.drain()

	_, code = env.eng.Send(h, []byte("data"))
	require.Equal(t, CodeOK, code)
	env.drain()

	// 推进时钟直到重传次数耗尽
	for i := 0; i <= maxRetransmits; i++ {
		env.clk.Add(rtoFor(maxRetransmits))
		env.eng.CheckTimeouts()
	}

	require.Equal(t, 1, rec.errs)
	assert.Equal(t, CodeTimeout, rec.errCode)
	_, code = env.eng.Send(h, []byte("x"))
	assert.Equal(t, CodeConn, code)
}
