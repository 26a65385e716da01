// Package engine 实现单线程回调驱动的 TCP/UDP 协议引擎
//
// 本文件实现 TCP：监听、三次握手、按序收数、确认与重传、
// 两端关闭流程。刻意保持小而直接：不做乱序重组、SACK、
// 拥塞控制与 RTT 估计，重传采用固定基数的指数退避。
package engine

import (
	"math/rand"
	"time"

	"github.com/google/gopacket/layers"
)

const (
	// maxSegmentSize 单段最大载荷（预留 v4/v6 头部空间）
	maxSegmentSize = 1360

	// rtoBase 首次重传超时
	rtoBase = 1 * time.Second

	// maxRetransmits 重传上限，超过即放弃连接
	maxRetransmits = 5

	// timeWaitDuration TIME_WAIT 停留时长
	timeWaitDuration = 10 * time.Second
)

// tcpState TCP 连接状态
type tcpState uint8

const (
	stateSynRcvd tcpState = iota + 1
	stateEstablished
	stateFinWait1
	stateFinWait2
	stateCloseWait
	stateLastAck
	stateClosing
	stateTimeWait
)

// listenPCB 监听端点控制块
type listenPCB struct {
	handle Handle
	port   uint16
	accept AcceptFunc
}

// txSegment 在途段（等待确认，必要时重传）
type txSegment struct {
	seq     uint32
	data    []byte // 独立副本，不随发送缓冲滑动
	syn     bool
	fin     bool
	sentAt  time.Time
	rexmits int
}

// seqLen 段占用的序号空间
func (s *txSegment) seqLen() uint32 {
	n := uint32(len(s.data))
	if s.syn {
		n++
	}
	if s.fin {
		n++
	}
	return n
}

// tcpPCB TCP 连接控制块
type tcpPCB struct {
	handle   Handle
	state    tcpState
	local    endpoint
	remote   endpoint
	listener *listenPCB

	// ev 事件接收器；握手完成、接入回调返回后才注册
	ev ConnEvents

	iss    uint32 // 本端初始序号
	sndUna uint32 // 最早未确认序号
	sndNxt uint32 // 下一个待发送序号
	sndWnd uint32 // 对端通告窗口

	rcvNxt uint32 // 期望的下一个入站序号
	rcvWnd int    // 本端接收窗口预算（随投递收缩、随 Recved 恢复）

	sendQ     []byte // 已收未确认 + 未发送的应用字节
	unsentOff int    // sendQ 中未发送部分的起点
	finQueued bool   // 本端已请求关闭，数据发完后追加 FIN
	finSent   bool
	finAcked  bool

	rexmit    []*txSegment
	timeWaitT time.Time
	lastProbe time.Time // 上一次零窗口探测时刻
}

// ============================================================================
//                              监听与句柄操作
// ============================================================================

// Listen 在端口上创建 TCP 监听端点
func (e *Engine) Listen(port uint16, accept AcceptFunc) (Handle, Code) {
	if port == 0 || accept == nil {
		return Handle{}, CodeArg
	}
	if _, taken := e.listeners[port]; taken {
		return Handle{}, CodeUse
	}
	h, s := e.arena.alloc(slotListen)
	lp := &listenPCB{handle: h, port: port, accept: accept}
	s.lst = lp
	e.listeners[port] = lp
	logger.Debug("tcp listening", "port", port)
	return h, CodeOK
}

// CloseListener 关闭监听端点
//
// 不影响已建立的连接；句柄随即失效。
func (e *Engine) CloseListener(h Handle) Code {
	s := e.arena.get(h, slotListen)
	if s == nil {
		return CodeConn
	}
	delete(e.listeners, s.lst.port)
	e.arena.release(h)
	return CodeOK
}

// Send 向连接的发送缓冲追加数据
//
// 最多接受缓冲剩余空间的字节数，返回实际接受的数量；缓冲满时
// 返回 (0, CodeOK)，调用方应等待 OnSent 后重试。被接受的字节
// 已复制，调用方可立即复用切片。
func (e *Engine) Send(h Handle, data []byte) (int, Code) {
	s := e.arena.get(h, slotTCP)
	if s == nil {
		return 0, CodeConn
	}
	pcb := s.tcp
	if pcb.finQueued || (pcb.state != stateEstablished && pcb.state != stateCloseWait) {
		return 0, CodeConn
	}
	space := e.cfg.SendBufSize - len(pcb.sendQ)
	if space <= 0 {
		return 0, CodeOK
	}
	n := min(space, len(data))
	pcb.sendQ = append(pcb.sendQ, data[:n]...)
	e.tcpOutput(pcb)
	return n, CodeOK
}

// Recved 归还 n 字节接收窗口
//
// 桥接层在消费者取走缓冲数据后调用；窗口从零恢复时发出窗口更新。
func (e *Engine) Recved(h Handle, n int) Code {
	s := e.arena.get(h, slotTCP)
	if s == nil {
		return CodeConn
	}
	pcb := s.tcp
	wasZero := pcb.rcvWnd == 0
	pcb.rcvWnd = min(pcb.rcvWnd+n, e.cfg.RecvBufSize)
	if wasZero && n > 0 {
		e.sendACK(pcb)
	}
	return CodeOK
}

// Close 发起优雅关闭（发送 FIN）
//
// 非阻塞；拆除完成后以 OnError(CodeClsd) 通知。重复调用是空操作。
func (e *Engine) Close(h Handle) Code {
	s := e.arena.get(h, slotTCP)
	if s == nil {
		return CodeConn
	}
	pcb := s.tcp
	switch pcb.state {
	case stateEstablished:
		pcb.state = stateFinWait1
	case stateCloseWait:
		pcb.state = stateLastAck
	default:
		return CodeOK
	}
	pcb.finQueued = true
	e.tcpOutput(pcb)
	return CodeOK
}

// Abort 立即中止连接（发送 RST）
//
// 触发 OnError(CodeAbrt) 后释放句柄。
func (e *Engine) Abort(h Handle) Code {
	s := e.arena.get(h, slotTCP)
	if s == nil {
		return CodeConn
	}
	pcb := s.tcp
	e.sendRST(pcb)
	e.tcpClose(pcb, CodeAbrt)
	return CodeOK
}

// ============================================================================
//                              入站处理
// ============================================================================

// handleTCP 处理一个入站 TCP 段
func (e *Engine) handleTCP(pp parsedPacket) {
	seg := pp.tcp
	local := endpoint{Addr: pp.dst, Port: uint16(seg.DstPort)}
	remote := endpoint{Addr: pp.src, Port: uint16(seg.SrcPort)}

	if pcb := e.conns[connKey{local, remote}]; pcb != nil {
		e.tcpInput(pcb, seg)
		return
	}

	// 新连接只接受发往监听端口的 SYN
	if seg.SYN && !seg.ACK {
		if lp := e.listeners[local.Port]; lp != nil {
			e.tcpSynRcvd(lp, local, remote, seg)
			return
		}
	}
	if !seg.RST {
		e.sendRSTFor(local, remote, seg)
	}
}

// tcpSynRcvd 响应监听端口上的 SYN，进入 SYN_RCVD
func (e *Engine) tcpSynRcvd(lp *listenPCB, local, remote endpoint, seg *layers.TCP) {
	if e.connCount >= e.cfg.MaxConns {
		logger.Warn("connection pool full, refusing SYN", "port", lp.port, "remote", remote.String())
		e.sendRSTFor(local, remote, seg)
		return
	}
	h, s := e.arena.alloc(slotTCP)
	pcb := &tcpPCB{
		handle:   h,
		state:    stateSynRcvd,
		local:    local,
		remote:   remote,
		listener: lp,
		iss:      rand.Uint32(),
		sndWnd:   uint32(seg.Window),
		rcvNxt:   seg.Seq + 1,
		rcvWnd:   e.cfg.RecvBufSize,
	}
	pcb.sndUna = pcb.iss
	pcb.sndNxt = pcb.iss + 1
	s.tcp = pcb
	e.conns[connKey{local, remote}] = pcb
	e.connCount++
	e.sendSegment(pcb, pcb.iss, flagSYN|flagACK, nil, true)
}

// tcpInput 处理已有连接上的入站段
func (e *Engine) tcpInput(pcb *tcpPCB, seg *layers.TCP) {
	if seg.RST {
		e.tcpClose(pcb, CodeRst)
		return
	}

	if seg.ACK {
		if freed := e.tcpAck(pcb, seg); freed {
			return
		}
	}

	payload := seg.Payload
	finSeq := seg.Seq + uint32(len(payload))
	ackNeeded := false

	// 按序数据；乱序段丢弃并以重复 ACK 催促重传
	if len(payload) > 0 {
		switch pcb.state {
		case stateEstablished, stateFinWait1, stateFinWait2:
			if seg.Seq == pcb.rcvNxt {
				n := min(len(payload), pcb.rcvWnd)
				if n > 0 {
					pcb.rcvNxt += uint32(n)
					pcb.rcvWnd -= n
					payload = payload[:n]
					if pcb.ev != nil {
						pcb.ev.OnReceive(payload)
					}
				} else {
					payload = payload[:0]
				}
			} else {
				payload = payload[:0]
			}
			ackNeeded = true
		default:
			payload = payload[:0]
		}
	}

	// FIN 仅在按序（且数据未被窗口截断）时生效
	switch {
	case seg.FIN && finSeq == pcb.rcvNxt:
		pcb.rcvNxt++
		ackNeeded = true
		if pcb.ev != nil {
			pcb.ev.OnReceive(nil)
		}
		switch pcb.state {
		case stateEstablished:
			pcb.state = stateCloseWait
		case stateFinWait1:
			if pcb.finAcked {
				e.enterTimeWait(pcb)
			} else {
				pcb.state = stateClosing
			}
		case stateFinWait2:
			e.enterTimeWait(pcb)
		}
	case seg.FIN && seqLT(finSeq, pcb.rcvNxt):
		// 对端重传的旧 FIN：它没收到我们的 ACK，补一个
		ackNeeded = true
	}

	if ackNeeded {
		e.sendACK(pcb)
	}
}

// tcpAck 处理确认；返回 true 表示连接已在处理中被释放
func (e *Engine) tcpAck(pcb *tcpPCB, seg *layers.TCP) bool {
	pcb.sndWnd = uint32(seg.Window)

	ack := seg.Ack
	ackedData := 0
	for len(pcb.rexmit) > 0 {
		s0 := pcb.rexmit[0]
		if !seqLE(s0.seq+s0.seqLen(), ack) {
			break
		}
		ackedData += len(s0.data)
		if s0.fin {
			pcb.finAcked = true
		}
		pcb.sndUna = s0.seq + s0.seqLen()
		pcb.rexmit = pcb.rexmit[1:]
	}
	if ackedData > 0 {
		pcb.sendQ = pcb.sendQ[ackedData:]
		pcb.unsentOff -= ackedData
	}

	switch pcb.state {
	case stateSynRcvd:
		// SYN 被确认即进入 ESTABLISHED，向监听方交付
		if pcb.sndUna == pcb.iss+1 {
			pcb.state = stateEstablished
			ev, ok := pcb.listener.accept(pcb.handle, pcb.local, pcb.remote)
			if !ok {
				e.sendRST(pcb)
				e.tcpFree(pcb)
				return true
			}
			pcb.ev = ev
		}
	case stateFinWait1:
		if pcb.finAcked {
			pcb.state = stateFinWait2
		}
	case stateClosing:
		if pcb.finAcked {
			e.enterTimeWait(pcb)
		}
	case stateLastAck:
		if pcb.finAcked {
			e.tcpClose(pcb, CodeClsd)
			return true
		}
	}

	if ackedData > 0 && pcb.ev != nil {
		pcb.ev.OnSent(ackedData)
	}
	e.tcpOutput(pcb)
	return false
}

// ============================================================================
//                              出站路径
// ============================================================================

// tcpOutput 在窗口与缓冲允许的范围内发出排队数据（及排队的 FIN）
func (e *Engine) tcpOutput(pcb *tcpPCB) {
	for pcb.unsentOff < len(pcb.sendQ) {
		inFlight := pcb.sndNxt - pcb.sndUna
		space := int(pcb.sndWnd) - int(inFlight)
		if space <= 0 {
			return
		}
		n := min(len(pcb.sendQ)-pcb.unsentOff, space, maxSegmentSize)
		data := pcb.sendQ[pcb.unsentOff : pcb.unsentOff+n]
		e.sendSegment(pcb, pcb.sndNxt, flagACK, data, true)
		pcb.sndNxt += uint32(n)
		pcb.unsentOff += n
	}
	if pcb.finQueued && !pcb.finSent && pcb.unsentOff == len(pcb.sendQ) {
		e.sendSegment(pcb, pcb.sndNxt, flagFIN|flagACK, nil, true)
		pcb.sndNxt++
		pcb.finSent = true
	}
}

// sendSegment 发出一个段；track 为 true 时登记在途等待确认
func (e *Engine) sendSegment(pcb *tcpPCB, seq uint32, flags uint8, payload []byte, track bool) {
	if track {
		seg := &txSegment{
			seq:    seq,
			syn:    flags&flagSYN != 0,
			fin:    flags&flagFIN != 0,
			sentAt: e.clk.Now(),
		}
		if len(payload) > 0 {
			seg.data = append([]byte(nil), payload...)
		}
		pcb.rexmit = append(pcb.rexmit, seg)
	}
	e.emit(serializeTCP(pcb.local, pcb.remote, seq, pcb.rcvNxt, flags, pcb.advertisedWnd(), payload))
}

// sendACK 发出纯 ACK（不占序号、不重传）
func (e *Engine) sendACK(pcb *tcpPCB) {
	e.emit(serializeTCP(pcb.local, pcb.remote, pcb.sndNxt, pcb.rcvNxt, flagACK, pcb.advertisedWnd(), nil))
}

// sendRST 针对已有连接发出 RST
func (e *Engine) sendRST(pcb *tcpPCB) {
	e.emit(serializeTCP(pcb.local, pcb.remote, pcb.sndNxt, pcb.rcvNxt, flagRST|flagACK, 0, nil))
}

// sendRSTFor 针对不存在的连接发出 RST
func (e *Engine) sendRSTFor(local, remote endpoint, seg *layers.TCP) {
	if seg.ACK {
		e.emit(serializeTCP(local, remote, seg.Ack, 0, flagRST, 0, nil))
		return
	}
	ack := seg.Seq + uint32(len(seg.Payload))
	if seg.SYN {
		ack++
	}
	e.emit(serializeTCP(local, remote, 0, ack, flagRST|flagACK, 0, nil))
}

// advertisedWnd 当前通告窗口
func (pcb *tcpPCB) advertisedWnd() uint16 {
	if pcb.rcvWnd > 65535 {
		return 65535
	}
	return uint16(pcb.rcvWnd)
}

// ============================================================================
//                              定时器与释放
// ============================================================================

// tcpTimers 推进所有连接的重传与 TIME_WAIT 定时器
func (e *Engine) tcpTimers(now time.Time) {
	for _, pcb := range e.snapshotConns() {
		if pcb.state == stateTimeWait {
			if now.Sub(pcb.timeWaitT) >= timeWaitDuration {
				e.tcpClose(pcb, CodeClsd)
			}
			continue
		}
		if len(pcb.rexmit) == 0 {
			e.zeroWindowProbe(pcb, now)
			continue
		}
		s0 := pcb.rexmit[0]
		if now.Sub(s0.sentAt) < rtoFor(s0.rexmits) {
			continue
		}
		if s0.rexmits >= maxRetransmits {
			logger.Warn("retransmit limit reached, aborting connection",
				"remote", pcb.remote.String(), "state", pcb.state)
			e.sendRST(pcb)
			e.tcpClose(pcb, CodeTimeout)
			continue
		}
		s0.rexmits++
		s0.sentAt = now
		flags := flagACK
		if s0.syn {
			flags |= flagSYN
		}
		if s0.fin {
			flags |= flagFIN
		}
		e.emit(serializeTCP(pcb.local, pcb.remote, s0.seq, pcb.rcvNxt, flags, pcb.advertisedWnd(), s0.data))
	}
}

// zeroWindowProbe 零窗口探测
//
// 对端窗口为零且无在途段时，窗口更新 ACK 一旦丢失，发送侧将
// 永久停摆。定期发一字节探测段（不登记在途、不占序号）催促
// 对端重新通告窗口。
func (e *Engine) zeroWindowProbe(pcb *tcpPCB, now time.Time) {
	if pcb.sndWnd != 0 || pcb.unsentOff >= len(pcb.sendQ) {
		return
	}
	if !pcb.lastProbe.IsZero() && now.Sub(pcb.lastProbe) < rtoBase {
		return
	}
	pcb.lastProbe = now
	probe := pcb.sendQ[pcb.unsentOff : pcb.unsentOff+1]
	e.emit(serializeTCP(pcb.local, pcb.remote, pcb.sndNxt, pcb.rcvNxt, flagACK, pcb.advertisedWnd(), probe))
}

// rtoFor 第 n 次重传的超时（指数退避）
func rtoFor(rexmits int) time.Duration {
	return rtoBase << uint(rexmits)
}

// enterTimeWait 进入 TIME_WAIT，等待定时回收
func (e *Engine) enterTimeWait(pcb *tcpPCB) {
	pcb.state = stateTimeWait
	pcb.timeWaitT = e.clk.Now()
	pcb.rexmit = nil
}

// tcpClose 释放连接并触发终结回调
//
// 先释放、后回调：回调执行时句柄已失效，桥接层不会再进入引擎。
func (e *Engine) tcpClose(pcb *tcpPCB, code Code) {
	ev := pcb.ev
	e.tcpFree(pcb)
	if ev != nil {
		ev.OnError(code)
	}
}

// tcpFree 释放连接的全部引擎侧状态
func (e *Engine) tcpFree(pcb *tcpPCB) {
	delete(e.conns, connKey{pcb.local, pcb.remote})
	e.arena.release(pcb.handle)
	e.connCount--
	pcb.ev = nil
	pcb.rexmit = nil
}

// seqLE 序号回绕安全的 a <= b
func seqLE(a, b uint32) bool {
	return int32(a-b) <= 0
}

// seqLT 序号回绕安全的 a < b
func seqLT(a, b uint32) bool {
	return int32(a-b) < 0
}
