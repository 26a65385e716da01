// Package engine 实现单线程回调驱动的 TCP/UDP 协议引擎
//
// 本文件实现 UDP：按本地端口分发入站数据报，单发出站数据报。
package engine

// udpPCB UDP 端点控制块
type udpPCB struct {
	handle Handle
	local  endpoint
	ev     DatagramEvents
}

// BindUDP 绑定一个 UDP 端点
//
// port 为 0 时分配临时端口。返回句柄与实际绑定的本地端点；
// 本地地址可能尚不可知（零值），将在首个入站数据报到达时学习。
func (e *Engine) BindUDP(port uint16, ev DatagramEvents) (Handle, endpoint, Code) {
	if ev == nil {
		return Handle{}, endpoint{}, CodeArg
	}
	if port == 0 {
		port = e.allocEphemeralPort()
		if port == 0 {
			return Handle{}, endpoint{}, CodeMem
		}
	} else if _, taken := e.udpPorts[port]; taken {
		return Handle{}, endpoint{}, CodeUse
	}
	h, s := e.arena.alloc(slotUDP)
	pcb := &udpPCB{
		handle: h,
		local:  endpoint{Addr: e.cfg.LocalAddr, Port: port},
		ev:     ev,
	}
	s.udp = pcb
	e.udpPorts[port] = pcb
	logger.Debug("udp bound", "port", port)
	return h, pcb.local, CodeOK
}

// SendTo 向指定端点单发一个数据报
func (e *Engine) SendTo(h Handle, to endpoint, data []byte) Code {
	s := e.arena.get(h, slotUDP)
	if s == nil {
		return CodeConn
	}
	if !to.IsValid() {
		return CodeVal
	}
	pcb := s.udp
	src := pcb.local
	if !src.Addr.IsValid() {
		// 尚未从入站流量学到本地地址，也没有配置默认源地址：无路可走
		return CodeRte
	}
	if src.Addr.Is4() != to.Addr.Is4() {
		return CodeRte
	}
	pkt, err := serializeUDP(src, to, data)
	e.emit(pkt, err)
	return CodeOK
}

// CloseUDP 关闭 UDP 端点，句柄随即失效
func (e *Engine) CloseUDP(h Handle) Code {
	s := e.arena.get(h, slotUDP)
	if s == nil {
		return CodeConn
	}
	delete(e.udpPorts, s.udp.local.Port)
	e.arena.release(h)
	return CodeOK
}

// handleUDP 处理一个入站 UDP 数据报
func (e *Engine) handleUDP(pp parsedPacket) {
	u := pp.udp
	pcb := e.udpPorts[uint16(u.DstPort)]
	if pcb == nil {
		logger.Debug("dropping datagram for unbound port", "port", uint16(u.DstPort))
		return
	}
	if !pcb.local.Addr.IsValid() {
		pcb.local.Addr = pp.dst
	}
	from := endpoint{Addr: pp.src, Port: uint16(u.SrcPort)}
	pcb.ev.OnDatagram(from, u.Payload)
}

// allocEphemeralPort 从动态端口段分配一个空闲端口
func (e *Engine) allocEphemeralPort() uint16 {
	for i := 0; i < 1<<14; i++ {
		p := e.nextEphemeral
		e.nextEphemeral++
		if e.nextEphemeral == 0 {
			e.nextEphemeral = 49152
		}
		if p < 49152 {
			continue
		}
		if _, taken := e.udpPorts[p]; !taken {
			return p
		}
	}
	return 0
}
