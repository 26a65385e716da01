// Package engine 实现单线程回调驱动的 TCP/UDP 协议引擎
//
// 本文件实现句柄竞技场（arena with generation）。
// 引擎对外只暴露带代数的句柄，槽位复用时代数递增，
// 过期句柄上的任何操作都会被识别并拒绝。
package engine

// Handle 引擎签发的不透明句柄
//
// 标识一条 TCP 连接、一个监听端点或一个 UDP 端点。
// 引擎终结对应对象后句柄立即失效；零值永远无效。
type Handle struct {
	index uint32
	gen   uint32
}

// IsValid 句柄是否为引擎签发（非零值）
func (h Handle) IsValid() bool {
	return h.gen != 0
}

// slotKind 槽位承载的对象类别
type slotKind uint8

const (
	slotFree slotKind = iota
	slotTCP
	slotListen
	slotUDP
)

// slot 竞技场槽位
type slot struct {
	gen  uint32
	kind slotKind
	tcp  *tcpPCB
	lst  *listenPCB
	udp  *udpPCB
}

// arena 句柄竞技场
type arena struct {
	slots []slot
	free  []uint32
}

// alloc 分配一个槽位并签发句柄
func (a *arena) alloc(kind slotKind) (Handle, *slot) {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot{})
		idx = uint32(len(a.slots) - 1)
	}
	s := &a.slots[idx]
	s.gen++
	s.kind = kind
	return Handle{index: idx, gen: s.gen}, s
}

// get 按句柄取槽位；句柄过期或类别不符时返回 nil
func (a *arena) get(h Handle, kind slotKind) *slot {
	if !h.IsValid() || h.index >= uint32(len(a.slots)) {
		return nil
	}
	s := &a.slots[h.index]
	if s.gen != h.gen || s.kind != kind {
		return nil
	}
	return s
}

// release 回收槽位；句柄随即失效
func (a *arena) release(h Handle) {
	if !h.IsValid() || h.index >= uint32(len(a.slots)) {
		return
	}
	s := &a.slots[h.index]
	if s.gen != h.gen {
		return
	}
	s.kind = slotFree
	s.tcp, s.lst, s.udp = nil, nil, nil
	a.free = append(a.free, h.index)
}
