package netstack

import (
	"fmt"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/eapache/queue"

	"github.com/dep2p/go-netstack/internal/core/engine"
	"github.com/dep2p/go-netstack/internal/core/guard"
	"github.com/dep2p/go-netstack/pkg/lib/log"
	"github.com/dep2p/go-netstack/pkg/types"
)

var logger = log.Logger("netstack/stack")

// Stack 用户态协议栈
//
// 独占持有协议引擎与串行锁，是所有监听器、流和数据报套接字的
// 工厂。网络面只有两个口：Inject 喂入入站原始 IP 包，Extract
// 取走出站包；不打开任何内核套接字。
//
// 派生对象持有对引擎的共享引用，不得在 Stack 关闭后继续使用。
type Stack struct {
	opts options

	guard *guard.Lock
	eng   *engine.Engine
	clk   clock.Clock

	// outQ 出站包 FIFO 队列；持 guard 访问
	outQ *queue.Queue

	// listeners 与 socks 记录存活的派生对象，Close 时统一唤醒；持 guard 访问
	listeners map[*Listener]struct{}
	socks     map[*UDPSocket]struct{}

	closed   atomic.Bool
	loopStop chan struct{}
	loopDone chan struct{}
}

// New 创建协议栈
//
// 失败时不返回部分构造的 Stack。创建成功即启动内置定时器循环，
// 以配置的节拍驱动引擎定时器。
func New(opts ...Option) (*Stack, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, fmt.Errorf("invalid option: %w", err)
		}
	}

	s := &Stack{
		opts:      o,
		guard:     guard.New(),
		clk:       o.clk,
		outQ:      queue.New(),
		listeners: make(map[*Listener]struct{}),
		socks:     make(map[*UDPSocket]struct{}),
		loopStop:  make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	eng, code := engine.New(engine.Config{
		MaxConns:    o.maxConns,
		SendBufSize: o.sendBufSize,
		RecvBufSize: o.recvBufSize,
		LocalAddr:   o.localAddr,
		Output:      func(pkt []byte) { s.outQ.Add(pkt) },
		Clock:       o.clk,
	})
	if code != engine.CodeOK {
		return nil, fmt.Errorf("%w: %s", ErrEngineInit, code)
	}
	s.eng = eng

	go s.timerLoop()
	logger.Debug("stack created",
		"max_conns", o.maxConns, "send_buf", o.sendBufSize, "recv_buf", o.recvBufSize)
	return s, nil
}

// Inject 注入一个入站原始 IP 包
//
// 包处理（含由此触发的全部回调）在持 guard 的短临界区内完成。
// 畸形包被引擎静默丢弃。
func (s *Stack) Inject(pkt []byte) error {
	if s.closed.Load() {
		return ErrStackClosed
	}
	s.guard.Acquire()
	defer s.guard.Release()
	s.eng.Inject(pkt)
	return nil
}

// Extract 取出下一个出站包
//
// 非阻塞；无包可取时返回 (nil, false)。包按引擎产出顺序（FIFO）
// 返回，调用方负责转发到包设备。
func (s *Stack) Extract() ([]byte, bool) {
	s.guard.Acquire()
	defer s.guard.Release()
	if s.outQ.Length() == 0 {
		return nil, false
	}
	return s.outQ.Remove().([]byte), true
}

// PollTimers 推进引擎定时器
//
// 内置定时器循环按节拍调用；也可由调用方在禁用内置循环的
// 集成场景手动驱动。超时精度受驱动节拍限制。
func (s *Stack) PollTimers() {
	if s.closed.Load() {
		return
	}
	s.guard.Acquire()
	defer s.guard.Release()
	s.eng.CheckTimeouts()
}

// Listen 在端口上创建 TCP 监听器
func (s *Stack) Listen(port uint16) (*Listener, error) {
	if s.closed.Load() {
		return nil, ErrStackClosed
	}
	l := newListener(s, port, s.opts.backlog)
	s.guard.Acquire()
	defer s.guard.Release()
	h, code := s.eng.Listen(port, l.onAccept)
	if code != engine.CodeOK {
		return nil, fmt.Errorf("listen on port %d: %w", port, codeError(code))
	}
	l.handle = h
	s.listeners[l] = struct{}{}
	return l, nil
}

// ListenUDP 绑定一个 UDP 数据报套接字
//
// port 为 0 时分配临时端口。
func (s *Stack) ListenUDP(port uint16) (*UDPSocket, error) {
	return s.bindUDP(port, types.Endpoint{})
}

// DialUDP 创建一个带默认对端的 UDP 数据报套接字
//
// 本地绑定临时端口；Send 使用 remote 作为目的端点。
func (s *Stack) DialUDP(remote types.Endpoint) (*UDPSocket, error) {
	if !remote.IsValid() {
		return nil, fmt.Errorf("dial udp: invalid remote endpoint %s", remote)
	}
	return s.bindUDP(0, remote)
}

// bindUDP 分配 UDP 端点并包装为套接字
func (s *Stack) bindUDP(port uint16, remote types.Endpoint) (*UDPSocket, error) {
	if s.closed.Load() {
		return nil, ErrStackClosed
	}
	u := newUDPSocket(s, remote)
	s.guard.Acquire()
	defer s.guard.Release()
	h, local, code := s.eng.BindUDP(port, u)
	if code != engine.CodeOK {
		return nil, fmt.Errorf("bind udp port %d: %w", port, codeError(code))
	}
	u.handle = h
	u.local = local
	s.socks[u] = struct{}{}
	return u, nil
}

// Close 关闭协议栈
//
// 停止定时器循环并拆除引擎：所有存活连接被中止，挂起的读写、
// 接入与收包操作以错误返回。重复调用是空操作。
func (s *Stack) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.loopStop)
	<-s.loopDone

	s.guard.Acquire()
	ls := make([]*Listener, 0, len(s.listeners))
	for l := range s.listeners {
		ls = append(ls, l)
	}
	us := make([]*UDPSocket, 0, len(s.socks))
	for u := range s.socks {
		us = append(us, u)
	}
	s.eng.Shutdown()
	s.guard.Release()

	// 引擎已拆除；逐个关闭派生对象，唤醒挂起的 Accept 与 RecvFrom
	for _, l := range ls {
		_ = l.Close()
	}
	for _, u := range us {
		_ = u.Close()
	}
	logger.Debug("stack closed")
	return nil
}

// timerLoop 内置定时器循环
func (s *Stack) timerLoop() {
	defer close(s.loopDone)
	t := s.clk.Ticker(s.opts.timerInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.PollTimers()
		case <-s.loopStop:
			return
		}
	}
}
