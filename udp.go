package netstack

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/dep2p/go-netstack/internal/core/engine"
	"github.com/dep2p/go-netstack/pkg/types"
)

// datagram 一个待消费的入站数据报
type datagram struct {
	from    types.Endpoint
	payload []byte
}

// UDPSocket 数据报套接字
//
// 入站数据报进入有界队列等待消费，队列满时丢弃最旧的数据报
// （显式策略，深度由 WithDatagramQueueDepth 配置）。
type UDPSocket struct {
	stack  *Stack
	handle engine.Handle
	local  types.Endpoint
	remote types.Endpoint // DialUDP 设置的默认对端，可为零值

	// pending 与 closed 持 guard 访问
	pending *queue.Queue // datagram
	closed  bool

	rd waker

	closeOnce sync.Once
	closedCh  chan struct{}
	rdl       deadlineTimer
}

// 确保实现引擎回调接口
var _ engine.DatagramEvents = (*UDPSocket)(nil)

// newUDPSocket 创建套接字（句柄与本地端点由 Stack 回填）
func newUDPSocket(s *Stack, remote types.Endpoint) *UDPSocket {
	return &UDPSocket{
		stack:    s,
		remote:   remote,
		pending:  queue.New(),
		closedCh: make(chan struct{}),
	}
}

// OnDatagram 实现 engine.DatagramEvents（引擎回调，持 guard 期间执行）
func (u *UDPSocket) OnDatagram(from types.Endpoint, data []byte) {
	if u.closed {
		return
	}
	if u.pending.Length() >= u.stack.opts.datagramQueueDepth {
		// 丢最旧，保最新
		u.pending.Remove()
		logger.Debug("datagram queue full, dropping oldest", "port", u.local.Port)
	}
	u.pending.Add(datagram{from: from, payload: append([]byte(nil), data...)})
	u.rd.wake()
}

// RecvFrom 接收一个数据报，无数据时挂起
func (u *UDPSocket) RecvFrom() (types.Endpoint, []byte, error) {
	for {
		u.stack.guard.Acquire()
		if u.closed {
			u.stack.guard.Release()
			return types.Endpoint{}, nil, ErrSocketClosed
		}
		if u.pending.Length() > 0 {
			d := u.pending.Remove().(datagram)
			u.stack.guard.Release()
			return d.from, d.payload, nil
		}
		ch := u.rd.register()
		u.stack.guard.Release()

		select {
		case <-ch:
		case <-u.closedCh:
			return types.Endpoint{}, nil, ErrSocketClosed
		case <-u.rdl.wait():
			u.rd.clear()
			return types.Endpoint{}, nil, os.ErrDeadlineExceeded
		}
	}
}

// SendTo 向指定端点单发一个数据报
//
// 单次进入引擎的短临界区；引擎拒绝时立即返回语义错误，不重试。
func (u *UDPSocket) SendTo(to types.Endpoint, b []byte) error {
	u.stack.guard.Acquire()
	defer u.stack.guard.Release()
	if u.closed {
		return ErrSocketClosed
	}
	if code := u.stack.eng.SendTo(u.handle, to, b); code != engine.CodeOK {
		return fmt.Errorf("send to %s: %w", to, codeError(code))
	}
	return nil
}

// Send 向默认对端发送一个数据报（仅 DialUDP 创建的套接字）
func (u *UDPSocket) Send(b []byte) error {
	if !u.remote.IsValid() {
		return fmt.Errorf("no default remote endpoint")
	}
	return u.SendTo(u.remote, b)
}

// LocalEndpoint 返回本地端点
//
// 地址部分可能尚不可知（零值），将在首个入站数据报到达时学习。
func (u *UDPSocket) LocalEndpoint() types.Endpoint {
	return u.local
}

// LocalAddr 返回本地地址
func (u *UDPSocket) LocalAddr() net.Addr {
	return net.UDPAddrFromAddrPort(u.local.AddrPort())
}

// SetReadDeadline 设置接收截止时间
func (u *UDPSocket) SetReadDeadline(t time.Time) error {
	u.rdl.set(t)
	return nil
}

// Close 关闭套接字
//
// 释放引擎端点，唤醒挂起的 RecvFrom。重复调用是空操作。
func (u *UDPSocket) Close() error {
	u.closeOnce.Do(func() {
		u.stack.guard.Acquire()
		u.closed = true
		u.stack.eng.CloseUDP(u.handle)
		delete(u.stack.socks, u)
		u.stack.guard.Release()
		close(u.closedCh)
	})
	return nil
}
