package netstack

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/dep2p/go-netstack/internal/core/engine"
	"github.com/dep2p/go-netstack/pkg/types"
)

// acceptWaiter 一次挂起的接入等待
type acceptWaiter struct {
	ch        chan *connContext // 容量 1，握手完成时投递
	abandoned atomic.Bool       // 等待者已取消，跳过投递
}

// Listener TCP 监听器
//
// 排队新建立的连接并按 FIFO 交付；多个并发 Accept 调用按到达
// 顺序获得连接。接入队列有界（backlog），满时新连接被拒绝。
type Listener struct {
	stack   *Stack
	port    uint16
	backlog int
	handle  engine.Handle

	// pending 与 waiters 持 guard 访问
	pending *queue.Queue // *connContext，已握手待接入
	waiters *queue.Queue // *acceptWaiter，挂起的 Accept 调用
	closed  bool

	closeOnce sync.Once
	closedCh  chan struct{}
}

// newListener 创建监听器（句柄由 Stack.Listen 回填）
func newListener(s *Stack, port uint16, backlog int) *Listener {
	return &Listener{
		stack:    s,
		port:     port,
		backlog:  backlog,
		pending:  queue.New(),
		waiters:  queue.New(),
		closedCh: make(chan struct{}),
	}
}

// onAccept 实现 engine.AcceptFunc（引擎回调，持 guard 期间执行）
//
// 有挂起的 Accept 时直接投递；否则入队，队列满则拒绝接入。
func (l *Listener) onAccept(h engine.Handle, local, remote types.Endpoint) (engine.ConnEvents, bool) {
	if l.closed {
		return nil, false
	}
	c := newConnContext(l.stack, h, local, remote)
	for l.waiters.Length() > 0 {
		w := l.waiters.Remove().(*acceptWaiter)
		if w.abandoned.Load() {
			continue
		}
		w.ch <- c
		return c, true
	}
	if l.pending.Length() >= l.backlog {
		logger.Warn("accept queue full, rejecting connection",
			"port", l.port, "remote", remote.String())
		return nil, false
	}
	l.pending.Add(c)
	return c, true
}

// Accept 接受一个入站连接，无连接可接时阻塞
func (l *Listener) Accept() (*Stream, error) {
	return l.AcceptContext(context.Background())
}

// AcceptContext 接受一个入站连接，支持取消
//
// 取消只是注销等待，不产生任何引擎侧副作用；取消与投递竞争时
// 已交付的连接被中止。
func (l *Listener) AcceptContext(ctx context.Context) (*Stream, error) {
	s := l.stack
	s.guard.Acquire()
	if l.closed {
		s.guard.Release()
		return nil, ErrListenerClosed
	}
	if l.pending.Length() > 0 {
		c := l.pending.Remove().(*connContext)
		s.guard.Release()
		return newStream(c), nil
	}
	w := &acceptWaiter{ch: make(chan *connContext, 1)}
	l.waiters.Add(w)
	s.guard.Release()

	select {
	case c := <-w.ch:
		return newStream(c), nil
	case <-l.closedCh:
		// 关闭与投递可能竞争：已交付的连接优先
		select {
		case c := <-w.ch:
			return newStream(c), nil
		default:
		}
		return nil, ErrListenerClosed
	case <-ctx.Done():
		s.guard.Acquire()
		select {
		case c := <-w.ch:
			// 取消前已交付：中止该连接
			c.abortLocked()
		default:
			w.abandoned.Store(true)
		}
		s.guard.Release()
		return nil, ctx.Err()
	}
}

// Addr 返回监听地址
func (l *Listener) Addr() net.Addr {
	return &net.TCPAddr{Port: int(l.port)}
}

// Close 关闭监听器
//
// 关闭监听句柄，中止已排队未接入的连接，唤醒全部挂起的 Accept。
// 已接入的流不受影响。重复调用是空操作。
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		s := l.stack
		s.guard.Acquire()
		l.closed = true
		for l.pending.Length() > 0 {
			c := l.pending.Remove().(*connContext)
			c.abortLocked()
		}
		s.eng.CloseListener(l.handle)
		delete(s.listeners, l)
		s.guard.Release()
		close(l.closedCh)
	})
	return nil
}
