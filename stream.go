package netstack

import (
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dep2p/go-netstack/internal/core/engine"
)

// Stream TCP 字节流
//
// 对一条已接入连接的异步门面，实现 net.Conn。可从任意多个
// goroutine 使用，但读、写两个方向各自最多一个并发调用者。
//
// 字节流语义：短读是正常现象；对端正常关闭且缓冲耗尽后 Read
// 返回 io.EOF。
type Stream struct {
	c *connContext

	closeOnce   sync.Once
	localClosed atomic.Bool

	rdl deadlineTimer
	wdl deadlineTimer
}

// 确保实现接口
var _ net.Conn = (*Stream)(nil)

// newStream 包装桥接状态为流
func newStream(c *connContext) *Stream {
	return &Stream{c: c}
}

// Read 读取入站数据
//
// 缓冲为空时挂起，等待引擎回调唤醒。取走的字节数同步归还给
// 引擎的接收窗口（背压耦合）。
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c := s.c
	for {
		c.stack.guard.Acquire()
		if c.buf.Len() > 0 {
			n, _ := c.buf.Read(p)
			if c.alive.Load() {
				c.stack.eng.Recved(c.handle, n)
			}
			c.stack.guard.Release()
			return n, nil
		}
		if c.eof {
			c.stack.guard.Release()
			return 0, io.EOF
		}
		if !c.alive.Load() {
			code := c.code
			c.stack.guard.Release()
			return 0, codeError(code)
		}
		ch := c.rd.register()
		c.stack.guard.Release()

		select {
		case <-ch:
		case <-s.rdl.wait():
			c.rd.clear()
			return 0, os.ErrDeadlineExceeded
		}
	}
}

// Write 写出数据
//
// 字节在持 guard 的临界区内交给引擎发送原语；发送缓冲不足时
// 挂起，由确认回调（OnSent）唤醒后续写。返回的 n 是已被引擎
// 接受的字节数。
func (s *Stream) Write(p []byte) (int, error) {
	if s.localClosed.Load() {
		return 0, ErrStreamClosed
	}
	c := s.c
	total := 0
	for {
		c.stack.guard.Acquire()
		if !c.alive.Load() {
			code := c.code
			c.stack.guard.Release()
			return total, codeError(code)
		}
		n, code := c.stack.eng.Send(c.handle, p[total:])
		if code != engine.CodeOK {
			c.stack.guard.Release()
			return total, codeError(code)
		}
		if n > 0 {
			c.unacked += n
			total += n
		}
		if total == len(p) {
			c.stack.guard.Release()
			return total, nil
		}
		ch := c.wr.register()
		c.stack.guard.Release()

		select {
		case <-ch:
		case <-s.wdl.wait():
			c.wr.clear()
			return total, os.ErrDeadlineExceeded
		}
	}
}

// Close 发起优雅关闭
//
// 不阻塞等待拆除完成；完成信号经由引擎的终结回调异步到达，
// 之后句柄归还引擎。重复调用是空操作。
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.localClosed.Store(true)
		c := s.c
		c.stack.guard.Acquire()
		if c.alive.Load() {
			c.stack.eng.Close(c.handle)
		}
		c.stack.guard.Release()
	})
	return nil
}

// LocalAddr 返回本端地址
func (s *Stream) LocalAddr() net.Addr {
	return net.TCPAddrFromAddrPort(s.c.local.AddrPort())
}

// RemoteAddr 返回对端地址
func (s *Stream) RemoteAddr() net.Addr {
	return net.TCPAddrFromAddrPort(s.c.remote.AddrPort())
}

// SetDeadline 设置读写截止时间
func (s *Stream) SetDeadline(t time.Time) error {
	s.rdl.set(t)
	s.wdl.set(t)
	return nil
}

// SetReadDeadline 设置读截止时间
func (s *Stream) SetReadDeadline(t time.Time) error {
	s.rdl.set(t)
	return nil
}

// SetWriteDeadline 设置写截止时间
func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.wdl.set(t)
	return nil
}
