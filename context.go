package netstack

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dep2p/go-netstack/internal/core/engine"
	"github.com/dep2p/go-netstack/pkg/types"
)

// ============================================================================
//                              waker - 单槽唤醒单元
// ============================================================================

// waker 单槽唤醒单元
//
// 每方向至多一个等待者：消费者挂起前注册一个通道，引擎回调
// 触发时取出并关闭。注册与唤醒都是无锁的，可在不持 guard 的
// 场景安全读写（协议栈中被豁免 guard 的仅有此类字段与存活标志）。
type waker struct {
	ch atomic.Pointer[chan struct{}]
}

// register 注册等待通道（覆盖旧注册）
func (w *waker) register() chan struct{} {
	ch := make(chan struct{})
	w.ch.Store(&ch)
	return ch
}

// clear 注销等待通道（取消挂起操作时调用）
func (w *waker) clear() {
	w.ch.Store(nil)
}

// wake 唤醒当前等待者（如有）；每次注册至多唤醒一次
func (w *waker) wake() {
	if p := w.ch.Swap(nil); p != nil {
		close(*p)
	}
}

// ============================================================================
//                              connContext - 回调桥
// ============================================================================

// connContext 每连接桥接状态
//
// 引擎回调（持 guard 期间）写入，消费者门面读取。buf、eof、code、
// unacked 只能在持 guard 时访问；alive 与两个 waker 例外。
// 连接在引擎终结与消费者丢弃都发生后才完全释放。
type connContext struct {
	stack  *Stack
	handle engine.Handle
	local  types.Endpoint
	remote types.Endpoint

	// alive 引擎侧存活标志；终结后为 false，此后禁止任何引擎调用
	alive atomic.Bool

	buf     bytes.Buffer // 待消费的入站字节
	eof     bool         // 对端已正常关闭
	code    engine.Code  // 终结原因
	unacked int          // 已写入、未被对端确认的字节数

	rd waker // 读方向等待者
	wr waker // 写方向等待者
}

// 确保实现引擎回调接口
var _ engine.ConnEvents = (*connContext)(nil)

// newConnContext 创建桥接状态
func newConnContext(s *Stack, h engine.Handle, local, remote types.Endpoint) *connContext {
	c := &connContext{stack: s, handle: h, local: local, remote: remote}
	c.alive.Store(true)
	return c
}

// OnReceive 引擎回调：入站数据到达（nil 表示对端正常关闭）
func (c *connContext) OnReceive(data []byte) {
	if data == nil {
		c.eof = true
	} else {
		c.buf.Write(data)
	}
	c.rd.wake()
}

// OnSent 引擎回调：n 字节已被对端确认
func (c *connContext) OnSent(n int) {
	c.unacked -= n
	c.wr.wake()
}

// OnError 引擎回调：连接终结
//
// 幂等：只有首个终结生效。两个方向都被唤醒，挂起的操作以错误
// 返回而不是永久悬挂。
func (c *connContext) OnError(code engine.Code) {
	if !c.alive.CompareAndSwap(true, false) {
		return
	}
	c.code = code
	c.rd.wake()
	c.wr.wake()
}

// abortLocked 中止连接（须持 guard）
//
// 由消费者侧触发（监听器关闭、接入取消），对已终结的连接是空操作。
func (c *connContext) abortLocked() {
	if c.alive.Load() {
		c.stack.eng.Abort(c.handle)
	}
}

// ============================================================================
//                              deadlineTimer - 截止时间
// ============================================================================

// deadlineTimer 截止时间通知器
//
// set 设定新截止时间并使旧的失效；wait 返回的通道在截止到达时
// 关闭。零值可用，表示尚无截止。
//
// 未到期的通道在重设截止时继续沿用：已挂起的操作持有的正是这个
// 通道，新截止到达时它们同样被唤醒（net.Conn 约定截止时间对
// 进行中的读写生效）。只有已关闭的通道才换新。
type deadlineTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	ch    chan struct{}
}

// set 设定截止时间；零值 time.Time 表示取消截止
func (d *deadlineTimer) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		if !d.timer.Stop() {
			// 到期回调已（或即将）关闭当前通道，不能再复用
			d.ch = nil
		}
		d.timer = nil
	}
	if d.ch == nil {
		d.ch = make(chan struct{})
	} else {
		select {
		case <-d.ch:
			// 上一个截止已到期
			d.ch = make(chan struct{})
		default:
		}
	}
	if t.IsZero() {
		return
	}
	dur := time.Until(t)
	if dur <= 0 {
		close(d.ch)
		return
	}
	ch := d.ch
	d.timer = time.AfterFunc(dur, func() { close(ch) })
}

// wait 返回截止通知通道
func (d *deadlineTimer) wait() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ch == nil {
		d.ch = make(chan struct{})
	}
	return d.ch
}
