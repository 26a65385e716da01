// Package guard 提供协议引擎的互斥访问保护
//
// 协议引擎是单线程状态机，所有入口（注包、取包、定时器、发送、监听、
// 关闭）必须严格串行。guard.Lock 是一把公平的票据锁：按到达顺序
// （FIFO）授予临界区，避免高频注包方饿死应用侧的读写方。
//
// 约束：持锁期间不得阻塞、不得挂起；挂起点只允许出现在释放锁之后。
package guard

import "sync"

// Lock 公平票据锁
//
// 零值可用。每个 Acquire 领取一张递增的票据，按票据顺序进入临界区。
type Lock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64 // 下一张待发放的票据
	serving uint64 // 当前被服务的票据
}

// New 创建票据锁
func New() *Lock {
	l := &Lock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Acquire 获取临界区，按 FIFO 顺序阻塞等待
func (l *Lock) Acquire() {
	l.mu.Lock()
	ticket := l.next
	l.next++
	for ticket != l.serving {
		l.cond.Wait()
	}
	l.mu.Unlock()
}

// Release 释放临界区，唤醒下一张票据的持有者
func (l *Lock) Release() {
	l.mu.Lock()
	l.serving++
	l.cond.Broadcast()
	l.mu.Unlock()
}
