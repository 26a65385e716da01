package netstack

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
)

// Option 用户配置选项函数
type Option func(*options) error

// options 内部选项结构
type options struct {
	// 连接池上限
	maxConns int

	// 每连接缓冲（字节）；接收缓冲同时是背压阈值
	sendBufSize int
	recvBufSize int

	// 接入队列深度
	backlog int

	// 数据报队列深度（满时丢最旧，保最新）
	datagramQueueDepth int

	// 定时器驱动节拍
	timerInterval time.Duration

	// 本端默认源地址（UDP 主动发送兜底）
	localAddr netip.Addr

	// 时钟源（测试注入）
	clk clock.Clock
}

// defaultOptions 返回默认配置
func defaultOptions() options {
	return options{
		maxConns:           128,
		sendBufSize:        64 << 10,
		recvBufSize:        64 << 10,
		backlog:            16,
		datagramQueueDepth: 16,
		timerInterval:      250 * time.Millisecond,
		clk:                clock.New(),
	}
}

// WithMaxConnections 设置 TCP 连接池上限
func WithMaxConnections(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return fmt.Errorf("max connections must be positive, got %d", n)
		}
		o.maxConns = n
		return nil
	}
}

// WithSendBufferSize 设置每连接发送缓冲字节数
func WithSendBufferSize(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return fmt.Errorf("send buffer size must be positive, got %d", n)
		}
		o.sendBufSize = n
		return nil
	}
}

// WithReceiveBufferSize 设置每连接接收缓冲字节数
//
// 接收缓冲同时决定背压阈值：缓冲内未被消费的字节直接收缩
// 引擎的通告接收窗口。
func WithReceiveBufferSize(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return fmt.Errorf("receive buffer size must be positive, got %d", n)
		}
		o.recvBufSize = n
		return nil
	}
}

// WithListenBacklog 设置接入队列深度
//
// 队列满时新完成握手的连接被拒绝（RST），而不是无界排队。
func WithListenBacklog(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return fmt.Errorf("listen backlog must be positive, got %d", n)
		}
		o.backlog = n
		return nil
	}
}

// WithDatagramQueueDepth 设置数据报待收队列深度
//
// 队列满时丢弃最旧的数据报，保留最新的。
func WithDatagramQueueDepth(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return fmt.Errorf("datagram queue depth must be positive, got %d", n)
		}
		o.datagramQueueDepth = n
		return nil
	}
}

// WithTimerInterval 设置内置定时器循环的驱动节拍
//
// 重传与 TIME_WAIT 回收的精度受此节拍限制。
func WithTimerInterval(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return fmt.Errorf("timer interval must be positive, got %v", d)
		}
		o.timerInterval = d
		return nil
	}
}

// WithLocalAddress 设置本端默认源地址
//
// TCP 与入站 UDP 的本端地址从流量中学习，无需配置；
// 只有未收到过流量就主动发送的 UDP 套接字需要它。
func WithLocalAddress(addr netip.Addr) Option {
	return func(o *options) error {
		if !addr.IsValid() {
			return fmt.Errorf("invalid local address")
		}
		o.localAddr = addr
		return nil
	}
}

// WithClock 设置时钟源
//
// 测试中注入 mock 时钟以精确控制重传与定时器行为。
func WithClock(clk clock.Clock) Option {
	return func(o *options) error {
		if clk == nil {
			return fmt.Errorf("nil clock")
		}
		o.clk = clk
		return nil
	}
}
