// Package engine 实现单线程回调驱动的 TCP/UDP 协议引擎
//
// 引擎是一台纯粹的单线程状态机：不持有任何锁，所有方法（包括
// Inject 驱动期间同步触发的回调）都必须由调用方串行化。上层的
// netstack 包用一把进程级票据锁完成串行化，引擎本身对并发一无所知。
//
// 方法以 Code 报告结果，沿用嵌入式协议栈的 err_t 风格；向应用层
// 的错误翻译由上层桥接完成。
package engine

import (
	"net/netip"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-netstack/pkg/lib/log"
	"github.com/dep2p/go-netstack/pkg/types"
)

var logger = log.Logger("netstack/engine")

// endpoint 引擎内部对公共端点类型的别名
type endpoint = types.Endpoint

// ============================================================================
//                              事件接收器
// ============================================================================

// ConnEvents 连接事件接收器
//
// 由桥接层实现。所有回调都在 Inject/CheckTimeouts 驱动期间同步触发，
// 此时调用方已持有串行锁：回调内不得阻塞、不得再进入引擎。
// 回调收到的数据切片仅在回调期间有效。
type ConnEvents interface {
	// OnReceive 达到新的入站数据；data 为 nil 表示对端正常关闭（EOF）
	OnReceive(data []byte)

	// OnSent 对端确认了 n 字节，发送缓冲释放了相应空间
	OnSent(n int)

	// OnError 终结信号：连接已被引擎释放，句柄随即失效。
	// code 说明终结原因（CodeClsd 为正常关闭）。每个连接至多触发一次。
	OnError(code Code)
}

// AcceptFunc 监听端点的接入回调
//
// 三次握手完成时触发。返回该连接的事件接收器；ok 为 false 表示
// 拒绝接入（接入队列已满等），引擎将以 RST 中止该连接。
type AcceptFunc func(h Handle, local, remote types.Endpoint) (ev ConnEvents, ok bool)

// DatagramEvents 数据报事件接收器
type DatagramEvents interface {
	// OnDatagram 收到一个数据报；data 仅在回调期间有效
	OnDatagram(from types.Endpoint, data []byte)
}

// ============================================================================
//                              引擎
// ============================================================================

// Config 引擎配置
type Config struct {
	// MaxConns TCP 连接池上限
	MaxConns int

	// SendBufSize 每连接发送缓冲字节数
	SendBufSize int

	// RecvBufSize 每连接接收缓冲字节数（即接收窗口上限）
	RecvBufSize int

	// LocalAddr 本端默认源地址（可为零值；UDP 主动发送时兜底使用）
	LocalAddr netip.Addr

	// Output 出站包回调，引擎产包时同步触发
	Output func(pkt []byte)

	// Clock 时钟源；nil 时使用真实时钟
	Clock clock.Clock
}

// Engine 协议引擎
//
// 非并发安全：所有方法必须在同一把串行锁下调用。
type Engine struct {
	cfg Config
	clk clock.Clock

	arena arena

	conns     map[connKey]*tcpPCB
	listeners map[uint16]*listenPCB
	udpPorts  map[uint16]*udpPCB

	connCount     int
	nextEphemeral uint16
	down          bool
}

// connKey TCP 连接的四元组键
type connKey struct {
	local  endpoint
	remote endpoint
}

// New 创建引擎
func New(cfg Config) (*Engine, Code) {
	if cfg.Output == nil || cfg.MaxConns <= 0 || cfg.SendBufSize <= 0 || cfg.RecvBufSize <= 0 {
		return nil, CodeArg
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		cfg:           cfg,
		clk:           clk,
		conns:         make(map[connKey]*tcpPCB),
		listeners:     make(map[uint16]*listenPCB),
		udpPorts:      make(map[uint16]*udpPCB),
		nextEphemeral: 49152,
	}, CodeOK
}

// Inject 注入一个入站原始 IP 包
//
// 包处理期间可能同步触发任意回调。畸形包与不在处理范围内的包
// 静默丢弃。
func (e *Engine) Inject(pkt []byte) {
	if e.down {
		return
	}
	pp, ok := parsePacket(pkt)
	if !ok {
		logger.Debug("dropping unparsable packet", "len", len(pkt))
		return
	}
	switch {
	case pp.tcp != nil:
		e.handleTCP(pp)
	case pp.udp != nil:
		e.handleUDP(pp)
	}
}

// CheckTimeouts 推进引擎定时器（重传、TIME_WAIT 回收）
//
// 必须以固定节拍驱动；超时精度受驱动节拍限制。
func (e *Engine) CheckTimeouts() {
	if e.down {
		return
	}
	e.tcpTimers(e.clk.Now())
}

// Shutdown 拆除引擎
//
// 中止所有存活连接（触发各自的 OnError(CodeAbrt)），释放全部句柄。
// 之后引擎不再接受任何驱动。
func (e *Engine) Shutdown() {
	if e.down {
		return
	}
	for _, pcb := range e.snapshotConns() {
		e.sendRST(pcb)
		e.tcpClose(pcb, CodeAbrt)
	}
	for _, lp := range e.listeners {
		e.arena.release(lp.handle)
	}
	clear(e.listeners)
	for _, up := range e.udpPorts {
		e.arena.release(up.handle)
	}
	clear(e.udpPorts)
	e.down = true
}

// emit 发出一个出站包
func (e *Engine) emit(pkt []byte, err error) {
	if err != nil {
		logger.Debug("dropping unserializable packet", "err", err)
		return
	}
	e.cfg.Output(pkt)
}

// snapshotConns 拍快照，避免遍历期间修改 map
func (e *Engine) snapshotConns() []*tcpPCB {
	out := make([]*tcpPCB, 0, len(e.conns))
	for _, pcb := range e.conns {
		out = append(out, pcb)
	}
	return out
}
