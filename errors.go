package netstack

import (
	"errors"
	"fmt"

	"github.com/dep2p/go-netstack/internal/core/engine"
)

// 公共错误定义
var (
	// ────────────────────────────────────────────────────────────────────────
	// 生命周期错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrStackClosed 协议栈已关闭
	ErrStackClosed = errors.New("stack closed")

	// ErrListenerClosed 监听器已关闭
	ErrListenerClosed = errors.New("listener closed")

	// ErrStreamClosed 流已关闭
	ErrStreamClosed = errors.New("stream closed")

	// ErrSocketClosed 数据报套接字已关闭
	ErrSocketClosed = errors.New("socket closed")

	// ErrEngineInit 引擎初始化失败
	ErrEngineInit = errors.New("engine initialization failed")

	// ────────────────────────────────────────────────────────────────────────
	// 连接错误（由引擎异步错误回调派生）
	// ────────────────────────────────────────────────────────────────────────

	// ErrConnectionReset 收到对端 RST
	ErrConnectionReset = errors.New("connection reset by peer")

	// ErrConnectionRefused 连接被拒绝
	ErrConnectionRefused = errors.New("connection refused")

	// ErrConnectionAborted 连接被本端中止
	ErrConnectionAborted = errors.New("connection aborted")

	// ErrTimedOut 重传超时，连接被放弃
	ErrTimedOut = errors.New("connection timed out")

	// ────────────────────────────────────────────────────────────────────────
	// 资源错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrPortInUse 端口已被占用
	ErrPortInUse = errors.New("port already in use")

	// ErrNetworkUnreachable 无可用路由
	ErrNetworkUnreachable = errors.New("network unreachable")
)

// EngineError 包装引擎状态码的错误
//
// 没有更具体语义映射的引擎失败以 EngineError 原样暴露，
// 可用 errors.As 取出底层状态码。
type EngineError struct {
	// Code 引擎状态码
	Code engine.Code
}

// Error 实现 error 接口
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error (%d: %s)", int8(e.Code), e.Code)
}

// codeError 将引擎状态码翻译为面向流/套接字的语义错误
func codeError(code engine.Code) error {
	switch code {
	case engine.CodeOK:
		return nil
	case engine.CodeRst:
		return ErrConnectionReset
	case engine.CodeAbrt:
		return ErrConnectionAborted
	case engine.CodeTimeout:
		return ErrTimedOut
	case engine.CodeClsd, engine.CodeConn:
		return ErrStreamClosed
	case engine.CodeUse:
		return ErrPortInUse
	case engine.CodeRte:
		return ErrNetworkUnreachable
	default:
		return &EngineError{Code: code}
	}
}
