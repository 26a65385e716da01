// Package types 定义 go-netstack 公共类型
//
// 本文件定义网络端点类型。
package types

import (
	"fmt"
	"net/netip"
)

// ============================================================================
//                              Endpoint - 网络端点
// ============================================================================

// Endpoint 网络端点（IP 地址 + 端口）
//
// 协议栈内所有地址均以 Endpoint 表示，IPv4 与 IPv6 统一处理。
type Endpoint struct {
	// Addr IP 地址
	Addr netip.Addr

	// Port 端口号
	Port uint16
}

// NewEndpoint 创建端点
func NewEndpoint(addr netip.Addr, port uint16) Endpoint {
	return Endpoint{Addr: addr, Port: port}
}

// ParseEndpoint 从 "ip:port" 格式解析端点
func ParseEndpoint(s string) (Endpoint, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	return Endpoint{Addr: ap.Addr(), Port: ap.Port()}, nil
}

// IsValid 端点是否有效（地址有效且端口非零）
func (e Endpoint) IsValid() bool {
	return e.Addr.IsValid() && e.Port != 0
}

// AddrPort 转换为 netip.AddrPort
func (e Endpoint) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(e.Addr, e.Port)
}

// String 返回 "ip:port" 格式字符串
func (e Endpoint) String() string {
	if !e.Addr.IsValid() {
		return fmt.Sprintf(":%d", e.Port)
	}
	return e.AddrPort().String()
}
