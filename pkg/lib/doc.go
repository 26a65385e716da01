// Package lib 包含基础设施工具库
//
// 本目录包含与协议栈组件无关的通用工具库：
//
//   - log: 日志封装
//
// # 与 pkg/ 其他目录的关系
//
// pkg/ 目录包含两类内容：
//
//   - types/: 公共类型定义（架构核心）
//   - lib/: 基础设施工具库（本目录）
//
// # 使用示例
//
//	import (
//	    "github.com/dep2p/go-netstack/pkg/lib/log"
//	)
package lib
