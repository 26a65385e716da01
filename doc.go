// Package netstack 提供用户态 TCP/IP 套接字层
//
// go-netstack 面向只有原始 IP 包来源（虚拟网卡、隧道设备、测试
// harness）的应用，在没有内核协议栈参与的前提下提供常规的
// 监听器 / 字节流 / 数据报套接字语义。
//
// # 核心概念
//
// 协议栈围绕四个对象构建：
//
//   - Stack: 协议栈本体，独占持有协议引擎，负责包的注入与取出
//   - Listener: TCP 监听器，按 FIFO 交付入站连接
//   - Stream: TCP 字节流，实现 net.Conn
//   - UDPSocket: 数据报套接字
//
// 内部的协议引擎是单线程回调状态机；本包的价值在于桥接层：
// 用一把进程级公平锁串行化全部引擎访问，把引擎回调翻译为
// 任意等待方可观测的唤醒，并管理句柄生命周期（终结后不再使用、
// 不泄漏）。
//
// # 快速开始
//
//	import "github.com/dep2p/go-netstack"
//
//	// 1. 创建协议栈
//	stack, err := netstack.New(
//	    netstack.WithListenBacklog(32),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stack.Close()
//
//	// 2. 与包设备对接：入站喂 Inject，出站取 Extract
//	go func() {
//	    buf := make([]byte, 65536)
//	    for {
//	        n, _ := device.Read(buf)
//	        stack.Inject(buf[:n])
//	    }
//	}()
//	go func() {
//	    for {
//	        if pkt, ok := stack.Extract(); ok {
//	            device.Write(pkt)
//	        }
//	    }
//	}()
//
//	// 3. 常规套接字语义
//	ln, _ := stack.Listen(8080)
//	conn, _ := ln.Accept()      // 返回 net.Conn
//	io.Copy(conn, conn)
//
// # 并发模型
//
// 引擎的全部变更严格串行（公平票据锁）；应用侧可以有任意多个
// 并发 goroutine。临界区都很短且不挂起；挂起只发生在异步边缘
// （Read、Write 背压、Accept、RecvFrom），靠单槽 waker 唤醒。
// 取消挂起操作（截止时间、context）只注销 waker，无引擎侧副作用。
package netstack
