// Package engine 实现单线程回调驱动的 TCP/UDP 协议引擎
package engine

// Code 引擎状态码
//
// 负值表示失败，0 表示成功。取值沿用嵌入式协议栈的 err_t 惯例，
// 以 int8 承载，便于上层以单一错误类型包装。
type Code int8

const (
	// CodeOK 成功
	CodeOK Code = 0

	// CodeMem 内存不足（连接池已满等资源耗尽）
	CodeMem Code = -1

	// CodeBuf 缓冲区空间不足
	CodeBuf Code = -2

	// CodeTimeout 重传超时，连接被放弃
	CodeTimeout Code = -3

	// CodeRte 无可用路由（缺少本地源地址）
	CodeRte Code = -4

	// CodeVal 非法取值
	CodeVal Code = -6

	// CodeUse 端口已被占用
	CodeUse Code = -8

	// CodeConn 句柄无效或连接不存在
	CodeConn Code = -11

	// CodeAbrt 连接被本端中止
	CodeAbrt Code = -13

	// CodeRst 收到对端 RST
	CodeRst Code = -14

	// CodeClsd 连接已正常关闭（终结信号）
	CodeClsd Code = -15

	// CodeArg 非法参数
	CodeArg Code = -16
)

// String 返回状态码的可读名称
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeMem:
		return "MEM"
	case CodeBuf:
		return "BUF"
	case CodeTimeout:
		return "TIMEOUT"
	case CodeRte:
		return "RTE"
	case CodeVal:
		return "VAL"
	case CodeUse:
		return "USE"
	case CodeConn:
		return "CONN"
	case CodeAbrt:
		return "ABRT"
	case CodeRst:
		return "RST"
	case CodeClsd:
		return "CLSD"
	case CodeArg:
		return "ARG"
	default:
		return "UNKNOWN"
	}
}
