package network

// Stage 表示网络收发链路中的处理阶段。
//
// 主要用于在日志中标记错误发生的位置，便于监控与排查。
type Stage string

const (
	StageDial      Stage = "dial"      // 建立 TCP/TLS 连接
	StageHandshake Stage = "handshake" // 发送 PASS/NICK/USER
	StageRecvRaw   Stage = "recv_raw"  // 从底层连接读取一行
	StageDecode    Stage = "decode"    // 一行 -> Frame
	StageEncode    Stage = "encode"    // Frame -> 一行
	StageSend      Stage = "send"      // 底层写入完成
)

// String 实现 fmt.Stringer。
func (s Stage) String() string {
	return string(s)
}

// FieldStage 为日志字段名，值为 Stage。
const FieldStage = "stage"
