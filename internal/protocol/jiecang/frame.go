package jiecang

// Frame Jiecang 协议帧结构
// 格式：f1f1(2) + opcode(1) + len(1) + payload(len) + checksum(1) + 7e(1)
type Frame struct {
	Opcode   byte   // 命令码
	Payload  []byte // 数据payload
	Checksum byte   // 校验和
}

// Len 返回payload长度字段
func (f *Frame) Len() byte {
	return byte(len(f.Payload))
}

// Equal 判断两帧是否等价（opcode与payload逐字节相同）
func (f *Frame) Equal(other *Frame) bool {
	if other == nil || f.Opcode != other.Opcode || len(f.Payload) != len(other.Payload) {
		return false
	}
	for i := range f.Payload {
		if f.Payload[i] != other.Payload[i] {
			return false
		}
	}
	return true
}

var (
	preamble   = []byte{0xF1, 0xF1} // 包头
	terminator = byte(0x7E)         // 包尾
)

// overhead 帧固定开销：preamble(2) + opcode(1) + len(1) + checksum(1) + terminator(1)
const overhead = 6
