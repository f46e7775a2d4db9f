package jiecang

import "encoding/binary"

// DecodeHeight 从上行状态帧中提取高度读数
// 约定：payload[1..2] 为大端uint16高度原始值（并非所有硬件系列都会上报）
func DecodeHeight(f *Frame) (uint16, bool) {
	if f == nil || len(f.Payload) < 3 {
		return 0, false
	}
	return binary.BigEndian.Uint16(f.Payload[1:3]), true
}
