package jiecang

import "errors"

// ErrPayloadTooLong payload超过单字节长度字段上限
var ErrPayloadTooLong = errors.New("payload too long")

// Encode 构造下行帧
// 格式：f1f1(2) + opcode(1) + len(1) + payload(len) + checksum(1) + 7e(1)
// payload长度上限255字节；超限属于调用方编程错误，返回error由上层视为致命
func Encode(opcode byte, payload []byte) ([]byte, error) {
	if len(payload) > 0xFF {
		return nil, ErrPayloadTooLong
	}

	buf := make([]byte, 0, overhead+len(payload))
	buf = append(buf, preamble...)
	buf = append(buf, opcode, byte(len(payload)))
	buf = append(buf, payload...)
	buf = append(buf, CalculateChecksum(opcode, payload))
	buf = append(buf, terminator)
	return buf, nil
}

// MustEncode Encode的panic版本，仅用于编译期已知合法的常量帧
func MustEncode(opcode byte, payload []byte) []byte {
	b, err := Encode(opcode, payload)
	if err != nil {
		panic(err)
	}
	return b
}
