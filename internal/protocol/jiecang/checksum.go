package jiecang

import "errors"

var (
	// ErrChecksumMismatch checksum校验失败
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// CalculateChecksum 计算Jiecang协议校验和
// 算法：opcode + len + payload 所有字节累加（byte溢出自动丢弃高位）
func CalculateChecksum(opcode byte, payload []byte) byte {
	checksum := opcode + byte(len(payload))
	for _, b := range payload {
		checksum += b
	}
	return checksum
}

// VerifyChecksum 验证校验和
func VerifyChecksum(opcode byte, payload []byte, received byte) error {
	if CalculateChecksum(opcode, payload) != received {
		return ErrChecksumMismatch
	}
	return nil
}
