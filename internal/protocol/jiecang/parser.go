package jiecang

import "errors"

var (
	ErrBadPreamble    = errors.New("bad preamble")
	ErrBadTerminator  = errors.New("bad terminator")
	ErrLengthMismatch = errors.New("length mismatch")
)

// Decode 解析单个完整帧
// 任何畸形输入（截断、包头/包尾损坏、长度不符、校验失败）都返回error，绝不panic。
// 上行数据的解析错误由调用方就地丢弃（硬件偶发半包），不向上传播。
func Decode(b []byte) (*Frame, error) {
	if len(b) < len(preamble) {
		return nil, ErrLengthMismatch
	}
	if b[0] != preamble[0] || b[1] != preamble[1] {
		return nil, ErrBadPreamble
	}
	if len(b) < overhead {
		return nil, ErrLengthMismatch
	}
	if b[len(b)-1] != terminator {
		return nil, ErrBadTerminator
	}
	declared := int(b[3])
	if len(b) != overhead+declared {
		return nil, ErrLengthMismatch
	}

	opcode := b[2]
	payload := make([]byte, declared)
	copy(payload, b[4:4+declared])
	received := b[4+declared]

	if err := VerifyChecksum(opcode, payload, received); err != nil {
		return nil, err
	}
	return &Frame{Opcode: opcode, Payload: payload, Checksum: received}, nil
}

// StreamDecoder 通知字节流切帧器：按 f1f1+len 切分，坏字节逐个跳过重新同步
type StreamDecoder struct {
	buf     []byte
	dropped int
}

func NewStreamDecoder() *StreamDecoder { return &StreamDecoder{} }

// Dropped 返回累计跳过的坏字节数
func (d *StreamDecoder) Dropped() int { return d.dropped }

// Feed 追加字节并返回所有可完整解析的帧；不完整的尾部留待下次Feed
func (d *StreamDecoder) Feed(p []byte) []*Frame {
	d.buf = append(d.buf, p...)
	var out []*Frame
	for {
		// 同步到包头
		for len(d.buf) >= 2 && !(d.buf[0] == preamble[0] && d.buf[1] == preamble[1]) {
			d.buf = d.buf[1:]
			d.dropped++
		}
		if len(d.buf) < 4 {
			return out
		}
		total := overhead + int(d.buf[3])
		if len(d.buf) < total {
			return out
		}
		fr, err := Decode(d.buf[:total])
		if err != nil {
			// 伪包头：跳过一个字节继续同步
			d.buf = d.buf[1:]
			d.dropped++
			continue
		}
		out = append(out, fr)
		d.buf = d.buf[total:]
	}
}
