package jiecang

import (
	"bytes"
	"testing"
)

func TestEncodeStandFrame(t *testing.T) {
	// 站姿（记忆位2）空payload：checksum = (0x06+0x00) mod 256 = 0x06
	frame, err := Encode(OpPreset2, nil)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	expected := []byte{0xF1, 0xF1, 0x06, 0x00, 0x06, 0x7E}
	if !bytes.Equal(frame, expected) {
		t.Fatalf("Encode() = % X, expected % X", frame, expected)
	}
}

func TestEncodePayloadTooLong(t *testing.T) {
	if _, err := Encode(OpMoveToHeight, make([]byte, 256)); err != ErrPayloadTooLong {
		t.Fatalf("Encode() error = %v, expected ErrPayloadTooLong", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		opcode  byte
		payload []byte
	}{
		{name: "唤醒", opcode: OpWake, payload: nil},
		{name: "上升", opcode: OpMoveUp, payload: nil},
		{name: "停止", opcode: OpStop, payload: nil},
		{name: "移动到高度", opcode: OpMoveToHeight, payload: []byte{0x2E, 0x0F}},
		{name: "最大payload", opcode: 0x42, payload: bytes.Repeat([]byte{0x5A}, 255)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := Encode(tt.opcode, tt.payload)
			if err != nil {
				t.Fatalf("Encode() error: %v", err)
			}
			decoded, err := Decode(wire)
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}
			if decoded.Opcode != tt.opcode {
				t.Errorf("opcode = 0x%02X, expected 0x%02X", decoded.Opcode, tt.opcode)
			}
			if !bytes.Equal(decoded.Payload, tt.payload) && len(tt.payload) > 0 {
				t.Errorf("payload = % X, expected % X", decoded.Payload, tt.payload)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	valid := MustEncode(OpPreset2, nil) // f1f1 06 00 06 7e

	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{name: "空输入", input: nil, wantErr: ErrLengthMismatch},
		{name: "单字节", input: []byte{0xF1}, wantErr: ErrLengthMismatch},
		{name: "包头损坏", input: []byte{0xF2, 0xF1, 0x06, 0x00, 0x06, 0x7E}, wantErr: ErrBadPreamble},
		{name: "截断帧", input: valid[:4], wantErr: ErrLengthMismatch},
		{name: "包尾损坏", input: []byte{0xF1, 0xF1, 0x06, 0x00, 0x06, 0x7F}, wantErr: ErrBadTerminator},
		{name: "长度字段与实际不符", input: []byte{0xF1, 0xF1, 0x06, 0x02, 0x06, 0x7E}, wantErr: ErrLengthMismatch},
		{name: "校验和错误", input: []byte{0xF1, 0xF1, 0x06, 0x00, 0x07, 0x7E}, wantErr: ErrChecksumMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.input); err != tt.wantErr {
				t.Errorf("Decode() error = %v, expected %v", err, tt.wantErr)
			}
		})
	}
}

func TestStreamDecoderResync(t *testing.T) {
	stand := MustEncode(OpPreset2, nil)
	stop := MustEncode(OpStop, nil)

	d := NewStreamDecoder()

	// 垃圾前缀 + 完整帧 + 半帧
	var in []byte
	in = append(in, 0x00, 0xF1, 0x55)
	in = append(in, stand...)
	in = append(in, stop[:3]...)

	frames := d.Feed(in)
	if len(frames) != 1 || frames[0].Opcode != OpPreset2 {
		t.Fatalf("expected 1 stand frame, got %+v", frames)
	}

	// 补齐后解析出第二帧
	frames = d.Feed(stop[3:])
	if len(frames) != 1 || frames[0].Opcode != OpStop {
		t.Fatalf("expected 1 stop frame, got %+v", frames)
	}
	if d.Dropped() != 3 {
		t.Errorf("Dropped() = %d, expected 3", d.Dropped())
	}
}

func TestStreamDecoderFalsePreamble(t *testing.T) {
	d := NewStreamDecoder()
	// f1f1开头但校验失败：应跳字节重同步而非卡死
	bad := []byte{0xF1, 0xF1, 0x06, 0x00, 0x99, 0x7E}
	good := MustEncode(OpMoveUp, nil)

	frames := d.Feed(append(bad, good...))
	if len(frames) != 1 || frames[0].Opcode != OpMoveUp {
		t.Fatalf("expected recovery to the valid frame, got %+v", frames)
	}
}

func TestDecodeHeight(t *testing.T) {
	fr := &Frame{Opcode: 0x01, Payload: []byte{0x00, 0xC7, 0x0F}}
	h, ok := DecodeHeight(fr)
	if !ok || h != 0xC70F {
		t.Fatalf("DecodeHeight() = %d,%v, expected %d,true", h, ok, 0xC70F)
	}
	if _, ok := DecodeHeight(&Frame{Opcode: 0x01, Payload: []byte{0x01}}); ok {
		t.Fatal("short payload should not yield a height")
	}
}
