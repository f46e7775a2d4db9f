package variant

import (
	"errors"
	"fmt"
	"strings"

	"github.com/uplift-tools/deskd/internal/protocol/jiecang"
)

// ErrUnknownVariant 设备签名无法匹配任何已知硬件系列
var ErrUnknownVariant = errors.New("unknown desk variant")

// Command 逻辑命令
type Command string

const (
	CmdSit     Command = "sit"
	CmdStand   Command = "stand"
	CmdPreset3 Command = "preset3"
	CmdPreset4 Command = "preset4"
	CmdUp      Command = "up"
	CmdDown    Command = "down"
	CmdStop    Command = "stop"
)

// Family 硬件系列标识（16位短UUID）
type Family uint16

const (
	FamilyFF00 Family = 0xFF00
	FamilyFE60 Family = 0xFE60
	Family00FF Family = 0x00FF
	FamilyFF12 Family = 0xFF12
)

// Signature 扫描期间捕获的设备签名，捕获后不可变
type Signature struct {
	ServiceUUIDs []string
	Name         string
}

// Descriptor 硬件系列描述符：命令码表、特征UUID、发送特性
// 只能通过Registry.Resolve获得，调用方不得自行构造
type Descriptor struct {
	Family          Family
	Name            string
	ServiceUUID     string
	InputCharUUID   string // 命令写入特征
	OutputCharUUID  string // 状态通知特征
	RequiresWake    bool
	RepeatSendCount int // 同一帧需连发的次数（部分硬件批次只认重复帧）
	ReportsHeight   bool

	opcodes map[Command]byte
}

// Opcode 返回逻辑命令对应的命令码
func (d *Descriptor) Opcode(cmd Command) (byte, bool) {
	op, ok := d.opcodes[cmd]
	return op, ok
}

// NormalizeUUID16 将16位短UUID展开为128位标准形式（蓝牙基UUID）
func NormalizeUUID16(v uint16) string {
	return fmt.Sprintf("0000%04x-0000-1000-8000-00805f9b34fb", v)
}

// 全系列共用同一张命令码表
var defaultOpcodes = map[Command]byte{
	CmdSit:     jiecang.OpPreset1,
	CmdStand:   jiecang.OpPreset2,
	CmdPreset3: jiecang.OpPreset3,
	CmdPreset4: jiecang.OpPreset4,
	CmdUp:      jiecang.OpMoveUp,
	CmdDown:    jiecang.OpMoveDown,
	CmdStop:    jiecang.OpStop,
}

// 已知硬件系列（闭合表；不同批次用不同的服务/特征UUID，无显式版本握手）
var descriptors = []*Descriptor{
	{
		Family:          FamilyFF00,
		Name:            "JIECANG_0xFF00",
		ServiceUUID:     NormalizeUUID16(0xFF00),
		InputCharUUID:   NormalizeUUID16(0xFF01),
		OutputCharUUID:  NormalizeUUID16(0xFF02),
		RequiresWake:    true,
		RepeatSendCount: 2,
		ReportsHeight:   true,
		opcodes:         defaultOpcodes,
	},
	{
		Family:          FamilyFE60,
		Name:            "JIECANG_0xFE60",
		ServiceUUID:     NormalizeUUID16(0xFE60),
		InputCharUUID:   NormalizeUUID16(0xFE61),
		OutputCharUUID:  NormalizeUUID16(0xFE62),
		RequiresWake:    true,
		RepeatSendCount: 2,
		ReportsHeight:   false,
		opcodes:         defaultOpcodes,
	},
	{
		Family:          Family00FF,
		Name:            "JIECANG_0x00FF",
		ServiceUUID:     NormalizeUUID16(0x00FF),
		InputCharUUID:   NormalizeUUID16(0x01FF),
		OutputCharUUID:  NormalizeUUID16(0x02FF),
		RequiresWake:    true,
		RepeatSendCount: 2,
		ReportsHeight:   false,
		opcodes:         defaultOpcodes,
	},
	{
		Family:          FamilyFF12,
		Name:            "JIECANG_0xFF12",
		ServiceUUID:     NormalizeUUID16(0xFF12),
		InputCharUUID:   NormalizeUUID16(0xFF01),
		OutputCharUUID:  NormalizeUUID16(0xFF02),
		RequiresWake:    true,
		RepeatSendCount: 3,
		ReportsHeight:   true,
		opcodes:         defaultOpcodes,
	},
}

// Registry 签名→描述符的静态查找表
type Registry struct {
	byService   map[string]*Descriptor
	byName      map[string]*Descriptor
	namePattern string // 广播名兜底匹配串（通常为MAC后6位十六进制）
}

// NewRegistry 创建注册表。namePattern为空时禁用广播名兜底匹配。
func NewRegistry(namePattern string) *Registry {
	r := &Registry{
		byService:   make(map[string]*Descriptor, len(descriptors)),
		byName:      make(map[string]*Descriptor, len(descriptors)),
		namePattern: strings.ToUpper(strings.TrimSpace(namePattern)),
	}
	for _, d := range descriptors {
		r.byService[d.ServiceUUID] = d
		r.byName[d.Name] = d
	}
	return r
}

// Resolve 解析设备签名
// 优先级：(1) 服务UUID精确匹配；(2) 广播名包含已知匹配串时回退到FF00系列。
// 首个命中即返回，不做部分匹配合并；两者均未命中返回ErrUnknownVariant。
func (r *Registry) Resolve(sig Signature) (*Descriptor, error) {
	for _, u := range sig.ServiceUUIDs {
		if d, ok := r.byService[strings.ToLower(u)]; ok {
			return d, nil
		}
	}
	if r.namePattern != "" && sig.Name != "" &&
		strings.Contains(strings.ToUpper(sig.Name), r.namePattern) {
		// 仅凭名字无法区分系列，按最常见的FF00处理
		return r.byService[NormalizeUUID16(uint16(FamilyFF00))], nil
	}
	return nil, ErrUnknownVariant
}

// ByName 按描述符名称查找（配置缓存反序列化使用）
func (r *Registry) ByName(name string) (*Descriptor, error) {
	if d, ok := r.byName[strings.TrimSpace(name)]; ok {
		return d, nil
	}
	return nil, ErrUnknownVariant
}

// KnownServiceUUIDs 返回全部已知服务UUID（供扫描过滤使用）
func (r *Registry) KnownServiceUUIDs() []string {
	out := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, d.ServiceUUID)
	}
	return out
}
