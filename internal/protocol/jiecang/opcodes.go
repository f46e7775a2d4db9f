package jiecang

// 命令码（所有已知硬件系列共用同一张表）
const (
	OpWake         byte = 0x00 // 唤醒
	OpMoveUp       byte = 0x01 // 连续上升
	OpMoveDown     byte = 0x02 // 连续下降
	OpPreset1      byte = 0x05 // 记忆位1（坐姿）
	OpPreset2      byte = 0x06 // 记忆位2（站姿）
	OpPreset3      byte = 0x07 // 记忆位3
	OpPreset4      byte = 0x08 // 记忆位4
	OpMoveToHeight byte = 0x1B // 移动到指定高度
	OpStop         byte = 0x2B // 停止
)
