package wire

import (
	"fmt"
	"strings"
)

// ControlKey 客户端 → 服务端控制交换机上的路由键：<前缀>.<区域>
func ControlKey(kind Kind, zone string) string {
	return kind.String() + "." + zone
}

// TransferKey 服务端广播区域切换时使用的路由键：transfer.<from>.<to>
func TransferKey(from, to string) string {
	return "transfer." + from + "." + to
}

// Classify 按入站路由键前缀判定消息种类（只在此处解析一次）
func Classify(routingKey string) (Kind, error) {
	prefix, _, ok := strings.Cut(routingKey, ".")
	if !ok {
		return KindUnknown, fmt.Errorf("classify: malformed routing key %q", routingKey)
	}
	switch prefix {
	case "movement":
		return KindMovementBatch, nil
	case "animations":
		return KindAnimation, nil
	case "interactions":
		return KindInteraction, nil
	case "transfer":
		return KindTransfer, nil
	default:
		return KindUnknown, fmt.Errorf("classify: unknown routing key %q", routingKey)
	}
}
