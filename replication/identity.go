package replication

import (
	"errors"
	"math/rand"
	"strings"

	"zonelink/wire"
)

const playerIDLength = 12

// PlayerIdentity 会话开始时创建，进程内不变
type PlayerIdentity struct {
	ID          string
	DisplayName string
}

// NewPlayerIdentity 本地生成 12 位数字 id
func NewPlayerIdentity(displayName string, r *rand.Rand) PlayerIdentity {
	return PlayerIdentity{ID: GeneratePlayerID(r), DisplayName: displayName}
}

// GeneratePlayerID 生成定长数字 id
func GeneratePlayerID(r *rand.Rand) string {
	var b strings.Builder
	b.Grow(playerIDLength)
	for i := 0; i < playerIDLength; i++ {
		b.WriteByte(byte('0' + r.Intn(10)))
	}
	return b.String()
}

// StateSource 宿主模拟循环提供的本地权威状态
type StateSource interface {
	Position() wire.Vec3
	RotationY() float64
}

// StaticState 固定位置，离线或测试时使用
type StaticState struct {
	Pos wire.Vec3
	Yaw float64
}

func (s *StaticState) Position() wire.Vec3 { return s.Pos }
func (s *StaticState) RotationY() float64  { return s.Yaw }

// SessionContext 由宿主显式构造并注入，替代全局玩家状态
type SessionContext struct {
	Identity PlayerIdentity
	Zone     string
	State    StateSource
}

func (sc SessionContext) validate() error {
	switch {
	case sc.Identity.ID == "":
		return errors.New("session context: empty player id")
	case sc.Zone == "":
		return errors.New("session context: empty zone")
	case sc.State == nil:
		return errors.New("session context: nil state source")
	}
	return nil
}
