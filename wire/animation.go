package wire

// AnimationKind 可同步的动画状态
type AnimationKind string

const (
	AnimIdle    AnimationKind = "idle"
	AnimRun     AnimationKind = "run"
	AnimSprint  AnimationKind = "sprint"
	AnimJump    AnimationKind = "jump"
	AnimCollect AnimationKind = "collect"
	AnimHit     AnimationKind = "hit"
)

var animationKinds = map[AnimationKind]struct{}{
	AnimIdle:    {},
	AnimRun:     {},
	AnimSprint:  {},
	AnimJump:    {},
	AnimCollect: {},
	AnimHit:     {},
}

// Valid 判断是否为已知动画
func (a AnimationKind) Valid() bool {
	_, ok := animationKinds[a]
	return ok
}

// ParseAnimation 将字符串解析为动画种类
func ParseAnimation(s string) (AnimationKind, bool) {
	a := AnimationKind(s)
	return a, a.Valid()
}
