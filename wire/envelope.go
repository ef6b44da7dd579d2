package wire

// Kind 线上消息种类（标签联合的判别字段）
type Kind uint8

const (
	KindUnknown Kind = iota
	KindJoin
	KindLeave
	KindMovement      // 客户端 → 服务端的单人位置
	KindMovementBatch // 服务端 → 客户端的批量位置
	KindAnimation
	KindInteraction
	KindTransfer
)

// String 返回该种类的路由键前缀
func (k Kind) String() string {
	switch k {
	case KindJoin:
		return "join"
	case KindLeave:
		return "leave"
	case KindMovement, KindMovementBatch:
		return "movement"
	case KindAnimation:
		return "animations"
	case KindInteraction:
		return "interactions"
	case KindTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Envelope 是所有线上消息的封闭接口，按具体类型做穷举 switch
type Envelope interface {
	Kind() Kind
	envelope()
}

// Vec3 三维坐标
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Join 加入区域：{id}
type Join struct {
	ID string `json:"id"`
}

// Leave 离开区域：{id}
type Leave struct {
	ID string `json:"id"`
}

// Movement 客户端每 Tick 上报的本地状态
type Movement struct {
	ID        string  `json:"id"`
	PosX      float64 `json:"posX"`
	PosY      float64 `json:"posY"`
	PosZ      float64 `json:"posZ"`
	RotY      float64 `json:"rotY"`
	Timestamp float64 `json:"timestamp"`
}

// Position 返回坐标向量
func (m Movement) Position() Vec3 { return Vec3{X: m.PosX, Y: m.PosY, Z: m.PosZ} }

// PlayerUpdate 批量位置中的一条
type PlayerUpdate struct {
	ID        string  `json:"id"`
	Position  Vec3    `json:"position"`
	RotationY float64 `json:"rotationY"`
	Timestamp float64 `json:"timestamp"`
}

// MovementBatch 服务端按区域聚合后下发的位置
type MovementBatch struct {
	Updates []PlayerUpdate `json:"updates"`
}

// Animation 动画触发
type Animation struct {
	PlayerID  string        `json:"playerId"`
	Animation AnimationKind `json:"animation"`
	Timestamp float64       `json:"timestamp"`
}

// Interaction 自由格式的交互标签，例如 "left"、"request_zabka"
type Interaction struct {
	PlayerID    string  `json:"playerId"`
	Interaction string  `json:"interaction"`
	Timestamp   float64 `json:"timestamp"`
}

// InteractionLeft 表示玩家离开，接收方据此销毁代理
const InteractionLeft = "left"

// Transfer 区域切换通知
type Transfer struct {
	PlayerID  string  `json:"playerId"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	Timestamp float64 `json:"timestamp"`
}

func (Join) Kind() Kind          { return KindJoin }
func (Leave) Kind() Kind         { return KindLeave }
func (Movement) Kind() Kind      { return KindMovement }
func (MovementBatch) Kind() Kind { return KindMovementBatch }
func (Animation) Kind() Kind     { return KindAnimation }
func (Interaction) Kind() Kind   { return KindInteraction }
func (Transfer) Kind() Kind      { return KindTransfer }

func (Join) envelope()          {}
func (Leave) envelope()         {}
func (Movement) envelope()      {}
func (MovementBatch) envelope() {}
func (Animation) envelope()     {}
func (Interaction) envelope()   {}
func (Transfer) envelope()      {}
