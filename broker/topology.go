package broker

import "zonelink/wire"

// Exchanges 交换机命名，默认值与游戏服务端保持一致
type Exchanges struct {
	Control      string `yaml:"control"`
	Movement     string `yaml:"movement"`
	Animations   string `yaml:"animations"`
	Interactions string `yaml:"interactions"`
	Transfer     string `yaml:"transfer"`
}

// DefaultExchanges 返回服务端约定的交换机名
func DefaultExchanges() Exchanges {
	return Exchanges{
		Control:      "game.client_to_server",
		Movement:     "game.movement_to_client",
		Animations:   "game.animations_to_client",
		Interactions: "game.interactions_to_client",
		Transfer:     "game.player_transfer",
	}
}

// Normalize 用默认值补齐空字段
func (e *Exchanges) Normalize() {
	def := DefaultExchanges()
	if e.Control == "" {
		e.Control = def.Control
	}
	if e.Movement == "" {
		e.Movement = def.Movement
	}
	if e.Animations == "" {
		e.Animations = def.Animations
	}
	if e.Interactions == "" {
		e.Interactions = def.Interactions
	}
	if e.Transfer == "" {
		e.Transfer = def.Transfer
	}
}

// Binding 一条队列绑定
type Binding struct {
	Queue    string
	Exchange string
	Key      string
}

// PlayerQueue 按玩家 id 命名的私有队列：<前缀>.<id>
func PlayerQueue(kind wire.Kind, playerID string) string {
	return kind.String() + "." + playerID
}

// TransferQueue 区域切换队列，名字同时包含区域与玩家 id，避免同区客户端抢同一队列
func TransferQueue(zone, playerID string) string {
	return "transfer." + zone + "." + playerID
}

// transferBindings 匹配“进入本区”与“离开本区”的两条通配绑定
func transferBindings(ex Exchanges, zone, playerID string) []Binding {
	q := TransferQueue(zone, playerID)
	return []Binding{
		{Queue: q, Exchange: ex.Transfer, Key: "transfer.*." + zone},
		{Queue: q, Exchange: ex.Transfer, Key: "transfer." + zone + ".*"},
	}
}

// playerBindings 三个按玩家路由的队列
func playerBindings(ex Exchanges, playerID string) []Binding {
	out := make([]Binding, 0, 3)
	for _, k := range []struct {
		kind     wire.Kind
		exchange string
	}{
		{wire.KindMovementBatch, ex.Movement},
		{wire.KindAnimation, ex.Animations},
		{wire.KindInteraction, ex.Interactions},
	} {
		q := PlayerQueue(k.kind, playerID)
		out = append(out, Binding{Queue: q, Exchange: k.exchange, Key: q})
	}
	return out
}
