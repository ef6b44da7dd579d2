package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DecodeError 入站负载不合法（缺字段、类型不符、非法枚举）
type DecodeError struct {
	Kind  Kind
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode %s: field %q: %v", e.Kind, e.Field, e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var (
	errMissing = errors.New("missing required field")
	errEmpty   = errors.New("empty value")
)

// Encode 将消息序列化为 UTF-8 JSON 文本
func Encode(env Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("encode: nil envelope")
	}
	return json.Marshal(env)
}

// Decode 按指定种类解析负载；失败返回 *DecodeError，调用方记录后丢弃
func Decode(b []byte, kind Kind) (Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, &DecodeError{Kind: kind, Err: err}
	}

	switch kind {
	case KindJoin:
		var m Join
		if err := decodeInto(kind, b, raw, &m, "id"); err != nil {
			return nil, err
		}
		return checked(m, nonEmpty(kind, "id", m.ID))
	case KindLeave:
		var m Leave
		if err := decodeInto(kind, b, raw, &m, "id"); err != nil {
			return nil, err
		}
		return checked(m, nonEmpty(kind, "id", m.ID))
	case KindMovement:
		var m Movement
		if err := decodeInto(kind, b, raw, &m, "id", "posX", "posY", "posZ", "rotY"); err != nil {
			return nil, err
		}
		return checked(m, nonEmpty(kind, "id", m.ID))
	case KindMovementBatch:
		return decodeBatch(b, raw)
	case KindAnimation:
		var m Animation
		if err := decodeInto(kind, b, raw, &m, "playerId", "animation"); err != nil {
			return nil, err
		}
		if err := nonEmpty(kind, "playerId", m.PlayerID); err != nil {
			return nil, err
		}
		if !m.Animation.Valid() {
			return nil, &DecodeError{Kind: kind, Field: "animation", Err: fmt.Errorf("unknown animation %q", m.Animation)}
		}
		return m, nil
	case KindInteraction:
		var m Interaction
		if err := decodeInto(kind, b, raw, &m, "playerId", "interaction"); err != nil {
			return nil, err
		}
		if err := nonEmpty(kind, "playerId", m.PlayerID); err != nil {
			return nil, err
		}
		return checked(m, nonEmpty(kind, "interaction", m.Interaction))
	case KindTransfer:
		var m Transfer
		if err := decodeInto(kind, b, raw, &m, "playerId", "from", "to"); err != nil {
			return nil, err
		}
		for _, f := range []struct{ name, v string }{{"playerId", m.PlayerID}, {"from", m.From}, {"to", m.To}} {
			if err := nonEmpty(kind, f.name, f.v); err != nil {
				return nil, err
			}
		}
		return m, nil
	default:
		return nil, &DecodeError{Kind: kind, Err: errors.New("unsupported kind")}
	}
}

func decodeBatch(b []byte, raw map[string]json.RawMessage) (Envelope, error) {
	const kind = KindMovementBatch
	if err := require(kind, "", raw, "updates"); err != nil {
		return nil, err
	}
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(raw["updates"], &items); err != nil {
		return nil, &DecodeError{Kind: kind, Field: "updates", Err: err}
	}
	for i, item := range items {
		prefix := fmt.Sprintf("updates[%d].", i)
		if err := require(kind, prefix, item, "id", "position"); err != nil {
			return nil, err
		}
		var pos map[string]json.RawMessage
		if err := json.Unmarshal(item["position"], &pos); err != nil {
			return nil, &DecodeError{Kind: kind, Field: prefix + "position", Err: err}
		}
		if err := require(kind, prefix+"position.", pos, "x", "y", "z"); err != nil {
			return nil, err
		}
	}

	var m MovementBatch
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, typeError(kind, err)
	}
	for i, u := range m.Updates {
		if err := nonEmpty(kind, fmt.Sprintf("updates[%d].id", i), u.ID); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func checked(env Envelope, err error) (Envelope, error) {
	if err != nil {
		return nil, err
	}
	return env, nil
}

func decodeInto(kind Kind, b []byte, raw map[string]json.RawMessage, dst any, fields ...string) error {
	if err := require(kind, "", raw, fields...); err != nil {
		return err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return typeError(kind, err)
	}
	return nil
}

func require(kind Kind, prefix string, raw map[string]json.RawMessage, fields ...string) error {
	for _, f := range fields {
		v, ok := raw[f]
		if !ok || len(v) == 0 || string(v) == "null" {
			return &DecodeError{Kind: kind, Field: prefix + f, Err: errMissing}
		}
	}
	return nil
}

func nonEmpty(kind Kind, field, v string) error {
	if v == "" {
		return &DecodeError{Kind: kind, Field: field, Err: errEmpty}
	}
	return nil
}

func typeError(kind Kind, err error) error {
	var te *json.UnmarshalTypeError
	if errors.As(err, &te) {
		return &DecodeError{Kind: kind, Field: te.Field, Err: err}
	}
	return &DecodeError{Kind: kind, Err: err}
}
