package control

import (
	"deqinarbiter/wire"
)

// gobCodec 是控制面的 gRPC 编解码器，复用邮箱的 gob 序列化器，
// 因此控制面与邮箱接受同一组负载类型。
type gobCodec struct{}

func (gobCodec) Name() string { return "gob" }

func (gobCodec) Marshal(v any) ([]byte, error) { return wire.GobSerializer{}.Marshal(v) }

func (gobCodec) Unmarshal(data []byte, v any) error { return wire.GobSerializer{}.Unmarshal(data, v) }
