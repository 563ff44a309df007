package wire

import (
	"bytes"
	"encoding/gob"

	"github.com/pkg/errors"
)

// ErrClosed 在解码到关闭帧时返回。
var ErrClosed = errors.New("close frame received")

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(map[string]bool{})
	gob.Register(ActorProxy{})
}

// Serializer 定义信封体的序列化接口，两端必须使用同一实现。
type Serializer interface {
	// Marshal 将值序列化为字节切片
	Marshal(v any) ([]byte, error)
	// Unmarshal 将字节切片反序列化到 v 指向的值
	Unmarshal(b []byte, v any) error
}

// GobSerializer 使用 encoding/gob 的序列化器。
// 支持字符串、整数、浮点、布尔、nil、[]any、map[string]any 和 ActorProxy。
type GobSerializer struct{}

// Marshal 实现 Serializer。
func (GobSerializer) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, errors.Wrap(err, "gob encode")
	}
	return buf.Bytes(), nil
}

// Unmarshal 实现 Serializer。
func (GobSerializer) Unmarshal(b []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return errors.Wrap(err, "gob decode")
	}
	return nil
}

// Encode 将信封序列化并包装为一个二进制帧。
func Encode(s Serializer, env *Envelope) ([]byte, error) {
	body, err := s.Marshal(env)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(OpBinary, body), nil
}

// EncodeClose 返回一个空的关闭帧。
func EncodeClose() []byte { return EncodeFrame(OpClose, nil) }

// Decode 从 buf 头部解出一个信封。
// 数据不足时返回 nil 和原始 buf；控制帧被跳过，关闭帧返回 ErrClosed。
// 不处理分片，分片流请使用 Codec。
func Decode(s Serializer, buf []byte) (*Envelope, []byte, error) {
	for {
		f, rest, err := DecodeFrame(buf)
		if err != nil || f == nil {
			return nil, buf, err
		}
		buf = rest
		switch {
		case f.Opcode == OpClose:
			return nil, buf, ErrClosed
		case f.Opcode.IsControl():
			continue
		case !f.Fin || f.Opcode == OpContinuation:
			return nil, buf, frameErrorf("unexpected fragment")
		}
		env, err := decodeBody(s, f.Payload)
		return env, buf, err
	}
}

func decodeBody(s Serializer, payload []byte) (*Envelope, error) {
	var env Envelope
	if err := s.Unmarshal(payload, &env); err != nil {
		return nil, &FrameError{Reason: err.Error()}
	}
	return &env, nil
}

// Codec 是单个连接读方向的有状态解码器。
type Codec struct {
	parser Parser
	ser    Serializer
}

// NewCodec 创建解码器；ser 为 nil 时使用 GobSerializer。
func NewCodec(ser Serializer) *Codec {
	if ser == nil {
		ser = GobSerializer{}
	}
	return &Codec{ser: ser}
}

// Serializer 返回解码器使用的序列化器。
func (c *Codec) Serializer() Serializer { return c.ser }

// Feed 追加从连接读到的字节。
func (c *Codec) Feed(b []byte) { c.parser.Feed(b) }

// Next 返回下一个已缓冲的完整信封，缓冲不足时返回 nil, nil。
// 调用者应循环调用直到返回 nil，以取出当前缓冲中的所有信封。
func (c *Codec) Next() (*Envelope, error) {
	for {
		f, err := c.parser.Next()
		if err != nil || f == nil {
			return nil, err
		}
		switch f.Opcode {
		case OpClose:
			return nil, ErrClosed
		case OpPing, OpPong:
			continue
		}
		return decodeBody(c.ser, f.Payload)
	}
}
