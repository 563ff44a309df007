package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Opcode 是帧头第一个字节低 4 位携带的操作码。
type Opcode byte

const (
	// OpContinuation 分片消息的后续帧。
	OpContinuation Opcode = 0x0
	// OpText 文本数据帧。
	OpText Opcode = 0x1
	// OpBinary 二进制数据帧，信封总是以此操作码发送。
	OpBinary Opcode = 0x2
	// OpClose 关闭帧，对端收到后应关闭连接。
	OpClose Opcode = 0x8
	// OpPing 心跳探测帧。
	OpPing Opcode = 0x9
	// OpPong 心跳应答帧。
	OpPong Opcode = 0xA
)

const (
	finBit  = 0x80
	rsvMask = 0x70
	maskBit = 0x80
	// maxControlPayload 控制帧负载上限。
	maxControlPayload = 125
	// MaxFrameSize 单帧负载上限，超过视为长度字段损坏。
	MaxFrameSize = 64 << 20
)

// ErrFrame 是所有帧格式错误的哨兵错误，可用 errors.Is 判断。
var ErrFrame = errors.New("frame error")

// FrameError 描述一次帧解码失败。它对所在连接是致命的。
type FrameError struct {
	// Reason 失败原因
	Reason string
}

// Error 实现 error 接口。
func (e *FrameError) Error() string { return "frame error: " + e.Reason }

// Is 让 errors.Is(err, ErrFrame) 对任意 FrameError 成立。
func (e *FrameError) Is(target error) bool { return target == ErrFrame }

func frameErrorf(format string, args ...any) error {
	return &FrameError{Reason: fmt.Sprintf(format, args...)}
}

// IsControl 报告操作码是否为控制帧。
func (op Opcode) IsControl() bool { return op&0x8 != 0 }

// Valid 报告操作码是否为已知操作码。
func (op Opcode) Valid() bool {
	switch op {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

// Frame 是一个已解码的帧。
type Frame struct {
	// Fin 是否为消息的最后一帧
	Fin bool
	// Opcode 操作码
	Opcode Opcode
	// Payload 帧负载
	Payload []byte
}

// EncodeFrame 将负载编码为一个不带掩码的完整帧（FIN 置位）。
func EncodeFrame(op Opcode, payload []byte) []byte {
	return appendFrame(nil, true, op, payload)
}

func appendFrame(dst []byte, fin bool, op Opcode, payload []byte) []byte {
	b0 := byte(op)
	if fin {
		b0 |= finBit
	}
	n := len(payload)
	switch {
	case n < 126:
		dst = append(dst, b0, byte(n))
	case n <= 0xFFFF:
		dst = append(dst, b0, 126, 0, 0)
		binary.BigEndian.PutUint16(dst[len(dst)-2:], uint16(n))
	default:
		dst = append(dst, b0, 127, 0, 0, 0, 0, 0, 0, 0, 0)
		binary.BigEndian.PutUint64(dst[len(dst)-8:], uint64(n))
	}
	return append(dst, payload...)
}

// DecodeFrame 尝试从 buf 头部解出一个帧。
// 数据不足时返回 nil 帧和原始 buf；成功时返回帧和剩余字节。
// 返回的负载是 buf 的拷贝，调用者可以复用 buf。
func DecodeFrame(buf []byte) (*Frame, []byte, error) {
	if len(buf) < 2 {
		return nil, buf, nil
	}
	b0, b1 := buf[0], buf[1]
	if b0&rsvMask != 0 {
		return nil, buf, frameErrorf("reserved bits set: %#x", b0&rsvMask)
	}
	op := Opcode(b0 & 0x0F)
	if !op.Valid() {
		return nil, buf, frameErrorf("unknown opcode %#x", byte(op))
	}
	if b1&maskBit != 0 {
		return nil, buf, frameErrorf("masked frame")
	}
	fin := b0&finBit != 0
	head := 2
	var n uint64
	switch l := b1 & 0x7F; l {
	case 126:
		if len(buf) < 4 {
			return nil, buf, nil
		}
		n = uint64(binary.BigEndian.Uint16(buf[2:4]))
		if n < 126 {
			return nil, buf, frameErrorf("non-minimal length %d", n)
		}
		head = 4
	case 127:
		if len(buf) < 10 {
			return nil, buf, nil
		}
		n = binary.BigEndian.Uint64(buf[2:10])
		if n>>63 != 0 || n <= 0xFFFF {
			return nil, buf, frameErrorf("corrupt length %d", n)
		}
		head = 10
	default:
		n = uint64(l)
	}
	if n > MaxFrameSize {
		return nil, buf, frameErrorf("frame too large: %d", n)
	}
	if op.IsControl() {
		if !fin {
			return nil, buf, frameErrorf("fragmented control frame")
		}
		if n > maxControlPayload {
			return nil, buf, frameErrorf("control frame too large: %d", n)
		}
	}
	total := head + int(n)
	if len(buf) < total {
		return nil, buf, nil
	}
	payload := make([]byte, n)
	copy(payload, buf[head:total])
	return &Frame{Fin: fin, Opcode: op, Payload: payload}, buf[total:], nil
}

// Parser 累积来自流的字节并逐个产出完整消息。
// 分片的数据消息被重组为一个 FIN 帧；控制帧可以穿插在分片之间，立即产出。
type Parser struct {
	buf      []byte
	frag     []byte
	fragOp   Opcode
	fragging bool
}

// Feed 追加一段从连接读到的字节。
func (p *Parser) Feed(b []byte) { p.buf = append(p.buf, b...) }

// Buffered 返回尚未解码的字节数。
func (p *Parser) Buffered() int { return len(p.buf) }

// Next 返回下一个完整消息；缓冲区不足一个完整消息时返回 nil, nil。
// 返回错误后解析器不可再用。
func (p *Parser) Next() (*Frame, error) {
	for {
		f, rest, err := DecodeFrame(p.buf)
		if err != nil || f == nil {
			return nil, err
		}
		p.buf = rest
		if len(p.buf) == 0 {
			p.buf = nil
		}
		if f.Opcode.IsControl() {
			return f, nil
		}
		if f.Opcode == OpContinuation {
			if !p.fragging {
				return nil, frameErrorf("continuation without start")
			}
			p.frag = append(p.frag, f.Payload...)
			if len(p.frag) > MaxFrameSize {
				return nil, frameErrorf("message too large: %d", len(p.frag))
			}
			if !f.Fin {
				continue
			}
			msg := &Frame{Fin: true, Opcode: p.fragOp, Payload: p.frag}
			p.frag, p.fragging = nil, false
			return msg, nil
		}
		if p.fragging {
			return nil, frameErrorf("new data frame inside fragmented message")
		}
		if f.Fin {
			return f, nil
		}
		p.fragging, p.fragOp, p.frag = true, f.Opcode, f.Payload
	}
}
