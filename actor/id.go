package actor

import "github.com/google/uuid"

// NewActorID 生成 8 个十六进制字符的 Actor 身份。
// 唯一性由注册表在 spawn 时检查，冲突时重新生成。
func NewActorID() string {
	id := uuid.New()
	const hex = "0123456789abcdef"
	b := make([]byte, 8)
	for i := 0; i < 4; i++ {
		b[2*i] = hex[id[i]>>4]
		b[2*i+1] = hex[id[i]&0x0f]
	}
	return string(b)
}
