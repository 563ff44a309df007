package testkit

import (
	"math/rand"
	"time"
)

// Chaos 模拟不可靠的传输：随机丢弃操作、注入延迟、把字节流切成碎片。
type Chaos struct {
	// DropProbability 操作被丢弃的概率（0.0-1.0）
	DropProbability float64
	// MaxDelay 最大随机延迟
	MaxDelay time.Duration
	// MaxChunk Split 产生的最大片段长度，默认 7
	MaxChunk int
	// Rand 随机源，默认以当前时间为种子
	Rand *rand.Rand
}

func (c *Chaos) rand() *rand.Rand {
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return c.Rand
}

// Apply 按配置可能丢弃 fn，或在随机延迟后执行它；返回 fn 是否被执行。
func (c *Chaos) Apply(fn func()) bool {
	r := c.rand()
	if c.DropProbability > 0 && r.Float64() < c.DropProbability {
		return false
	}
	if c.MaxDelay > 0 {
		time.Sleep(time.Duration(r.Int63n(int64(c.MaxDelay))))
	}
	fn()
	return true
}

// Split 把 b 切成 1 到 MaxChunk 字节的随机片段，拼接后与 b 相同。
func (c *Chaos) Split(b []byte) [][]byte {
	n := c.MaxChunk
	if n <= 0 {
		n = 7
	}
	r := c.rand()
	var out [][]byte
	for len(b) > 0 {
		k := 1 + r.Intn(n)
		if k > len(b) {
			k = len(b)
		}
		out = append(out, b[:k])
		b = b[k:]
	}
	return out
}
