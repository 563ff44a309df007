package mailbox

import "time"

// BackoffFunc 计算第 retry 次重试（从 0 开始）前的等待时间。
type BackoffFunc func(retry int) time.Duration

// ExponentialBackoff 返回从 base 开始每次翻倍、不超过 max 的退避函数。
// base 或 max 为零时使用 50ms 和 2s。
func ExponentialBackoff(base, max time.Duration) BackoffFunc {
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	if max <= 0 {
		max = 2 * time.Second
	}
	return func(retry int) time.Duration {
		d := base
		for i := 0; i < retry; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		return d
	}
}
