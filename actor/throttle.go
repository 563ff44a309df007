package actor

import "time"

// breakerState 是启动断路器的状态。
type breakerState uint8

const (
	// breakerClosed 正常启动
	breakerClosed breakerState = iota
	// breakerOpen 暂停启动，等待 openFor 后进入半开
	breakerOpen
	// breakerHalfOpen 允许一次探测启动
	breakerHalfOpen
)

// spawnBreaker 在连续启动失败后暂停池的补齐。
//
// 状态转换：
//   - closed -> open: 连续失败达到阈值
//   - open -> half-open: 打开超过 openFor
//   - half-open -> closed: 探测启动完成握手
//   - half-open -> open: 探测启动失败
//
// 只在 arbiter 循环上使用，不加锁。
type spawnBreaker struct {
	failures  int
	state     breakerState
	openedAt  time.Time
	probing   bool
	threshold int
	openFor   time.Duration
}

func newSpawnBreaker(threshold int, openFor time.Duration) *spawnBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &spawnBreaker{threshold: threshold, openFor: openFor}
}

// Allow 报告 now 时刻是否允许启动。
func (b *spawnBreaker) Allow(now time.Time) bool {
	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if now.Sub(b.openedAt) < b.openFor {
			return false
		}
		b.state, b.probing = breakerHalfOpen, false
	}
	if b.probing {
		return false
	}
	b.probing = true
	return true
}

// OnSuccess 记录一次握手成功。
func (b *spawnBreaker) OnSuccess() {
	b.failures, b.state, b.probing = 0, breakerClosed, false
}

// OnFailure 记录一次启动失败或握手超时。
func (b *spawnBreaker) OnFailure(now time.Time) {
	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		b.state, b.openedAt, b.probing = breakerOpen, now, false
	}
}

// Open 报告断路器是否处于打开状态。
func (b *spawnBreaker) Open() bool { return b.state == breakerOpen }

// spawnBucket 是限制每秒启动数的令牌桶，时间由调用者传入。
type spawnBucket struct {
	rate   int
	burst  int
	tokens float64
	last   time.Time
}

// newSpawnBucket 创建令牌桶，burst 取 rate；rate <= 0 表示不限速。
func newSpawnBucket(rate int, now time.Time) *spawnBucket {
	return &spawnBucket{rate: rate, burst: rate, tokens: float64(rate), last: now}
}

// Allow 尝试在 now 时刻取一个令牌。
func (tb *spawnBucket) Allow(now time.Time) bool {
	if tb.rate <= 0 {
		return true
	}
	if elapsed := now.Sub(tb.last); elapsed > 0 {
		tb.tokens += elapsed.Seconds() * float64(tb.rate)
		if tb.tokens > float64(tb.burst) {
			tb.tokens = float64(tb.burst)
		}
		tb.last = now
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}
