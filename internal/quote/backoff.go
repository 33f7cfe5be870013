package quote

import "time"

// linearBackOff 第 n 次重试前等待 n×base。
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func newLinearBackOff(base time.Duration) *linearBackOff {
	return &linearBackOff{base: base}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.base
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}
