// Package clock は現在時刻の供給源を抽象化する。
// 有効期限の判定はすべてClockを経由し、テストでは合成時刻を注入する。
package clock

import (
	"sync"
	"time"
)

// Clock は現在時刻を返すインターフェース。
type Clock interface {
	Now() time.Time
}

// System はOSの時刻を返すClock実装。
type System struct{}

// Now は現在時刻をUTCで返す。
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Fake はテスト用の手動で進めるClock実装。
// 複数goroutineから同時に参照・更新できる。
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake は指定時刻で停止したFakeを生成する。
func NewFake(t time.Time) *Fake {
	return &Fake{now: t.UTC()}
}

// Now は現在の合成時刻を返す。
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance は合成時刻をdだけ進める。
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set は合成時刻をtに設定する。
func (c *Fake) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}
