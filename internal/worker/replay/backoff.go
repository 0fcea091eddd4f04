package replay

import "time"

const (
	// initialBackoff は指数バックオフの初回遅延（30秒）。
	initialBackoff = 30 * time.Second
	// maxBackoff は指数バックオフの最大遅延（30分）。
	maxBackoff = 30 * time.Minute
)

// CalculateBackoff は失敗回数に基づいて次の再送までの遅延を計算する。
// 初回30秒、2倍ずつ増加、最大30分。
func CalculateBackoff(attempts int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
