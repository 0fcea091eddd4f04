// Package event はライブ購読者へのドメインイベント配信を提供する。
// 配信は接続中の購読者だけが対象で、過去イベントの再送は行わない。
package event

import (
	"log/slog"
	"sync"

	"github.com/hitoshi/couponledger/internal/model"
)

// Topic はクーポンイベントのトピック名。
const Topic = "COUPON_EVENT"

// subscriberBuffer は購読者ごとのバッファ長。溢れた分は破棄する。
const subscriberBuffer = 64

// Message は購読者へ届く1件の配信。
type Message struct {
	Topic string            `json:"topic"`
	Event model.DomainEvent `json:"event"`
}

// Recorder は配信結果のメトリクスを記録する。
type Recorder interface {
	RecordEventPublished(eventType string)
	RecordEventDropped(eventType string)
}

// Publisher はイベントを発行する。
type Publisher interface {
	Publish(evt model.DomainEvent, topic string)
}

// Hub は購読者集合へイベントをファンアウトする。
type Hub struct {
	mu       sync.RWMutex
	subs     map[uint64]chan Message
	nextID   uint64
	closed   bool
	recorder Recorder
	logger   *slog.Logger
}

// NewHub は Hub を生成する。recorder は nil でもよい。
func NewHub(recorder Recorder, logger *slog.Logger) *Hub {
	return &Hub{
		subs:     make(map[uint64]chan Message),
		recorder: recorder,
		logger:   logger,
	}
}

// Subscribe は購読を開始し、受信チャネルと解除関数を返す。
// 解除関数は複数回呼んでもよい。Close 後の購読は閉じたチャネルを返す。
func (h *Hub) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, subscriberBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}
}

// Close は全購読者のチャネルを閉じ、以降の購読を受け付けない。
// サーバ停止時に配信中の接続を終わらせるために使う。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	h.logger.Info("event hub closed")
}

// Publish は接続中の全購読者へイベントを送る。ブロックせず、
// バッファが埋まっている購読者にはそのイベントを届けない。
func (h *Hub) Publish(evt model.DomainEvent, topic string) {
	msg := Message{Topic: topic, Event: evt}
	dropped := 0

	h.mu.RLock()
	for _, ch := range h.subs {
		select {
		case ch <- msg:
		default:
			dropped++
		}
	}
	subscribers := len(h.subs)
	h.mu.RUnlock()

	if h.recorder != nil {
		h.recorder.RecordEventPublished(string(evt.Type))
		for i := 0; i < dropped; i++ {
			h.recorder.RecordEventDropped(string(evt.Type))
		}
	}
	if dropped > 0 {
		h.logger.Warn("event dropped for slow subscribers",
			slog.String("event_id", evt.EventID),
			slog.String("type", string(evt.Type)),
			slog.Int("dropped", dropped),
			slog.Int("subscribers", subscribers),
		)
	}
}

// Subscribers は現在の購読者数を返す。
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

var _ Publisher = (*Hub)(nil)
