package internal

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sink 房間事件的外部投遞目標（Redis、NATS、PostgreSQL）
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev RoomEvent) error
}

// Dispatcher 非同步事件投遞器
//
// 系統設計考量：
//
//  1. 為什麼非同步？
//     即時廣播路徑不能等外部系統（網絡抖動、Redis 慢查詢）
//     方案：緩衝 channel + 單一 worker，Dispatch 永不阻塞
//
//  2. 佇列滿了怎麼辦？
//     丟棄事件並記錄，遊戲操作本身不受影響
//
//  3. 順序：單一 worker 保證事件按 Dispatch 順序投遞到每個 Sink
type Dispatcher struct {
	sinks   []Sink
	queue   chan RoomEvent
	timeout time.Duration
	logger  *slog.Logger
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Int64
}

// NewDispatcher 創建投遞器，沒有 Sink 時不啟動 worker
func NewDispatcher(sinks []Sink, queueSize int, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		sinks:   sinks,
		queue:   make(chan RoomEvent, queueSize),
		timeout: timeout,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}

	if len(sinks) > 0 {
		d.wg.Add(1)
		go d.worker()
	}

	return d
}

// Dispatch 投遞事件（非阻塞）
func (d *Dispatcher) Dispatch(ev RoomEvent) {
	if d == nil || len(d.sinks) == 0 {
		return
	}

	select {
	case <-d.stopCh:
		return
	default:
	}

	select {
	case d.queue <- ev:
	default:
		d.dropped.Add(1)
		d.logger.Warn("事件佇列已滿，丟棄事件",
			"event", ev.Name,
			"room_id", ev.Room.ID)
	}
}

// Dropped 被丟棄的事件數
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Stop 停止投遞器，佇列中剩餘的事件會先投遞完
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		close(d.stopCh)
	})
	d.wg.Wait()
}

// worker 依序投遞事件
func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-d.stopCh:
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// deliver 投遞到所有 Sink，單一 Sink 失敗不影響其他
func (d *Dispatcher) deliver(ev RoomEvent) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := sink.Publish(ctx, ev); err != nil {
			d.logger.Warn("事件投遞失敗",
				"sink", sink.Name(),
				"event", ev.Name,
				"room_id", ev.Room.ID,
				"error", err)
		}
		cancel()
	}
}
