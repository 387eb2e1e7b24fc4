// Package internal 實現密室逃脫遊戲服務器。
//
// 提供多人房間的即時狀態同步，以及一組 REST 房間目錄 API。
//
// # 房間存儲
//
// Store 是唯一的房間狀態來源，REST 與 WebSocket 兩端共用：
//   - 單一 goroutine 依序執行所有操作（actor）
//   - 狀態機：waiting → playing → finished
//   - 容量限制與連接索引
//   - 超時遊戲強制結束、空房間自動回收
//
// # 即時通訊
//
// Hub 管理 WebSocket 連接，Session 把客戶端事件轉成存儲操作並廣播給房間：
//
//	{"event": "join-room", "data": {"roomId": "R1", "playerName": "Ann"}}
//	{"event": "start-game", "data": {"roomId": "R1"}}
//	{"event": "end-game", "data": {"roomId": "R1", "success": true}}
//
// 服務器推送 player-joined、game-started、game-ended、player-left、room-closed，
// 非法操作只以 error 事件回報給發送者。
//
// # 外部事件投遞
//
// 房間事件經由 Dispatcher 非同步投遞到可選的 Sink：
//   - RedisMirror：房間快照鏡像與 pub/sub
//   - NATSPublisher：{prefix}.{roomId}.{event}
//   - Archive：遊戲結果存入 PostgreSQL
//
// # 使用範例
//
//	store := internal.NewStore(cfg.Game, logger)
//	dispatcher := internal.NewDispatcher(sinks, cfg.Sinks.QueueSize, cfg.Sinks.PublishTimeout, logger)
//	session := internal.NewSession(store, dispatcher, cfg.Game.RoomCleanupInterval, logger)
//	hub := internal.NewHub(session, cfg.WebSocket, logger)
//	handler := internal.NewHandler(store, session, logger, internal.HandlerOptions{})
//
//	mux := http.NewServeMux()
//	mux.Handle("/", handler.Routes())
//	mux.HandleFunc("GET /ws", hub.ServeWS)
package internal
