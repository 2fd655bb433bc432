// Package arserver AR试衣服务端：WebSocket帧流 + REST管理接口
package arserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"StitcheSenseAR/internal/config"
	"StitcheSenseAR/internal/fittings"
	"StitcheSenseAR/internal/logger"
	"StitcheSenseAR/internal/protocol"
	"StitcheSenseAR/internal/session"
	"StitcheSenseAR/internal/template"
)

// ServerConfig 服务器配置
type ServerConfig struct {
	Addr              string
	WebSocketPath     string
	HandshakeTimeout  time.Duration
	ReadBufferSize    int
	WriteBufferSize   int
	EnableCompression bool
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxConnections    int
	AllowedOrigins    []string
}

// DefaultServerConfig 返回默认配置
func DefaultServerConfig(addr string) *ServerConfig {
	return &ServerConfig{
		Addr:              addr,
		WebSocketPath:     "/ws/ar-fitting",
		HandshakeTimeout:  15 * time.Second,
		ReadBufferSize:    65536,
		WriteBufferSize:   65536,
		EnableCompression: true,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxConnections:    1000,
		AllowedOrigins:    []string{"*"},
	}
}

// FromARConfig 从服务配置构建服务器配置
func FromARConfig(c *config.ARConfig) *ServerConfig {
	return &ServerConfig{
		Addr:              c.GetServerAddress(),
		WebSocketPath:     c.Server.WebSocket.Path,
		HandshakeTimeout:  c.Server.WebSocket.HandshakeTimeout,
		ReadBufferSize:    c.Server.WebSocket.ReadBufferSize,
		WriteBufferSize:   c.Server.WebSocket.WriteBufferSize,
		EnableCompression: c.Server.WebSocket.EnableCompression,
		WriteTimeout:      c.Server.WebSocket.WriteTimeout,
		IdleTimeout:       c.Server.WebSocket.IdleTimeout,
		MaxConnections:    1000,
		AllowedOrigins:    c.Server.CORS.AllowedOrigins,
	}
}

// ConnectionStats 连接统计信息
type ConnectionStats struct {
	ConnectedAt      time.Time
	MessagesReceived atomic.Uint64
	MessagesSent     atomic.Uint64
	LastActivity     atomic.Int64 // unix nano
	BytesReceived    atomic.Uint64
	BytesSent        atomic.Uint64
}

// Connection 一条试衣会话的WebSocket连接
type Connection struct {
	SessionID string
	Conn      *websocket.Conn
	Stats     *ConnectionStats

	writeTimeout time.Duration

	// 控制标志
	stopChan  chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex // 串行化写
}

// safeClose 安全关闭连接的stopChan
func (c *Connection) safeClose() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
	})
}

// Emit 实现session.Emitter：带写超时的串行化JSON下行
func (c *Connection) Emit(msg *protocol.Outbound) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode outbound message failed: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.Stats.MessagesSent.Add(1)
	c.Stats.BytesSent.Add(uint64(len(data)))
	return nil
}

// Server AR试衣WebSocket服务器
type Server struct {
	config    *ServerConfig
	server    *http.Server
	router    *mux.Router
	upgrader  websocket.Upgrader
	registry  *session.Registry
	templates *template.Store
	store     *fittings.Store // 可选，nil时REST存档接口不可用
	wsLogger  *logger.WebSocketLogger

	// 连接管理
	connections sync.Map // map[string]*Connection
	connCount   atomic.Int32
	connWg      sync.WaitGroup

	// 控制标志
	isRunning atomic.Bool

	// 统计信息
	totalConnections atomic.Uint64
	totalMessages    atomic.Uint64
	startTime        time.Time
}

// New 创建AR试衣服务器
func New(cfg *ServerConfig, registry *session.Registry, templates *template.Store, store *fittings.Store) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig(":18080")
	}

	s := &Server{
		config: cfg,
		upgrader: websocket.Upgrader{
			HandshakeTimeout:  cfg.HandshakeTimeout,
			ReadBufferSize:    cfg.ReadBufferSize,
			WriteBufferSize:   cfg.WriteBufferSize,
			EnableCompression: cfg.EnableCompression,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有源
			},
		},
		registry:  registry,
		templates: templates,
		store:     store,
		wsLogger:  logger.NewWebSocketLogger(),
		startTime: time.Now(),
	}

	s.router = mux.NewRouter()
	s.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      c.Handler(s.router),
		ReadTimeout:  0, // WebSocket长连接不限读超时
		WriteTimeout: 0,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// setupRoutes 设置路由
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	// WebSocket入口
	s.router.HandleFunc(s.config.WebSocketPath+"/{session_id}", s.handleWebSocket)
	s.router.HandleFunc("/ws/logs", s.wsLogger.HandleWebSocket)

	// REST管理接口
	api := s.router.PathPrefix("/api/v1/ar").Subrouter()
	api.HandleFunc("/dress-templates", s.listTemplatesHandler).Methods("GET")
	api.HandleFunc("/dress-templates/{id}", s.getTemplateHandler).Methods("GET")
	api.HandleFunc("/ar-session/{id}", s.getSessionHandler).Methods("GET")
	api.HandleFunc("/ar-session/{id}", s.deleteSessionHandler).Methods("DELETE")
	api.HandleFunc("/ar-session/{id}/stats", s.getSessionStatsHandler).Methods("GET")
	api.HandleFunc("/process-frame", s.processFrameHandler).Methods("POST")
	api.HandleFunc("/customize-dress", s.customizeDressHandler).Methods("POST")
	api.HandleFunc("/ar-analytics", s.analyticsHandler).Methods("GET")
	api.HandleFunc("/fittings", s.saveFittingHandler).Methods("POST")
	api.HandleFunc("/fittings/user/{user_id}", s.listFittingsHandler).Methods("GET")
	api.HandleFunc("/health", s.healthCheckHandler).Methods("GET")

	s.router.HandleFunc("/stats", s.statsHandler).Methods("GET")
}

// loggingMiddleware 请求日志中间件
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)
		log.Printf("%s %s %s %v", r.Method, r.RequestURI, r.RemoteAddr, duration)
	})
}

// Start 启动服务器
func (s *Server) Start() error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("server is already running")
	}

	log.Printf("Starting AR fitting server on %s", s.config.Addr)
	go s.wsLogger.Run()

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()

	// 给服务器足够的时间启动
	time.Sleep(200 * time.Millisecond)

	return nil
}

// Shutdown 关闭服务器，排空所有会话
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}

	log.Printf("Shutting down AR fitting server...")

	// 关闭所有连接
	s.connections.Range(func(key, value interface{}) bool {
		conn := value.(*Connection)
		s.closeConnection(conn, "Server shutdown")
		return true
	})

	// 等待所有连接goroutine退出
	s.connWg.Wait()

	// 排空会话（等在途帧完成）
	s.registry.CloseAll()

	return s.server.Shutdown(ctx)
}

// handleWebSocket 处理试衣WebSocket连接
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.connCount.Load() >= int32(s.config.MaxConnections) {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	sessionID := mux.Vars(r)["session_id"]
	if sessionID == "" {
		http.Error(w, "Missing session id", http.StatusBadRequest)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	conn := &Connection{
		SessionID:    sessionID,
		Conn:         wsConn,
		Stats:        &ConnectionStats{ConnectedAt: time.Now()},
		writeTimeout: s.config.WriteTimeout,
		stopChan:     make(chan struct{}),
	}
	conn.Stats.LastActivity.Store(time.Now().UnixNano())
	s.totalConnections.Add(1)

	initialTemplate := r.URL.Query().Get("template_id")
	mgr, err := s.registry.Start(sessionID, initialTemplate, conn)
	if err != nil {
		s.rejectConnection(conn, err)
		return
	}

	s.connections.Store(sessionID, conn)
	s.connCount.Add(1)

	log.Printf("New fitting session: %s from %s", sessionID, r.RemoteAddr)
	s.wsLogger.LogInfo("ARServer", "fitting session started", &sessionID)

	if err := mgr.Activate(); err != nil {
		log.Printf("Activate session %s failed: %v", sessionID, err)
		mgr.Fatal()
		s.closeConnection(conn, "Activation failed")
		return
	}

	s.connWg.Add(1)
	defer func() {
		s.closeConnection(conn, "Connection ended")
		s.connWg.Done()
	}()

	s.messageReadLoop(conn, mgr)
}

// rejectConnection 会话创建失败：发一条错误后关闭传输
func (s *Server) rejectConnection(conn *Connection, cause error) {
	code := protocol.CodeProtocolError
	switch {
	case errors.Is(cause, session.ErrDuplicateSession):
		code = protocol.CodeDuplicateSession
	case errors.Is(cause, session.ErrInvalidTemplate):
		code = protocol.CodeInvalidTemplate
	}

	conn.Emit(protocol.NewError(conn.SessionID, code, cause.Error()))
	conn.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code),
		time.Now().Add(time.Second))
	conn.Conn.Close()
	log.Printf("Rejected session %s: %v", conn.SessionID, cause)
}

// messageReadLoop 消息读取循环
func (s *Server) messageReadLoop(conn *Connection, mgr *session.Manager) {
	conn.Conn.SetReadLimit(protocol.MaxMessageSize)

	for {
		select {
		case <-conn.stopChan:
			mgr.Close()
			return
		default:
			conn.Conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))

			messageType, rawData, err := conn.Conn.ReadMessage()
			if err != nil {
				// 正常关闭走优雅收尾，异常断开立即终结会话
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Printf("Session %s read error: %v", conn.SessionID, err)
					mgr.Fatal()
				} else {
					mgr.Close()
				}
				return
			}

			conn.Stats.MessagesReceived.Add(1)
			conn.Stats.BytesReceived.Add(uint64(len(rawData)))
			conn.Stats.LastActivity.Store(time.Now().UnixNano())
			s.totalMessages.Add(1)

			if messageType != websocket.TextMessage {
				continue
			}

			if fatal := s.handleMessage(conn, mgr, rawData); fatal {
				mgr.Fatal()
				return
			}
		}
	}
}

// handleMessage 处理一条上行消息；返回true表示协议违例，连接必须终止
func (s *Server) handleMessage(conn *Connection, mgr *session.Manager, rawData []byte) bool {
	msg, err := protocol.DecodeInbound(rawData)
	if err != nil {
		// 畸形消息属于协议违例，对会话是致命的
		conn.Emit(protocol.NewError(conn.SessionID, protocol.CodeProtocolError, err.Error()))
		conn.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, protocol.CodeProtocolError),
			time.Now().Add(time.Second))
		log.Printf("Session %s protocol violation: %v", conn.SessionID, err)
		return true
	}

	switch msg.Type {
	case protocol.TypeFrame:
		mgr.SubmitFrame(msg.FrameData, msg.DressConfig)

	case protocol.TypeChangeDress:
		if err := mgr.SelectTemplate(*msg.DressConfig); err != nil {
			// 换装失败不影响会话，回错误应答即可
			conn.Emit(protocol.NewError(conn.SessionID, protocol.CodeInvalidTemplate, err.Error()))
		}

	case protocol.TypeGetSessionInfo:
		mgr.EmitSessionInfo()

	case protocol.TypePing:
		conn.Emit(protocol.NewPong(conn.SessionID))
	}

	return false
}

// closeConnection 关闭连接
func (s *Server) closeConnection(conn *Connection, reason string) {
	if _, loaded := s.connections.LoadAndDelete(conn.SessionID); loaded {
		s.connCount.Add(-1)
	}

	conn.mu.Lock()
	conn.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
	conn.Conn.Close()
	conn.mu.Unlock()

	conn.safeClose()
	log.Printf("Connection closed: %s, reason: %s", conn.SessionID, reason)
}

// ===== REST处理器 =====

// APIResponse API响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

func (s *Server) listTemplatesHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccessResponse(w, s.templates.List())
}

func (s *Server) getTemplateHandler(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.templates.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeErrorResponse(w, http.StatusNotFound, protocol.CodeInvalidTemplate, err.Error())
		return
	}
	s.writeSuccessResponse(w, tpl)
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	mgr, err := s.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeErrorResponse(w, http.StatusNotFound, protocol.CodeUnknownSession, err.Error())
		return
	}
	s.writeSuccessResponse(w, mgr.Info())
}

func (s *Server) getSessionStatsHandler(w http.ResponseWriter, r *http.Request) {
	mgr, err := s.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeErrorResponse(w, http.StatusNotFound, protocol.CodeUnknownSession, err.Error())
		return
	}
	s.writeSuccessResponse(w, map[string]interface{}{
		"stats":  mgr.Timeline().Stats(),
		"events": mgr.Timeline().Events(),
	})
}

func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	// 关闭是幂等的：未知会话同样返回成功
	s.registry.Close(mux.Vars(r)["id"])
	s.writeSuccessResponse(w, map[string]string{"message": "Session closed"})
}

func (s *Server) saveFittingHandler(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "storage_disabled", "Fitting storage is not configured")
		return
	}

	var record fittings.Record
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if record.UserID == "" || record.TemplateID == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "user_id and template_id are required")
		return
	}

	id, err := s.store.Save(r.Context(), &record)
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	s.writeSuccessResponse(w, map[string]string{"id": id})
}

func (s *Server) listFittingsHandler(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "storage_disabled", "Fitting storage is not configured")
		return
	}

	records, err := s.store.ListByUser(r.Context(), mux.Vars(r)["user_id"])
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	s.writeSuccessResponse(w, records)
}

// processFrameHandler 单帧REST处理：借一次性会话跑完整管线，不建立长连接
func (s *Server) processFrameHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FrameData   string                `json:"frame_data"`
		DressConfig *protocol.DressConfig `json:"dress_config,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.FrameData == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "frame_data is required")
		return
	}

	resultCh := make(chan protocol.FrameResultData, 1)
	emitter := session.EmitterFunc(func(msg *protocol.Outbound) error {
		if msg.Type == protocol.TypeFrameResult && msg.Data != nil {
			select {
			case resultCh <- *msg.Data:
			default:
			}
		}
		return nil
	})

	sessionID := "rest-" + uuid.NewString()
	mgr, err := s.registry.Start(sessionID, "", emitter)
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "session_error", err.Error())
		return
	}
	defer s.registry.Close(sessionID)

	if err := mgr.Activate(); err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "session_error", err.Error())
		return
	}
	if err := mgr.SubmitFrame(req.FrameData, req.DressConfig); err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "processing_error", err.Error())
		return
	}

	select {
	case data := <-resultCh:
		s.writeSuccessResponse(w, data)
	case <-r.Context().Done():
		s.writeErrorResponse(w, http.StatusRequestTimeout, "request_cancelled", "Client cancelled the request")
	case <-time.After(30 * time.Second):
		s.writeErrorResponse(w, http.StatusGatewayTimeout, "processing_timeout", "Frame processing timed out")
	}
}

// customizeDressHandler 在模板副本上应用自定义并返回，不修改目录
func (s *Server) customizeDressHandler(w http.ResponseWriter, r *http.Request) {
	var req protocol.DressConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.TemplateID == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "template_id is required")
		return
	}

	tpl, err := s.templates.Customize(req.TemplateID, req.Customization())
	if err != nil {
		status := http.StatusNotFound
		if errors.Is(err, template.ErrInvalidCatalog) {
			status = http.StatusBadRequest
		}
		s.writeErrorResponse(w, status, protocol.CodeInvalidTemplate, err.Error())
		return
	}
	s.writeSuccessResponse(w, tpl)
}

// analyticsHandler 跨会话的帧处理聚合分析
func (s *Server) analyticsHandler(w http.ResponseWriter, r *http.Request) {
	var accepted, dropped, emitted, failed uint64
	sessions := make([]map[string]interface{}, 0)
	for _, id := range s.registry.IDs() {
		mgr, err := s.registry.Get(id)
		if err != nil {
			continue // 迭代期间会话已关闭
		}
		st := mgr.Timeline().Stats()
		accepted += st.FramesAccepted
		dropped += st.FramesDropped
		emitted += st.ResultsEmitted
		failed += st.ResultsFailed
		sessions = append(sessions, map[string]interface{}{
			"session_id":      id,
			"state":           mgr.State().String(),
			"frames_accepted": st.FramesAccepted,
			"frames_dropped":  st.FramesDropped,
			"results_emitted": st.ResultsEmitted,
		})
	}

	s.writeSuccessResponse(w, map[string]interface{}{
		"active_sessions":   s.registry.Count(),
		"total_connections": s.totalConnections.Load(),
		"total_messages":    s.totalMessages.Load(),
		"frames_accepted":   accepted,
		"frames_dropped":    dropped,
		"results_emitted":   emitted,
		"results_failed":    failed,
		"templates":         len(s.templates.List()),
		"sessions":          sessions,
	})
}

func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"uptime":    time.Since(s.startTime).Seconds(),
		"sessions":  s.registry.Count(),
		"timestamp": time.Now().UnixMilli(),
	}
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			health["status"] = "degraded"
			health["storage_error"] = err.Error()
		}
	}
	s.writeSuccessResponse(w, health)
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccessResponse(w, s.GetStats())
}

// GetStats 获取服务器统计信息
func (s *Server) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"running":             s.isRunning.Load(),
		"uptime_seconds":      time.Since(s.startTime).Seconds(),
		"current_connections": s.connCount.Load(),
		"total_connections":   s.totalConnections.Load(),
		"total_messages":      s.totalMessages.Load(),
		"active_sessions":     s.registry.Count(),
	}
}

// GetConnectionStats 获取连接统计信息
func (s *Server) GetConnectionStats() map[string]*ConnectionStats {
	stats := make(map[string]*ConnectionStats)
	s.connections.Range(func(key, value interface{}) bool {
		stats[key.(string)] = value.(*Connection).Stats
		return true
	})
	return stats
}

// Addr 服务器监听地址
func (s *Server) Addr() string {
	return s.config.Addr
}

// 辅助方法
func (s *Server) writeSuccessResponse(w http.ResponseWriter, data interface{}) {
	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	s.writeJSONResponse(w, statusCode, APIResponse{
		Success:   false,
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}
