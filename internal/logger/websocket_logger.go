package logger

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// LogMessage 日志消息结构
type LogMessage struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Module    string    `json:"module"`
	SessionID *string   `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WebSocketLogger WebSocket日志广播器
type WebSocketLogger struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan LogMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewWebSocketLogger 创建新的WebSocket日志器
func NewWebSocketLogger() *WebSocketLogger {
	return &WebSocketLogger{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan LogMessage, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run 启动WebSocket日志器
func (wsl *WebSocketLogger) Run() {
	for {
		select {
		case client := <-wsl.register:
			wsl.mu.Lock()
			wsl.clients[client] = true
			wsl.mu.Unlock()
			log.Printf("日志客户端已连接，当前连接数: %d", len(wsl.clients))

		case client := <-wsl.unregister:
			wsl.mu.Lock()
			if _, ok := wsl.clients[client]; ok {
				delete(wsl.clients, client)
				client.Close()
				wsl.mu.Unlock()
				log.Printf("日志客户端已断开，当前连接数: %d", len(wsl.clients))
			} else {
				wsl.mu.Unlock()
			}

		case message := <-wsl.broadcast:
			wsl.mu.Lock()
			for client := range wsl.clients {
				if err := client.WriteJSON(message); err != nil {
					log.Printf("发送日志消息失败: %v", err)
					delete(wsl.clients, client)
					client.Close()
				}
			}
			wsl.mu.Unlock()
		}
	}
}

// emit 统一的日志输出入口：控制台 + 广播（通道满时丢弃，避免阻塞）
func (wsl *WebSocketLogger) emit(level, module, message string, sessionID *string) {
	logMsg := LogMessage{
		Level:     level,
		Message:   message,
		Module:    module,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}

	if sessionID != nil {
		log.Printf("[%s] [Session-%s] %s: %s", level, *sessionID, module, message)
	} else {
		log.Printf("[%s] %s: %s", level, module, message)
	}

	select {
	case wsl.broadcast <- logMsg:
	default:
	}
}

// LogInfo 记录信息日志
func (wsl *WebSocketLogger) LogInfo(module, message string, sessionID *string) {
	wsl.emit("INFO", module, message, sessionID)
}

// LogError 记录错误日志
func (wsl *WebSocketLogger) LogError(module, message string, sessionID *string) {
	wsl.emit("ERROR", module, message, sessionID)
}

// LogSuccess 记录成功日志
func (wsl *WebSocketLogger) LogSuccess(module, message string, sessionID *string) {
	wsl.emit("SUCCESS", module, message, sessionID)
}

// LogWarning 记录警告日志
func (wsl *WebSocketLogger) LogWarning(module, message string, sessionID *string) {
	wsl.emit("WARNING", module, message, sessionID)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// HandleWebSocket 处理WebSocket连接
func (wsl *WebSocketLogger) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket升级失败: %v", err)
		return
	}

	// 注册客户端
	wsl.register <- conn

	// 发送欢迎消息
	welcomeMsg := LogMessage{
		Level:     "INFO",
		Message:   "已连接到AR试衣服务日志流",
		Module:    "WebSocket",
		Timestamp: time.Now(),
	}
	conn.WriteJSON(welcomeMsg)

	// 处理客户端断开
	defer func() {
		wsl.unregister <- conn
		conn.Close()
	}()

	// 保持连接活跃
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket连接错误: %v", err)
			}
			break
		}
	}
}

// 全局日志器实例
var GlobalLogger *WebSocketLogger

// InitGlobalLogger 初始化全局日志器
func InitGlobalLogger() {
	GlobalLogger = NewWebSocketLogger()
	go GlobalLogger.Run()
}

// 便捷函数
func LogInfo(module, message string, sessionID *string) {
	if GlobalLogger != nil {
		GlobalLogger.LogInfo(module, message, sessionID)
	}
}

func LogError(module, message string, sessionID *string) {
	if GlobalLogger != nil {
		GlobalLogger.LogError(module, message, sessionID)
	}
}

func LogSuccess(module, message string, sessionID *string) {
	if GlobalLogger != nil {
		GlobalLogger.LogSuccess(module, message, sessionID)
	}
}

func LogWarning(module, message string, sessionID *string) {
	if GlobalLogger != nil {
		GlobalLogger.LogWarning(module, message, sessionID)
	}
}
