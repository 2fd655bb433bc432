// Package arclient AR试衣WebSocket客户端，支持自动重连、采帧推流和RTT统计
package arclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"StitcheSenseAR/internal/protocol"
)

// ClientState 客户端连接状态
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// FrameSource 帧来源：每次调用返回一帧已编码的图像数据
type FrameSource interface {
	NextFrame() (string, error)
}

// ResultHandler 帧处理结果回调
type ResultHandler func(result protocol.FrameResultData)

// SessionInfoHandler 会话信息回调
type SessionInfoHandler func(info protocol.SessionInfoData)

// ErrorHandler 会话控制错误回调
type ErrorHandler func(code, message string)

// StateChangeHandler 状态变化处理器
type StateChangeHandler func(oldState, newState ClientState)

// RTTHandler RTT变化处理器
type RTTHandler func(rtt time.Duration)

// ClientConfig 客户端配置
type ClientConfig struct {
	URL               string
	SessionID         string
	HandshakeTimeout  time.Duration
	CaptureInterval   time.Duration
	PingInterval      time.Duration
	PingTimeout       time.Duration
	ReconnectInterval time.Duration
	MaxReconnectTries int
	EnableCompression bool
	UserAgent         string
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig(url, sessionID string) *ClientConfig {
	return &ClientConfig{
		URL:               url,
		SessionID:         sessionID,
		HandshakeTimeout:  10 * time.Second,
		CaptureInterval:   100 * time.Millisecond,
		PingInterval:      30 * time.Second,
		PingTimeout:       10 * time.Second,
		ReconnectInterval: 2 * time.Second,
		MaxReconnectTries: 10,
		EnableCompression: true,
		UserAgent:         "StitcheSenseAR/1.0",
	}
}

// Client AR试衣WebSocket客户端
type Client struct {
	config *ClientConfig
	dialer *websocket.Dialer
	conn   *websocket.Conn
	state  atomic.Int32

	// 帧来源，可选；设置后Connect会启动采帧循环
	source FrameSource

	// 消息处理
	onResult       ResultHandler
	onSessionInfo  SessionInfoHandler
	onDressChanged func(msg *protocol.Outbound)
	onError        ErrorHandler
	onStateChange  StateChangeHandler
	onRTT          RTTHandler

	// 同步控制
	mu            sync.RWMutex
	writeMu       sync.Mutex // 专用于WebSocket写入同步
	stopChan      chan struct{}
	reconnectChan chan struct{}

	// 心跳和RTT统计
	lastPingTime atomic.Int64 // unix nano
	avgRTT       atomic.Int64 // nano seconds

	// 重连控制
	reconnectCount atomic.Int32
	reconnects     atomic.Int32

	// 帧统计
	framesSent      atomic.Uint64
	resultsReceived atomic.Uint64
	resultsFailed   atomic.Uint64
}

// New 创建新的AR试衣客户端
func New(config *ClientConfig) *Client {
	if config == nil {
		panic("config cannot be nil")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout
	dialer.EnableCompression = config.EnableCompression

	client := &Client{
		config:        config,
		dialer:        &dialer,
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
	}

	client.setState(StateDisconnected)
	return client
}

// SetFrameSource 设置帧来源
func (c *Client) SetFrameSource(source FrameSource) {
	c.source = source
}

// SetResultHandler 设置帧结果处理器
func (c *Client) SetResultHandler(handler ResultHandler) {
	c.onResult = handler
}

// SetSessionInfoHandler 设置会话信息处理器
func (c *Client) SetSessionInfoHandler(handler SessionInfoHandler) {
	c.onSessionInfo = handler
}

// SetDressChangedHandler 设置换装确认处理器
func (c *Client) SetDressChangedHandler(handler func(msg *protocol.Outbound)) {
	c.onDressChanged = handler
}

// SetErrorHandler 设置错误处理器
func (c *Client) SetErrorHandler(handler ErrorHandler) {
	c.onError = handler
}

// SetStateChangeHandler 设置状态变化处理器
func (c *Client) SetStateChangeHandler(handler StateChangeHandler) {
	c.onStateChange = handler
}

// SetRTTHandler 设置RTT变化处理器
func (c *Client) SetRTTHandler(handler RTTHandler) {
	c.onRTT = handler
}

// Connect 连接到服务器并等待会话建立确认
func (c *Client) Connect(ctx context.Context) error {
	if !c.compareAndSwapState(StateDisconnected, StateConnecting) {
		return errors.New("client is not in disconnected state")
	}

	if err := c.doConnect(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.setState(StateConnected)

	// 启动后台任务
	go c.pingLoop()
	go c.readLoop()
	go c.reconnectLoop()
	if c.source != nil {
		go c.captureLoop()
	}

	return nil
}

// doConnect 执行实际的连接逻辑
func (c *Client) doConnect(ctx context.Context) error {
	headers := http.Header{
		"User-Agent": []string{c.config.UserAgent},
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.config.URL, headers)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer func() {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
	}()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// 等待会话建立确认
	return c.awaitEstablished(ctx)
}

// awaitEstablished 等待服务端的session_established
func (c *Client) awaitEstablished(ctx context.Context) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()

	msg, err := c.readOutbound(timeoutCtx)
	if err != nil {
		return fmt.Errorf("read session establishment failed: %w", err)
	}

	switch msg.Type {
	case protocol.TypeSessionEstablished:
		log.Printf("Session established: session_id=%s", msg.SessionID)
		return nil
	case protocol.TypeError:
		return fmt.Errorf("session rejected: code=%s, message=%s", msg.Code, msg.Message)
	default:
		return fmt.Errorf("unexpected message type during handshake: %s", msg.Type)
	}
}

// Close 关闭客户端连接
func (c *Client) Close() error {
	if !c.compareAndSwapState(StateConnected, StateClosed) &&
		!c.compareAndSwapState(StateReconnecting, StateClosed) &&
		!c.compareAndSwapState(StateDisconnected, StateClosed) {
		return nil // 已经关闭
	}

	close(c.stopChan)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
			time.Now().Add(time.Second))
		return conn.Close()
	}

	return nil
}

// SendFrame 发送一帧图像，cfg非空时随帧携带裙装配置
func (c *Client) SendFrame(frameData string, cfg *protocol.DressConfig) error {
	if c.getState() != StateConnected {
		return errors.New("client is not connected")
	}

	err := c.sendInbound(&protocol.Inbound{
		Type:        protocol.TypeFrame,
		FrameData:   frameData,
		DressConfig: cfg,
	})
	if err == nil {
		c.framesSent.Add(1)
	}
	return err
}

// SelectTemplate 请求换装
func (c *Client) SelectTemplate(cfg protocol.DressConfig) error {
	if c.getState() != StateConnected {
		return errors.New("client is not connected")
	}

	return c.sendInbound(&protocol.Inbound{
		Type:        protocol.TypeChangeDress,
		DressConfig: &cfg,
	})
}

// RequestSessionInfo 请求会话信息
func (c *Client) RequestSessionInfo() error {
	if c.getState() != StateConnected {
		return errors.New("client is not connected")
	}

	return c.sendInbound(&protocol.Inbound{Type: protocol.TypeGetSessionInfo})
}

// sendInbound 发送上行消息
func (c *Client) sendInbound(msg *protocol.Inbound) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message failed: %w", err)
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return errors.New("connection is nil")
	}

	// 使用专用的写入锁防止并发写入
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readOutbound 读取单条下行消息
func (c *Client) readOutbound(ctx context.Context) (*protocol.Outbound, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return nil, errors.New("connection is nil")
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Time{})
	}

	messageType, rawData, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	if messageType != websocket.TextMessage {
		return nil, errors.New("received non-text message")
	}

	return protocol.DecodeOutbound(rawData)
}

// captureLoop 采帧循环：按固定节奏把帧源的图像推给服务端
// 背压在服务端（busy丢帧），客户端只管按节奏发送
func (c *Client) captureLoop() {
	ticker := time.NewTicker(c.config.CaptureInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			if c.getState() != StateConnected {
				continue
			}

			frame, err := c.source.NextFrame()
			if err != nil {
				log.Printf("Frame source error: %v", err)
				continue
			}

			if err := c.SendFrame(frame, nil); err != nil {
				log.Printf("Send frame failed: %v", err)
				c.triggerReconnect()
			}
		}
	}
}

// pingLoop 心跳循环
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			if c.getState() == StateConnected {
				c.sendPing()
				c.checkPing()
			}
		}
	}
}

// sendPing 发送心跳
func (c *Client) sendPing() {
	c.lastPingTime.Store(time.Now().UnixNano())

	if err := c.sendInbound(&protocol.Inbound{Type: protocol.TypePing}); err != nil {
		log.Printf("Send ping failed: %v", err)
		c.triggerReconnect()
	}
}

// checkPing 检查ping超时
func (c *Client) checkPing() {
	lastPingTime := time.Unix(0, c.lastPingTime.Load())
	if time.Since(lastPingTime) > c.config.PingInterval+c.config.PingTimeout {
		log.Printf("Ping timeout, triggering reconnect")
		c.triggerReconnect()
	}
}

// readLoop 消息读取循环
func (c *Client) readLoop() {
	for {
		select {
		case <-c.stopChan:
			return
		default:
			if c.getState() != StateConnected {
				time.Sleep(100 * time.Millisecond)
				continue
			}

			msg, err := c.readOutbound(context.Background())
			if err != nil {
				log.Printf("Read message failed: %v", err)
				c.triggerReconnect()
				continue
			}

			c.handleMessage(msg)
		}
	}
}

// handleMessage 处理接收到的下行消息
func (c *Client) handleMessage(msg *protocol.Outbound) {
	switch msg.Type {
	case protocol.TypeFrameResult:
		c.resultsReceived.Add(1)
		if msg.Data != nil {
			if !msg.Data.Success {
				c.resultsFailed.Add(1)
			}
			if c.onResult != nil {
				c.onResult(*msg.Data)
			}
		}

	case protocol.TypeDressChanged:
		if c.onDressChanged != nil {
			c.onDressChanged(msg)
		}

	case protocol.TypeSessionInfo:
		if msg.Info != nil && c.onSessionInfo != nil {
			c.onSessionInfo(*msg.Info)
		}

	case protocol.TypePong:
		c.handlePong()

	case protocol.TypeError:
		log.Printf("Session error: code=%s, message=%s", msg.Code, msg.Message)
		if c.onError != nil {
			c.onError(msg.Code, msg.Message)
		}
	}
}

// handlePong 处理心跳应答，更新RTT
func (c *Client) handlePong() {
	pingTime := time.Unix(0, c.lastPingTime.Load())
	if pingTime.IsZero() {
		return // 没有发送过心跳
	}

	rtt := time.Since(pingTime)
	if rtt <= 0 {
		return // 无效的RTT
	}

	// 更新平均RTT（简单移动平均）
	oldAvg := time.Duration(c.avgRTT.Load())
	newAvg := (oldAvg + rtt) / 2
	c.avgRTT.Store(int64(newAvg))

	if c.onRTT != nil {
		c.onRTT(rtt)
	}
}

// reconnectLoop 重连循环
func (c *Client) reconnectLoop() {
	for {
		select {
		case <-c.stopChan:
			return
		case <-c.reconnectChan:
			c.doReconnect()
		}
	}
}

// triggerReconnect 触发重连
func (c *Client) triggerReconnect() {
	if c.getState() == StateConnected {
		c.setState(StateReconnecting)
		select {
		case c.reconnectChan <- struct{}{}:
		default:
		}
	}
}

// doReconnect 执行重连
func (c *Client) doReconnect() {
	count := c.reconnectCount.Add(1)
	if count > int32(c.config.MaxReconnectTries) {
		log.Printf("Max reconnect tries exceeded, giving up")
		c.setState(StateDisconnected)
		return
	}

	log.Printf("Reconnecting... (attempt %d/%d)", count, c.config.MaxReconnectTries)

	// 关闭旧连接
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	// 指数退避
	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = c.config.ReconnectInterval
	backOff.MaxElapsedTime = time.Duration(c.config.MaxReconnectTries) * c.config.ReconnectInterval

	ctx := context.Background()
	err := backoff.Retry(func() error {
		return c.doConnect(ctx)
	}, backOff)

	if err != nil {
		log.Printf("Reconnect failed: %v", err)
		c.setState(StateDisconnected)
	} else {
		log.Printf("Reconnected successfully")
		c.setState(StateConnected)
		c.reconnectCount.Store(0)
		c.reconnects.Add(1)
	}
}

// getState 获取当前状态
func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

// State 当前状态
func (c *Client) State() ClientState {
	return c.getState()
}

// setState 设置状态
func (c *Client) setState(newState ClientState) {
	oldState := ClientState(c.state.Swap(int32(newState)))
	if oldState != newState && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
}

// compareAndSwapState 原子性状态切换
func (c *Client) compareAndSwapState(oldState, newState ClientState) bool {
	swapped := c.state.CompareAndSwap(int32(oldState), int32(newState))
	if swapped && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
	return swapped
}

// Reconnects 获取重连次数
func (c *Client) Reconnects() int {
	return int(c.reconnects.Load())
}

// GetStats 获取客户端统计信息
func (c *Client) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"state":            c.getState().String(),
		"frames_sent":      c.framesSent.Load(),
		"results_received": c.resultsReceived.Load(),
		"results_failed":   c.resultsFailed.Load(),
		"reconnect_count":  c.reconnectCount.Load(),
		"reconnects":       c.reconnects.Load(),
		"avg_rtt_ms":       time.Duration(c.avgRTT.Load()).Milliseconds(),
	}
}
