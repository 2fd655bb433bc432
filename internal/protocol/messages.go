package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"StitcheSenseAR/internal/template"
)

const (
	// MaxMessageSize 单条消息上限（base64帧数据占大头），防止内存攻击
	MaxMessageSize = 4 * 1024 * 1024 // 4MB
)

var (
	ErrMessageTooLarge    = errors.New("message too large")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMissingFrameData   = errors.New("frame message missing frame_data")
)

// MessageType 消息类型判别字段
type MessageType string

// 上行消息类型
const (
	TypeFrame          MessageType = "frame"
	TypeChangeDress    MessageType = "change_dress"
	TypeGetSessionInfo MessageType = "get_session_info"
	TypePing           MessageType = "ping"
)

// 下行消息类型
const (
	TypeSessionEstablished MessageType = "session_established"
	TypeFrameResult        MessageType = "frame_result"
	TypeDressChanged       MessageType = "dress_changed"
	TypeSessionInfo        MessageType = "session_info"
	TypePong               MessageType = "pong"
	TypeError              MessageType = "error"
)

// 会话控制错误码
const (
	CodeUnknownSession   = "unknown_session"
	CodeDuplicateSession = "duplicate_session"
	CodeInvalidTemplate  = "invalid_template"
	CodeProtocolError    = "protocol_error"
)

// DressConfig 客户端期望的裙装配置
// TemplateID优先；缺省时按Type匹配模板库；其余字段覆盖模板渲染参数
type DressConfig struct {
	TemplateID  string                  `json:"template_id,omitempty"`
	Type        template.SilhouetteType `json:"type,omitempty"`
	BodiceColor *template.RGB           `json:"bodice_color,omitempty"`
	SkirtColor  *template.RGB           `json:"skirt_color,omitempty"`
	Opacity     *float64                `json:"opacity,omitempty"`
	IncludeVeil *bool                   `json:"include_veil,omitempty"`
}

// Customization 提取渲染参数覆盖项
func (c *DressConfig) Customization() template.Customization {
	return template.Customization{
		BodiceColor: c.BodiceColor,
		SkirtColor:  c.SkirtColor,
		Opacity:     c.Opacity,
		IncludeVeil: c.IncludeVeil,
	}
}

// Inbound 上行消息信封
type Inbound struct {
	Type        MessageType  `json:"type"`
	FrameData   string       `json:"frame_data,omitempty"`
	DressConfig *DressConfig `json:"dress_config,omitempty"`
}

// DecodeInbound 解析并校验一条上行消息
// 返回的错误都属于协议违例，对会话是致命的
func DecodeInbound(raw []byte) (*Inbound, error) {
	if len(raw) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch msg.Type {
	case TypeFrame:
		if msg.FrameData == "" {
			return nil, ErrMissingFrameData
		}
	case TypeChangeDress:
		if msg.DressConfig == nil {
			return nil, fmt.Errorf("%w: change_dress missing dress_config", ErrMalformedMessage)
		}
	case TypeGetSessionInfo, TypePing:
		// 无负载
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type)
	}
	return &msg, nil
}

// FrameResultData frame_result消息的数据体
type FrameResultData struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	// Frame base64合成图像，成功时存在
	Frame string `json:"frame,omitempty"`
	// Measurements 测量名到数值的映射，额外包含聚合置信度confidence_score
	Measurements map[string]float64 `json:"measurements,omitempty"`
	// MeasurementUnit "cm"或"normalized"，未标定时为后者
	MeasurementUnit  string  `json:"measurement_unit,omitempty"`
	ProcessingTimeMs float64 `json:"processing_time_ms"`
}

// SessionInfoData session_info消息的数据体
type SessionInfoData struct {
	SessionID       string  `json:"session_id"`
	State           string  `json:"state"`
	CurrentTemplate string  `json:"current_template"`
	FramesAccepted  uint64  `json:"frames_accepted"`
	FramesDropped   uint64  `json:"frames_dropped"`
	ResultsEmitted  uint64  `json:"results_emitted"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// Outbound 下行消息信封
type Outbound struct {
	Type        MessageType        `json:"type"`
	SessionID   string             `json:"session_id,omitempty"`
	Timestamp   int64              `json:"timestamp,omitempty"` // unix毫秒
	Data        *FrameResultData   `json:"data,omitempty"`
	Template    *template.Template `json:"template,omitempty"`
	Info        *SessionInfoData   `json:"info,omitempty"`
	DressConfig *DressConfig       `json:"dress_config,omitempty"`
	Code        string             `json:"code,omitempty"`
	Message     string             `json:"message,omitempty"`
}

// DecodeOutbound 解析一条下行消息（客户端侧使用）
func DecodeOutbound(raw []byte) (*Outbound, error) {
	if len(raw) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	var msg Outbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch msg.Type {
	case TypeSessionEstablished, TypeFrameResult, TypeDressChanged,
		TypeSessionInfo, TypePong, TypeError:
		return &msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type)
	}
}

// NewSessionEstablished 会话建立确认，携带初始（默认）裙装模板
func NewSessionEstablished(sessionID string, tpl template.Template) *Outbound {
	return &Outbound{
		Type:      TypeSessionEstablished,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
		Template:  &tpl,
	}
}

// NewFrameResult 帧处理结果
func NewFrameResult(sessionID string, data FrameResultData) *Outbound {
	return &Outbound{
		Type:      TypeFrameResult,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
		Data:      &data,
	}
}

// NewDressChanged 换装确认
func NewDressChanged(sessionID string, tpl template.Template) *Outbound {
	return &Outbound{
		Type:      TypeDressChanged,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
		Template:  &tpl,
	}
}

// NewSessionInfo 会话信息
func NewSessionInfo(info SessionInfoData) *Outbound {
	return &Outbound{
		Type:      TypeSessionInfo,
		SessionID: info.SessionID,
		Timestamp: time.Now().UnixMilli(),
		Info:      &info,
	}
}

// NewPong 心跳应答
func NewPong(sessionID string) *Outbound {
	return &Outbound{
		Type:      TypePong,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewError 会话控制错误应答（不影响会话状态）
func NewError(sessionID, code, message string) *Outbound {
	return &Outbound{
		Type:      TypeError,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
		Code:      code,
		Message:   message,
	}
}

// Encode 序列化为JSON
func (m *Outbound) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Encode 序列化为JSON
func (m *Inbound) Encode() ([]byte, error) {
	return json.Marshal(m)
}
