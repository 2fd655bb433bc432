// Package record 按会话记录帧处理时间线，供统计接口和不变量测试使用
package record

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// EventType 时间线事件类型
type EventType string

const (
	EventStateChange    EventType = "STATE_CHANGE"
	EventFrameAccepted  EventType = "FRAME_ACCEPTED"
	EventFrameDropped   EventType = "FRAME_DROPPED"
	EventResultEmitted  EventType = "RESULT_EMITTED"
	EventTemplateChange EventType = "TEMPLATE_CHANGE"
)

// maxEvents 时间线保留的事件上限，超出后丢弃最旧事件
const maxEvents = 2048

// Event 单条时间线事件
type Event struct {
	Seq       uint64        `json:"seq"`
	Type      EventType     `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration,omitempty"`
	Template  string        `json:"template,omitempty"`
	Success   bool          `json:"success,omitempty"`
	Detail    string        `json:"detail,omitempty"`
}

// Stats 时间线聚合统计
type Stats struct {
	SessionID         string        `json:"session_id"`
	StartTime         time.Time     `json:"start_time"`
	Uptime            time.Duration `json:"uptime"`
	FramesAccepted    uint64        `json:"frames_accepted"`
	FramesDropped     uint64        `json:"frames_dropped"`
	ResultsEmitted    uint64        `json:"results_emitted"`
	ResultsFailed     uint64        `json:"results_failed"`
	AverageProcessing time.Duration `json:"average_processing"`
	LastResultAt      time.Time     `json:"last_result_at"`
}

// Timeline 单个会话的帧处理时间线
// 计数器用原子变量，事件列表用锁保护，两者都可并发访问
type Timeline struct {
	sessionID string
	startTime time.Time

	seq            atomic.Uint64
	framesAccepted atomic.Uint64
	framesDropped  atomic.Uint64
	resultsEmitted atomic.Uint64
	resultsFailed  atomic.Uint64
	processingSum  atomic.Int64 // 纳秒
	processingN    atomic.Int64
	lastResultNano atomic.Int64

	mu     sync.RWMutex
	events []Event
}

// NewTimeline 创建时间线
func NewTimeline(sessionID string) *Timeline {
	return &Timeline{
		sessionID: sessionID,
		startTime: time.Now(),
		events:    make([]Event, 0, 256),
	}
}

func (t *Timeline) append(e Event) {
	e.Seq = t.seq.Add(1)
	e.Timestamp = time.Now()

	t.mu.Lock()
	if len(t.events) >= maxEvents {
		t.events = t.events[1:]
	}
	t.events = append(t.events, e)
	t.mu.Unlock()
}

// RecordStateChange 记录状态迁移
func (t *Timeline) RecordStateChange(from, to string) {
	t.append(Event{Type: EventStateChange, Detail: from + " -> " + to})
}

// RecordAccepted 记录一帧进入处理（idle → busy）
func (t *Timeline) RecordAccepted(templateID string) {
	t.framesAccepted.Add(1)
	t.append(Event{Type: EventFrameAccepted, Template: templateID})
}

// RecordDropped 记录一帧因背压被丢弃
func (t *Timeline) RecordDropped() {
	t.framesDropped.Add(1)
	t.append(Event{Type: EventFrameDropped})
}

// RecordResult 记录一条结果消息发出（busy → idle）
func (t *Timeline) RecordResult(success bool, processing time.Duration, detail string) {
	t.resultsEmitted.Add(1)
	if !success {
		t.resultsFailed.Add(1)
	}
	if processing > 0 {
		t.processingSum.Add(processing.Nanoseconds())
		t.processingN.Add(1)
	}
	t.lastResultNano.Store(time.Now().UnixNano())
	t.append(Event{Type: EventResultEmitted, Duration: processing, Success: success, Detail: detail})
}

// RecordTemplateChange 记录换装
func (t *Timeline) RecordTemplateChange(templateID string) {
	t.append(Event{Type: EventTemplateChange, Template: templateID})
}

// Events 返回事件列表副本
func (t *Timeline) Events() []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Event{}, t.events...)
}

// Stats 返回聚合统计快照
func (t *Timeline) Stats() Stats {
	s := Stats{
		SessionID:      t.sessionID,
		StartTime:      t.startTime,
		Uptime:         time.Since(t.startTime),
		FramesAccepted: t.framesAccepted.Load(),
		FramesDropped:  t.framesDropped.Load(),
		ResultsEmitted: t.resultsEmitted.Load(),
		ResultsFailed:  t.resultsFailed.Load(),
	}
	if n := t.processingN.Load(); n > 0 {
		s.AverageProcessing = time.Duration(t.processingSum.Load() / n)
	}
	if nano := t.lastResultNano.Load(); nano > 0 {
		s.LastResultAt = time.Unix(0, nano)
	}
	return s
}

// ExportJSON 导出完整时间线，便于离线诊断
func (t *Timeline) ExportJSON() ([]byte, error) {
	out := struct {
		Stats  Stats   `json:"stats"`
		Events []Event `json:"events"`
	}{
		Stats:  t.Stats(),
		Events: t.Events(),
	}
	return json.MarshalIndent(out, "", "  ")
}
