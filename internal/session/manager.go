package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"StitcheSenseAR/internal/measure"
	"StitcheSenseAR/internal/overlay"
	"StitcheSenseAR/internal/pose"
	"StitcheSenseAR/internal/protocol"
	"StitcheSenseAR/internal/record"
	"StitcheSenseAR/internal/template"
)

var (
	ErrUnknownSession   = errors.New("unknown session")
	ErrDuplicateSession = errors.New("duplicate session")
	ErrInvalidTemplate  = errors.New("invalid template")
	ErrNotConnecting    = errors.New("session is not in connecting state")
)

// State 会话状态
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Emitter 下行消息发送端，由传输层实现，必须并发安全
type Emitter interface {
	Emit(msg *protocol.Outbound) error
}

// EmitterFunc 函数适配器
type EmitterFunc func(msg *protocol.Outbound) error

func (f EmitterFunc) Emit(msg *protocol.Outbound) error {
	return f(msg)
}

// Pipeline 帧处理管线的三个协作方
type Pipeline struct {
	Extractor pose.Extractor
	Estimator *measure.Estimator
	Renderer  *overlay.Renderer
}

// Config 会话行为配置
type Config struct {
	// MaxProcessingTime 看门狗：单帧处理超过该时长时强制回到idle并上报超时
	// 为0时关闭（最小契约：挂死的提取意味着会话不再接收帧）
	MaxProcessingTime time.Duration
}

// Manager 单个试衣会话的全部状态和帧处理调度
//
// 并发模型：状态字段单写者，同会话的并发帧由in-flight标志串行化，
// 丢帧即背压，永远不排队、不阻塞调用方
type Manager struct {
	id       string
	pipeline Pipeline
	store    *template.Store
	emitter  Emitter
	config   Config
	timeline *record.Timeline

	state    atomic.Int32
	inFlight atomic.Bool

	// 只保护selected；帧处理中使用调度时刻的快照
	mu       sync.Mutex
	selected template.Template

	startTime time.Time
	onClosed  func(sessionID string)
	closeOnce sync.Once
	procWg    sync.WaitGroup
}

func newManager(id string, initial template.Template, store *template.Store,
	pipeline Pipeline, config Config, emitter Emitter, onClosed func(string)) *Manager {

	m := &Manager{
		id:        id,
		pipeline:  pipeline,
		store:     store,
		emitter:   emitter,
		config:    config,
		timeline:  record.NewTimeline(id),
		selected:  initial,
		startTime: time.Now(),
		onClosed:  onClosed,
	}
	m.state.Store(int32(StateConnecting))
	return m
}

// ID 会话标识
func (m *Manager) ID() string { return m.id }

// State 当前状态
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Timeline 帧处理时间线
func (m *Manager) Timeline() *record.Timeline { return m.timeline }

// SelectedTemplate 当前选中的模板（下一帧生效的那个）
func (m *Manager) SelectedTemplate() template.Template {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}

// Activate 传输握手完成后进入Active，发出会话建立确认
func (m *Manager) Activate() error {
	if !m.casState(StateConnecting, StateActive) {
		return ErrNotConnecting
	}
	return m.emitter.Emit(protocol.NewSessionEstablished(m.id, m.SelectedTemplate()))
}

// SubmitFrame 提交一帧，永不阻塞
// busy时静默丢弃（背压机制）；非Active状态下同样丢弃
// cfg非空时先按其切换模板，再以切换后的模板处理本帧
func (m *Manager) SubmitFrame(frameData string, cfg *protocol.DressConfig) error {
	if m.State() != StateActive {
		m.timeline.RecordDropped()
		return nil
	}

	if !m.inFlight.CompareAndSwap(false, true) {
		// busy：整帧丢弃，携带的裙装配置一并作废，无任何错误响应
		m.timeline.RecordDropped()
		return nil
	}

	// 帧内配置只在该帧赢得idle→busy槽位后才生效，被丢弃的帧没有任何副作用
	if cfg != nil && (cfg.TemplateID != "" || cfg.Type != "") {
		if err := m.applyTemplate(*cfg, false); err != nil {
			// 未知模板按本帧非致命错误处理，占用并释放同一次迁移
			m.timeline.RecordAccepted(m.SelectedTemplate().ID)
			m.emitPerFrameError(fmt.Sprintf("Invalid dress config: %v", err), 0)
			m.releaseIdle()
			return nil
		}
	}

	tpl := m.SelectedTemplate() // 调度时刻快照，换装只影响后续帧
	m.timeline.RecordAccepted(tpl.ID)

	done := &atomic.Bool{}
	if m.config.MaxProcessingTime > 0 {
		go m.watchdog(done, tpl.ID)
	}

	m.procWg.Add(1)
	go m.process(frameData, tpl, done)
	return nil
}

// SelectTemplate 切换裙装模板，立即生效于下一帧，不要求idle
func (m *Manager) SelectTemplate(cfg protocol.DressConfig) error {
	if err := m.applyTemplate(cfg, true); err != nil {
		return err
	}
	return nil
}

// applyTemplate 解析配置并更新selected；ack为true时发出dress_changed确认
func (m *Manager) applyTemplate(cfg protocol.DressConfig, ack bool) error {
	tpl, err := m.resolveTemplate(cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	changed := m.selected.ID != tpl.ID ||
		m.selected.Params != tpl.Params
	m.selected = tpl
	m.mu.Unlock()

	if changed {
		m.timeline.RecordTemplateChange(tpl.ID)
	}
	if ack {
		return m.emitter.Emit(protocol.NewDressChanged(m.id, tpl))
	}
	return nil
}

// resolveTemplate 把客户端裙装配置解析为具体模板
// template_id优先，其次按裙型匹配；渲染参数覆盖应用在副本上
func (m *Manager) resolveTemplate(cfg protocol.DressConfig) (template.Template, error) {
	var (
		tpl template.Template
		err error
	)
	switch {
	case cfg.TemplateID != "":
		tpl, err = m.store.Get(cfg.TemplateID)
	case cfg.Type != "":
		tpl, err = m.store.GetByType(cfg.Type)
	default:
		return template.Template{}, fmt.Errorf("%w: empty dress config", ErrInvalidTemplate)
	}
	if err != nil {
		return template.Template{}, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}

	c := cfg.Customization()
	if c.BodiceColor != nil || c.SkirtColor != nil || c.Opacity != nil || c.IncludeVeil != nil {
		tpl, err = m.store.Customize(tpl.ID, c)
		if err != nil {
			return template.Template{}, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
		}
	}
	return tpl, nil
}

// EmitSessionInfo 发送当前会话信息
func (m *Manager) EmitSessionInfo() error {
	return m.emitter.Emit(protocol.NewSessionInfo(m.Info()))
}

// Info 会话信息快照
func (m *Manager) Info() protocol.SessionInfoData {
	stats := m.timeline.Stats()
	return protocol.SessionInfoData{
		SessionID:       m.id,
		State:           m.State().String(),
		CurrentTemplate: m.SelectedTemplate().ID,
		FramesAccepted:  stats.FramesAccepted,
		FramesDropped:   stats.FramesDropped,
		ResultsEmitted:  stats.ResultsEmitted,
		UptimeSeconds:   time.Since(m.startTime).Seconds(),
	}
}

// Close 显式关闭：Active→Closing，等在途帧完成后进入Closed
// 幂等：重复关闭是空操作
func (m *Manager) Close() {
	if m.casState(StateConnecting, StateClosed) {
		m.finishClose()
		return
	}
	if m.casState(StateActive, StateClosing) {
		// 无在途帧时直接关闭；有则由完成路径收尾
		if !m.inFlight.Load() {
			if m.casState(StateClosing, StateClosed) {
				m.finishClose()
			}
		}
	}
}

// Fatal 传输级失败：立即进入Closed，不等待在途帧（其结果会被丢弃）
func (m *Manager) Fatal() {
	prev := State(m.state.Swap(int32(StateClosed)))
	if prev != StateClosed {
		m.finishClose()
	}
}

// Wait 等待所有在途帧处理收尾，测试和优雅停机使用
func (m *Manager) Wait() {
	m.procWg.Wait()
}

// process 单帧处理单元：解码 → 提取 → (测量 ∥ 渲染) → 发出一条结果
func (m *Manager) process(frameData string, tpl template.Template, done *atomic.Bool) {
	defer m.procWg.Done()
	start := time.Now()

	var data protocol.FrameResultData
	func() {
		defer func() {
			if r := recover(); r != nil {
				data = protocol.FrameResultData{
					Success: false,
					Message: fmt.Sprintf("Processing error: %v", r),
				}
			}
		}()
		data = m.runPipeline(frameData, tpl)
	}()
	data.ProcessingTimeMs = float64(time.Since(start).Microseconds()) / 1000

	m.complete(data, time.Since(start), done)
}

// complete busy→idle迁移和结果发射，在关闭/超时竞争中用done标志裁决
func (m *Manager) complete(data protocol.FrameResultData, processing time.Duration, done *atomic.Bool) {
	if !done.CompareAndSwap(false, true) {
		// 看门狗已裁定超时，迟到结果直接丢弃
		return
	}

	// 先发结果再置idle，保证结果与后续帧的接收顺序一致；
	// 非Active的迟到结果不被中途取消，但被丢弃
	if m.State() == StateActive {
		m.timeline.RecordResult(data.Success, processing, data.Message)
		if err := m.emitter.Emit(protocol.NewFrameResult(m.id, data)); err != nil {
			m.releaseIdle()
			m.Fatal()
			return
		}
	}
	m.releaseIdle()
}

// releaseIdle busy→idle迁移；若显式关闭正等着在途帧收尾，完成CLOSING→CLOSED
func (m *Manager) releaseIdle() {
	m.inFlight.Store(false)
	if m.casState(StateClosing, StateClosed) {
		m.finishClose()
	}
}

// watchdog 可选的处理超时保护：超时后强制回到idle并上报ProcessingTimeout
func (m *Manager) watchdog(done *atomic.Bool, templateID string) {
	timer := time.NewTimer(m.config.MaxProcessingTime)
	defer timer.Stop()
	<-timer.C

	if !done.CompareAndSwap(false, true) {
		return // 正常完成在先
	}

	if m.State() == StateActive {
		data := protocol.FrameResultData{
			Success: false,
			Message: fmt.Sprintf("Processing timeout after %v", m.config.MaxProcessingTime),
		}
		m.timeline.RecordResult(false, m.config.MaxProcessingTime, data.Message)
		m.emitter.Emit(protocol.NewFrameResult(m.id, data))
	}
	m.releaseIdle()
}

// runPipeline 执行帧处理管线，一切失败都折叠为非致命的单帧错误结果
func (m *Manager) runPipeline(frameData string, tpl template.Template) protocol.FrameResultData {
	img, err := protocol.DecodeFrameData(frameData)
	if err != nil {
		return protocol.FrameResultData{
			Success: false,
			Message: fmt.Sprintf("Invalid frame data: %v", err),
		}
	}

	landmarks, err := m.pipeline.Extractor.Extract(context.Background(), img)
	if err != nil {
		return protocol.FrameResultData{
			Success: false,
			Message: fmt.Sprintf("Pose extraction failed: %v", err),
		}
	}
	if landmarks.Empty() {
		return protocol.FrameResultData{
			Success: false,
			Message: "No pose detected",
		}
	}

	// 测量与渲染互相独立，只读关键点集合，可并行
	var (
		wg         sync.WaitGroup
		measured   measure.Result
		measureErr error
		composite  image.Image
		renderErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		measured, measureErr = m.pipeline.Estimator.Estimate(landmarks)
	}()
	go func() {
		defer wg.Done()
		composite, renderErr = m.pipeline.Renderer.Render(img, landmarks, tpl)
	}()
	wg.Wait()

	if measureErr != nil {
		if errors.Is(measureErr, measure.ErrLowConfidence) {
			// 置信度不过门限：不产出任何测量数值
			return protocol.FrameResultData{
				Success: false,
				Message: fmt.Sprintf("Low landmark confidence: %v", measureErr),
			}
		}
		return protocol.FrameResultData{
			Success: false,
			Message: fmt.Sprintf("Measurement failed: %v", measureErr),
		}
	}
	if renderErr != nil {
		return protocol.FrameResultData{
			Success: false,
			Message: fmt.Sprintf("Overlay rendering failed: %v", renderErr),
		}
	}

	encoded, err := protocol.EncodeFrameData(composite)
	if err != nil {
		return protocol.FrameResultData{
			Success: false,
			Message: fmt.Sprintf("Result encoding failed: %v", err),
		}
	}

	measurements := make(map[string]float64, len(measured.Values)+1)
	for k, v := range measured.Values {
		measurements[k] = v
	}
	measurements["confidence_score"] = measured.Confidence

	return protocol.FrameResultData{
		Success:         true,
		Frame:           encoded,
		Measurements:    measurements,
		MeasurementUnit: measured.Unit,
	}
}

// emitPerFrameError 发出一条非致命的单帧错误结果
func (m *Manager) emitPerFrameError(message string, processing time.Duration) {
	m.timeline.RecordResult(false, processing, message)
	m.emitter.Emit(protocol.NewFrameResult(m.id, protocol.FrameResultData{
		Success: false,
		Message: message,
	}))
}

func (m *Manager) casState(from, to State) bool {
	if m.state.CompareAndSwap(int32(from), int32(to)) {
		m.timeline.RecordStateChange(from.String(), to.String())
		return true
	}
	return false
}

// finishClose 终态收尾，恰好执行一次
func (m *Manager) finishClose() {
	m.closeOnce.Do(func() {
		if m.onClosed != nil {
			m.onClosed(m.id)
		}
	})
}
