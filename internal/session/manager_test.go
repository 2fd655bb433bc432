package session

import (
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"StitcheSenseAR/internal/measure"
	"StitcheSenseAR/internal/overlay"
	"StitcheSenseAR/internal/pose"
	"StitcheSenseAR/internal/protocol"
	"StitcheSenseAR/internal/record"
	"StitcheSenseAR/internal/template"
)

// captureEmitter 收集下行消息的测试发射器
type captureEmitter struct {
	mu   sync.Mutex
	msgs []*protocol.Outbound
}

func (e *captureEmitter) Emit(msg *protocol.Outbound) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgs = append(e.msgs, msg)
	return nil
}

func (e *captureEmitter) byType(t protocol.MessageType) []*protocol.Outbound {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*protocol.Outbound
	for _, m := range e.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (e *captureEmitter) countOf(t protocol.MessageType) int {
	return len(e.byType(t))
}

// newTestPipeline 构建带静态姿态提取器的测试管线
func newTestPipeline(confidence float64) (Pipeline, *pose.StaticExtractor) {
	extractor := pose.NewStaticExtractor()
	extractor.SetResult(pose.FrontalPose(confidence))
	return Pipeline{
		Extractor: extractor,
		Estimator: measure.NewEstimator(measure.Config{
			MinLandmarkConfidence: measure.DefaultMinLandmarkConfidence,
		}),
		Renderer: overlay.NewRenderer(),
	}, extractor
}

func newTestRegistry(t *testing.T, pipeline Pipeline) *Registry {
	t.Helper()
	return NewRegistry(template.DefaultStore(), pipeline, Config{})
}

// encodedFrame 生成一帧合法的编码图像数据
func encodedFrame(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 200, G: 200, B: 200, A: 255})
		}
	}
	data, err := protocol.EncodeFrameData(img)
	require.NoError(t, err)
	return data
}

// startActiveSession 创建并激活一个会话
func startActiveSession(t *testing.T, r *Registry, id string) (*Manager, *captureEmitter) {
	t.Helper()
	emitter := &captureEmitter{}
	mgr, err := r.Start(id, "", emitter)
	require.NoError(t, err)
	require.Equal(t, StateConnecting, mgr.State())
	require.NoError(t, mgr.Activate())
	require.Equal(t, StateActive, mgr.State())
	return mgr, emitter
}

// TestSessionLifecycle 测试会话完整生命周期：建立、处理一帧、关闭
func TestSessionLifecycle(t *testing.T) {
	pipeline, _ := newTestPipeline(0.9)
	registry := newTestRegistry(t, pipeline)

	mgr, emitter := startActiveSession(t, registry, "session-1")
	assert.Equal(t, 1, emitter.countOf(protocol.TypeSessionEstablished))

	require.NoError(t, mgr.SubmitFrame(encodedFrame(t), nil))
	require.Eventually(t, func() bool {
		return emitter.countOf(protocol.TypeFrameResult) == 1
	}, 5*time.Second, 10*time.Millisecond, "should emit exactly one frame result")

	results := emitter.byType(protocol.TypeFrameResult)
	require.NotNil(t, results[0].Data)
	assert.True(t, results[0].Data.Success)
	assert.NotEmpty(t, results[0].Data.Frame)
	assert.Contains(t, results[0].Data.Measurements, "shoulder_width")
	assert.Contains(t, results[0].Data.Measurements, "confidence_score")
	assert.Equal(t, "normalized", results[0].Data.MeasurementUnit)

	mgr.Close()
	mgr.Wait()
	assert.Equal(t, StateClosed, mgr.State())

	// 终态后从注册表摘除
	_, err := registry.Get("session-1")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

// TestDropOnBusy 测试单帧在途时后续帧被丢弃
func TestDropOnBusy(t *testing.T) {
	pipeline, extractor := newTestPipeline(0.9)
	extractor.SetDelay(200 * time.Millisecond)
	registry := newTestRegistry(t, pipeline)

	mgr, emitter := startActiveSession(t, registry, "session-busy")
	frame := encodedFrame(t)

	require.NoError(t, mgr.SubmitFrame(frame, nil))
	// 在途期间提交的帧静默丢弃，不产生任何响应
	require.NoError(t, mgr.SubmitFrame(frame, nil))
	require.NoError(t, mgr.SubmitFrame(frame, nil))

	require.Eventually(t, func() bool {
		return emitter.countOf(protocol.TypeFrameResult) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// 稳定后不再出现迟到结果
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, emitter.countOf(protocol.TypeFrameResult))

	stats := mgr.Timeline().Stats()
	assert.Equal(t, uint64(1), stats.FramesAccepted)
	assert.Equal(t, uint64(2), stats.FramesDropped)

	mgr.Close()
	mgr.Wait()
}

// TestTemplateSwitchAppliesToNextFrame 测试换装在下一帧生效，不影响在途帧
func TestTemplateSwitchAppliesToNextFrame(t *testing.T) {
	pipeline, extractor := newTestPipeline(0.9)
	extractor.SetDelay(150 * time.Millisecond)
	registry := newTestRegistry(t, pipeline)

	mgr, emitter := startActiveSession(t, registry, "session-switch")
	frame := encodedFrame(t)
	defaultID := mgr.SelectedTemplate().ID

	require.NoError(t, mgr.SubmitFrame(frame, nil))

	// 在途期间换装：立即更新selected并发出确认，但不打断当前帧
	require.NoError(t, mgr.SelectTemplate(protocol.DressConfig{TemplateID: "wedding_dress_ball"}))
	assert.Equal(t, "wedding_dress_ball", mgr.SelectedTemplate().ID)
	assert.Equal(t, 1, emitter.countOf(protocol.TypeDressChanged))

	require.Eventually(t, func() bool {
		return emitter.countOf(protocol.TypeFrameResult) == 1
	}, 5*time.Second, 10*time.Millisecond)

	extractor.SetDelay(0)
	require.NoError(t, mgr.SubmitFrame(frame, nil))
	require.Eventually(t, func() bool {
		return emitter.countOf(protocol.TypeFrameResult) == 2
	}, 5*time.Second, 10*time.Millisecond)

	// 时间线记录了每帧调度时刻的模板快照
	var acceptedTemplates []string
	for _, ev := range mgr.Timeline().Events() {
		if ev.Type == record.EventFrameAccepted {
			acceptedTemplates = append(acceptedTemplates, ev.Template)
		}
	}
	require.Len(t, acceptedTemplates, 2)
	assert.Equal(t, defaultID, acceptedTemplates[0], "in-flight frame keeps the template captured at accept time")
	assert.Equal(t, "wedding_dress_ball", acceptedTemplates[1], "next frame uses the new template")

	mgr.Close()
	mgr.Wait()
}

// TestFrameCarriedDressConfig 测试帧内携带的裙装配置先切换再处理本帧
func TestFrameCarriedDressConfig(t *testing.T) {
	pipeline, _ := newTestPipeline(0.9)
	registry := newTestRegistry(t, pipeline)

	mgr, emitter := startActiveSession(t, registry, "session-framecfg")

	cfg := &protocol.DressConfig{TemplateID: "cocktail_dress_black"}
	require.NoError(t, mgr.SubmitFrame(encodedFrame(t), cfg))

	require.Eventually(t, func() bool {
		return emitter.countOf(protocol.TypeFrameResult) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, "cocktail_dress_black", mgr.SelectedTemplate().ID)

	events := mgr.Timeline().Events()
	var accepted string
	for _, ev := range events {
		if ev.Type == record.EventFrameAccepted {
			accepted = ev.Template
		}
	}
	assert.Equal(t, "cocktail_dress_black", accepted)

	mgr.Close()
	mgr.Wait()
}

// TestCloseIdempotent 测试重复关闭是空操作
func TestCloseIdempotent(t *testing.T) {
	pipeline, _ := newTestPipeline(0.9)
	registry := newTestRegistry(t, pipeline)

	mgr, _ := startActiveSession(t, registry, "session-close")

	mgr.Close()
	mgr.Wait()
	require.Equal(t, StateClosed, mgr.State())

	// 再次关闭不改变状态、不panic
	mgr.Close()
	assert.Equal(t, StateClosed, mgr.State())

	// 对未知会话的关闭同样是空操作
	registry.Close("never-existed")
}

// TestCloseDiscardsInFlightResult 测试关闭后在途帧完成但结果被丢弃
func TestCloseDiscardsInFlightResult(t *testing.T) {
	pipeline, extractor := newTestPipeline(0.9)
	extractor.SetDelay(200 * time.Millisecond)
	registry := newTestRegistry(t, pipeline)

	mgr, emitter := startActiveSession(t, registry, "session-discard")

	require.NoError(t, mgr.SubmitFrame(encodedFrame(t), nil))
	mgr.Close()
	assert.Equal(t, StateClosing, mgr.State(), "close with frame in flight enters CLOSING")

	mgr.Wait()
	require.Eventually(t, func() bool {
		return mgr.State() == StateClosed
	}, 5*time.Second, 10*time.Millisecond)

	// 在途帧不被取消，但其结果永不发出
	assert.Equal(t, 0, emitter.countOf(protocol.TypeFrameResult))
}

// TestSubmitAfterCloseDropped 测试关闭后的帧提交被静默丢弃
func TestSubmitAfterCloseDropped(t *testing.T) {
	pipeline, _ := newTestPipeline(0.9)
	registry := newTestRegistry(t, pipeline)

	mgr, emitter := startActiveSession(t, registry, "session-late")
	mgr.Close()
	mgr.Wait()

	require.NoError(t, mgr.SubmitFrame(encodedFrame(t), nil))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, emitter.countOf(protocol.TypeFrameResult))
}

// TestDecodeErrorThenRecovery 测试坏帧产生非致命错误，会话继续服务
func TestDecodeErrorThenRecovery(t *testing.T) {
	pipeline, _ := newTestPipeline(0.9)
	registry := newTestRegistry(t, pipeline)

	mgr, emitter := startActiveSession(t, registry, "session-badframe")

	require.NoError(t, mgr.SubmitFrame("data:image/jpeg;base64,%%%not-base64%%%", nil))
	require.Eventually(t, func() bool {
		return emitter.countOf(protocol.TypeFrameResult) == 1
	}, 5*time.Second, 10*time.Millisecond)

	results := emitter.byType(protocol.TypeFrameResult)
	require.NotNil(t, results[0].Data)
	assert.False(t, results[0].Data.Success)
	assert.Contains(t, results[0].Data.Message, "Invalid frame data")
	assert.Equal(t, StateActive, mgr.State(), "per-frame error keeps session active")

	// 坏帧之后正常帧照常处理
	require.NoError(t, mgr.SubmitFrame(encodedFrame(t), nil))
	require.Eventually(t, func() bool {
		results := emitter.byType(protocol.TypeFrameResult)
		return len(results) == 2 && results[1].Data != nil && results[1].Data.Success
	}, 5*time.Second, 10*time.Millisecond)

	mgr.Close()
	mgr.Wait()
}

// TestNoPoseDetected 测试空关键点集产生无姿态结果
func TestNoPoseDetected(t *testing.T) {
	pipeline, extractor := newTestPipeline(0.9)
	extractor.SetResult(pose.LandmarkSet{})
	registry := newTestRegistry(t, pipeline)

	mgr, emitter := startActiveSession(t, registry, "session-nopose")

	require.NoError(t, mgr.SubmitFrame(encodedFrame(t), nil))
	require.Eventually(t, func() bool {
		return emitter.countOf(protocol.TypeFrameResult) == 1
	}, 5*time.Second, 10*time.Millisecond)

	results := emitter.byType(protocol.TypeFrameResult)
	assert.False(t, results[0].Data.Success)
	assert.Contains(t, results[0].Data.Message, "No pose detected")
	assert.Empty(t, results[0].Data.Measurements, "no measurements without a pose")

	mgr.Close()
	mgr.Wait()
}

// TestLowConfidenceGating 测试低置信度关键点不产出测量数值
func TestLowConfidenceGating(t *testing.T) {
	pipeline, extractor := newTestPipeline(0.9)
	extractor.SetResult(pose.FrontalPose(0.1))
	registry := newTestRegistry(t, pipeline)

	mgr, emitter := startActiveSession(t, registry, "session-lowconf")

	require.NoError(t, mgr.SubmitFrame(encodedFrame(t), nil))
	require.Eventually(t, func() bool {
		return emitter.countOf(protocol.TypeFrameResult) == 1
	}, 5*time.Second, 10*time.Millisecond)

	results := emitter.byType(protocol.TypeFrameResult)
	assert.False(t, results[0].Data.Success)
	assert.Contains(t, results[0].Data.Message, "confidence")
	assert.Empty(t, results[0].Data.Measurements)
	assert.Equal(t, StateActive, mgr.State())

	mgr.Close()
	mgr.Wait()
}

// TestInvalidTemplateSelect 测试换装到未知模板返回错误且会话不受影响
func TestInvalidTemplateSelect(t *testing.T) {
	pipeline, _ := newTestPipeline(0.9)
	registry := newTestRegistry(t, pipeline)

	mgr, _ := startActiveSession(t, registry, "session-badtpl")
	before := mgr.SelectedTemplate().ID

	err := mgr.SelectTemplate(protocol.DressConfig{TemplateID: "no-such-template"})
	require.ErrorIs(t, err, ErrInvalidTemplate)
	assert.Equal(t, before, mgr.SelectedTemplate().ID)
	assert.Equal(t, StateActive, mgr.State())

	mgr.Close()
	mgr.Wait()
}

// TestDuplicateSession 测试同ID会话重复创建被拒绝
func TestDuplicateSession(t *testing.T) {
	pipeline, _ := newTestPipeline(0.9)
	registry := newTestRegistry(t, pipeline)

	_, err := registry.Start("dup", "", &captureEmitter{})
	require.NoError(t, err)

	_, err = registry.Start("dup", "", &captureEmitter{})
	assert.ErrorIs(t, err, ErrDuplicateSession)
	assert.Equal(t, 1, registry.Count())

	registry.Close("dup")
}

// TestInvalidInitialTemplate 测试未知初始模板拒绝建会话
func TestInvalidInitialTemplate(t *testing.T) {
	pipeline, _ := newTestPipeline(0.9)
	registry := newTestRegistry(t, pipeline)

	_, err := registry.Start("bad-initial", "no-such-template", &captureEmitter{})
	assert.ErrorIs(t, err, ErrInvalidTemplate)
	assert.Equal(t, 0, registry.Count())
}

// TestProcessingTimeoutWatchdog 测试看门狗超时后强制回到idle并上报
func TestProcessingTimeoutWatchdog(t *testing.T) {
	pipeline, extractor := newTestPipeline(0.9)
	extractor.SetDelay(500 * time.Millisecond)
	registry := NewRegistry(template.DefaultStore(), pipeline, Config{
		MaxProcessingTime: 50 * time.Millisecond,
	})

	mgr, emitter := startActiveSession(t, registry, "session-watchdog")

	require.NoError(t, mgr.SubmitFrame(encodedFrame(t), nil))
	require.Eventually(t, func() bool {
		return emitter.countOf(protocol.TypeFrameResult) == 1
	}, 5*time.Second, 10*time.Millisecond)

	results := emitter.byType(protocol.TypeFrameResult)
	assert.False(t, results[0].Data.Success)
	assert.Contains(t, results[0].Data.Message, "timeout")

	// 超时后会话回到idle，可继续收帧
	extractor.SetDelay(0)
	require.NoError(t, mgr.SubmitFrame(encodedFrame(t), nil))
	require.Eventually(t, func() bool {
		results := emitter.byType(protocol.TypeFrameResult)
		return len(results) == 2 && results[1].Data.Success
	}, 5*time.Second, 10*time.Millisecond)

	mgr.Close()
	mgr.Wait()
}

// gatedEmitter 在frame_result发射时阻塞，直到测试放行
type gatedEmitter struct {
	captureEmitter
	entered chan struct{}
	release chan struct{}
}

func (e *gatedEmitter) Emit(msg *protocol.Outbound) error {
	if msg.Type == protocol.TypeFrameResult {
		e.entered <- struct{}{}
		<-e.release
	}
	return e.captureEmitter.Emit(msg)
}

// TestCloseDuringResultEmit 测试结果发射期间收到的关闭最终到达CLOSED并摘除注册
func TestCloseDuringResultEmit(t *testing.T) {
	pipeline, _ := newTestPipeline(0.9)
	registry := newTestRegistry(t, pipeline)

	emitter := &gatedEmitter{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	mgr, err := registry.Start("session-emit-race", "", emitter)
	require.NoError(t, err)
	require.NoError(t, mgr.Activate())

	require.NoError(t, mgr.SubmitFrame(encodedFrame(t), nil))

	// 等到结果发射已经开始，此时关闭进入CLOSING并等待在途帧收尾
	select {
	case <-emitter.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("frame result emission never started")
	}
	mgr.Close()
	assert.Equal(t, StateClosing, mgr.State())

	close(emitter.release)
	mgr.Wait()

	require.Eventually(t, func() bool {
		return mgr.State() == StateClosed
	}, 5*time.Second, 10*time.Millisecond, "session reaches CLOSED after the in-flight emit returns")

	_, err = registry.Get("session-emit-race")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

// TestBusyFrameConfigDiscarded 测试busy期间丢弃的帧不产生任何副作用
func TestBusyFrameConfigDiscarded(t *testing.T) {
	pipeline, extractor := newTestPipeline(0.9)
	extractor.SetDelay(300 * time.Millisecond)
	registry := newTestRegistry(t, pipeline)

	mgr, emitter := startActiveSession(t, registry, "session-busycfg")
	frame := encodedFrame(t)
	before := mgr.SelectedTemplate().ID

	require.NoError(t, mgr.SubmitFrame(frame, nil))

	// busy期间：合法配置不得改变selected，非法配置不得产生错误结果
	require.NoError(t, mgr.SubmitFrame(frame, &protocol.DressConfig{TemplateID: "wedding_dress_ball"}))
	require.NoError(t, mgr.SubmitFrame(frame, &protocol.DressConfig{TemplateID: "no-such-dress"}))
	assert.Equal(t, before, mgr.SelectedTemplate().ID, "dropped frame must not change the selected template")
	assert.Equal(t, 0, emitter.countOf(protocol.TypeFrameResult), "dropped frame must not produce any response")

	require.Eventually(t, func() bool {
		return emitter.countOf(protocol.TypeFrameResult) == 1
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, emitter.countOf(protocol.TypeFrameResult), "exactly one result for one accepted frame")
	assert.Equal(t, before, mgr.SelectedTemplate().ID)

	stats := mgr.Timeline().Stats()
	assert.Equal(t, uint64(1), stats.FramesAccepted)
	assert.Equal(t, uint64(2), stats.FramesDropped)

	mgr.Close()
	mgr.Wait()
}

// TestInvalidFrameConfigWhenIdle 测试空闲时帧内非法配置按单帧失败结果处理
func TestInvalidFrameConfigWhenIdle(t *testing.T) {
	pipeline, _ := newTestPipeline(0.9)
	registry := newTestRegistry(t, pipeline)

	mgr, emitter := startActiveSession(t, registry, "session-idlebadcfg")
	before := mgr.SelectedTemplate().ID

	require.NoError(t, mgr.SubmitFrame(encodedFrame(t), &protocol.DressConfig{TemplateID: "no-such-dress"}))
	require.Eventually(t, func() bool {
		return emitter.countOf(protocol.TypeFrameResult) == 1
	}, 5*time.Second, 10*time.Millisecond)

	results := emitter.byType(protocol.TypeFrameResult)
	assert.False(t, results[0].Data.Success)
	assert.Contains(t, results[0].Data.Message, "Invalid dress config")
	assert.Equal(t, before, mgr.SelectedTemplate().ID)
	assert.Equal(t, StateActive, mgr.State())

	// 每个结果都对应一次idle→busy迁移
	stats := mgr.Timeline().Stats()
	assert.Equal(t, uint64(1), stats.FramesAccepted)
	assert.Equal(t, stats.FramesAccepted, stats.ResultsEmitted)

	// 之后正常帧照常处理
	require.NoError(t, mgr.SubmitFrame(encodedFrame(t), nil))
	require.Eventually(t, func() bool {
		r := emitter.byType(protocol.TypeFrameResult)
		return len(r) == 2 && r[1].Data.Success
	}, 5*time.Second, 10*time.Millisecond)

	mgr.Close()
	mgr.Wait()
}
