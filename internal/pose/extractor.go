package pose

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"
)

var ErrPartialLandmarkSet = errors.New("partial landmark set")

// Extractor 姿态关键点提取器契约
// 输入一帧图像，输出完整关键点集合；未检测到姿态时返回空集合而非错误
// 错误仅用于提取器自身故障（推理服务不可达等）
type Extractor interface {
	Extract(ctx context.Context, frame image.Image) (LandmarkSet, error)
}

// StaticExtractor 返回预设结果的提取器，用于演示模式和测试
// Delay可模拟慢速推理，Err可模拟提取器故障
type StaticExtractor struct {
	mu    sync.RWMutex
	set   LandmarkSet
	delay time.Duration
	err   error
}

// NewStaticExtractor 创建静态提取器，初始结果为正面站姿
func NewStaticExtractor() *StaticExtractor {
	return &StaticExtractor{set: FrontalPose(0.9)}
}

// SetResult 设置后续Extract调用返回的关键点集合
func (e *StaticExtractor) SetResult(set LandmarkSet) {
	e.mu.Lock()
	e.set = set.Clone()
	e.mu.Unlock()
}

// SetDelay 设置每次Extract的模拟处理耗时
func (e *StaticExtractor) SetDelay(d time.Duration) {
	e.mu.Lock()
	e.delay = d
	e.mu.Unlock()
}

// SetError 设置后续Extract调用返回的错误
func (e *StaticExtractor) SetError(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

// Extract 实现Extractor接口
func (e *StaticExtractor) Extract(ctx context.Context, _ image.Image) (LandmarkSet, error) {
	e.mu.RLock()
	set, delay, err := e.set.Clone(), e.delay, e.err
	e.mu.RUnlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return set, nil
}

// FrontalPose 构造一个正面清晰站姿的关键点集合，所有点使用同一置信度
// 坐标为归一化图像空间，人物大致居中
func FrontalPose(confidence float64) LandmarkSet {
	return LandmarkSet{
		Nose:          {X: 0.50, Y: 0.10, Confidence: confidence},
		LeftShoulder:  {X: 0.38, Y: 0.25, Confidence: confidence},
		RightShoulder: {X: 0.62, Y: 0.25, Confidence: confidence},
		LeftElbow:     {X: 0.33, Y: 0.40, Confidence: confidence},
		RightElbow:    {X: 0.67, Y: 0.40, Confidence: confidence},
		LeftWrist:     {X: 0.30, Y: 0.54, Confidence: confidence},
		RightWrist:    {X: 0.70, Y: 0.54, Confidence: confidence},
		LeftHip:       {X: 0.42, Y: 0.55, Confidence: confidence},
		RightHip:      {X: 0.58, Y: 0.55, Confidence: confidence},
		LeftKnee:      {X: 0.42, Y: 0.75, Confidence: confidence},
		RightKnee:     {X: 0.58, Y: 0.75, Confidence: confidence},
		LeftAnkle:     {X: 0.42, Y: 0.93, Confidence: confidence},
		RightAnkle:    {X: 0.58, Y: 0.93, Confidence: confidence},
	}
}
