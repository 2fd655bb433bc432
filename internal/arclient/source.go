package arclient

import (
	"image"
	"image/color"
	"sync"

	"StitcheSenseAR/internal/protocol"
)

// SyntheticSource 合成帧源：生成纯色背景帧，演示和测试用
type SyntheticSource struct {
	mu      sync.Mutex
	width   int
	height  int
	counter uint64
	encoded string
}

// NewSyntheticSource 创建指定尺寸的合成帧源
func NewSyntheticSource(width, height int) *SyntheticSource {
	return &SyntheticSource{width: width, height: height}
}

// NextFrame 返回一帧编码好的图像数据
// 同尺寸帧只编码一次，后续调用复用缓存
func (s *SyntheticSource) NextFrame() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	if s.encoded != "" {
		return s.encoded, nil
	}

	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	bg := color.RGBA{R: 230, G: 225, B: 218, A: 255}
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			img.SetRGBA(x, y, bg)
		}
	}

	encoded, err := protocol.EncodeFrameData(img)
	if err != nil {
		return "", err
	}
	s.encoded = encoded
	return encoded, nil
}

// FrameCount 已产出的帧数
func (s *SyntheticSource) FrameCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}
