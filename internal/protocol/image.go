package protocol

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // 注册PNG解码器，前端截帧可能是PNG
	"strings"
)

var (
	ErrFrameDecodeFailed = errors.New("frame decode failed")
	ErrFrameTooLarge     = errors.New("frame payload too large")
)

const (
	// MaxFramePayload 单帧解码前的原始字节上限
	MaxFramePayload = 3 * 1024 * 1024 // 3MB

	// frameDataPrefix 下行合成图像的data-URI前缀
	frameDataPrefix = "data:image/jpeg;base64,"

	// resultJPEGQuality 合成图像回传压缩质量
	resultJPEGQuality = 80
)

// DecodeFrameData 解码上行帧数据
// 接受带data-URI前缀（data:image/jpeg;base64,...）或裸base64两种形式
func DecodeFrameData(frameData string) (image.Image, error) {
	payload := frameData
	if idx := strings.IndexByte(frameData, ','); idx >= 0 && strings.HasPrefix(frameData, "data:") {
		payload = frameData[idx+1:]
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrFrameDecodeFailed, err)
	}
	if len(raw) > MaxFramePayload {
		return nil, ErrFrameTooLarge
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameDecodeFailed, err)
	}
	return img, nil
}

// EncodeFrameData 把合成图像编码为带MIME前缀的base64字符串
func EncodeFrameData(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: resultJPEGQuality}); err != nil {
		return "", fmt.Errorf("encode result frame failed: %w", err)
	}
	return frameDataPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
