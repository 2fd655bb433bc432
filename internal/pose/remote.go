package pose

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"time"
)

// maxInferenceResponse 推理响应体读取上限，异常膨胀的响应按解码失败处理
const maxInferenceResponse = 1 << 20 // 1MB

// RemoteConfig 远程推理服务配置
type RemoteConfig struct {
	Endpoint       string        // 推理服务地址
	RequestTimeout time.Duration // 单次推理超时
	JPEGQuality    int           // 上行图像压缩质量 (1-100)
}

// DefaultRemoteConfig 返回默认配置
func DefaultRemoteConfig(endpoint string) *RemoteConfig {
	return &RemoteConfig{
		Endpoint:       endpoint,
		RequestTimeout: 10 * time.Second,
		JPEGQuality:    80,
	}
}

// RemoteExtractor 通过HTTP调用外部姿态推理服务的提取器
// 这是生产部署形态：模型本身是外部协作方，这里只持有它的边界契约
type RemoteExtractor struct {
	config *RemoteConfig
	client *http.Client
}

// NewRemoteExtractor 创建远程提取器
func NewRemoteExtractor(config *RemoteConfig) *RemoteExtractor {
	if config == nil {
		panic("config cannot be nil")
	}
	return &RemoteExtractor{
		config: config,
		client: &http.Client{Timeout: config.RequestTimeout},
	}
}

// remoteResponse 推理服务响应体
type remoteResponse struct {
	Found     bool                      `json:"found"`
	Landmarks map[LandmarkName]Landmark `json:"landmarks"`
	Detail    string                    `json:"detail,omitempty"`
}

// Extract 实现Extractor接口：编码帧 → POST → 解析关键点
func (e *RemoteExtractor) Extract(ctx context.Context, frame image.Image) (LandmarkSet, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: e.config.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode frame failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("build inference request failed: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference service returned status %d", resp.StatusCode)
	}

	var body remoteResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxInferenceResponse)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode inference response failed: %w", err)
	}

	if !body.Found {
		return LandmarkSet{}, nil
	}

	set := LandmarkSet(body.Landmarks)
	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("inference response invalid: %w", err)
	}
	return set, nil
}
