package pose

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func remoteTestFrame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 32, 24))
}

// TestRemoteExtractorSuccess 测试远程推理返回完整关键点集合
func TestRemoteExtractorSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))
		json.NewEncoder(w).Encode(remoteResponse{Found: true, Landmarks: FrontalPose(0.8)})
	}))
	defer srv.Close()

	extractor := NewRemoteExtractor(DefaultRemoteConfig(srv.URL))
	set, err := extractor.Extract(context.Background(), remoteTestFrame())
	require.NoError(t, err)
	require.NoError(t, set.Validate())
	assert.InDelta(t, 0.8, set[Nose].Confidence, 1e-9)
}

// TestRemoteExtractorNoPose 测试未检测到姿态返回空集合而非错误
func TestRemoteExtractorNoPose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(remoteResponse{Found: false, Detail: "no person in frame"})
	}))
	defer srv.Close()

	extractor := NewRemoteExtractor(DefaultRemoteConfig(srv.URL))
	set, err := extractor.Extract(context.Background(), remoteTestFrame())
	require.NoError(t, err)
	assert.True(t, set.Empty())
}

// TestRemoteExtractorPartialResponse 测试缺失关键点的响应被拒绝
func TestRemoteExtractorPartialResponse(t *testing.T) {
	partial := FrontalPose(0.8)
	delete(partial, LeftHip)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(remoteResponse{Found: true, Landmarks: partial})
	}))
	defer srv.Close()

	extractor := NewRemoteExtractor(DefaultRemoteConfig(srv.URL))
	_, err := extractor.Extract(context.Background(), remoteTestFrame())
	assert.ErrorIs(t, err, ErrPartialLandmarkSet)
}

// TestRemoteExtractorServerError 测试非200状态码映射为提取器故障
func TestRemoteExtractorServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	extractor := NewRemoteExtractor(DefaultRemoteConfig(srv.URL))
	_, err := extractor.Extract(context.Background(), remoteTestFrame())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

// TestRemoteExtractorOversizeResponse 测试超出读取上限的响应被截断拒绝
func TestRemoteExtractorOversizeResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"found":true,"detail":"`))
		w.Write(bytes.Repeat([]byte("x"), maxInferenceResponse))
		w.Write([]byte(`"}`))
	}))
	defer srv.Close()

	extractor := NewRemoteExtractor(DefaultRemoteConfig(srv.URL))
	_, err := extractor.Extract(context.Background(), remoteTestFrame())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode inference response")
}
