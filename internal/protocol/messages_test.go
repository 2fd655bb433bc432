package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"StitcheSenseAR/internal/template"
)

// TestDecodeInboundFrame 测试frame消息的解析与必填校验
func TestDecodeInboundFrame(t *testing.T) {
	msg, err := DecodeInbound([]byte(`{"type":"frame","frame_data":"data:image/jpeg;base64,abcd"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeFrame, msg.Type)
	assert.Equal(t, "data:image/jpeg;base64,abcd", msg.FrameData)
	assert.Nil(t, msg.DressConfig)

	_, err = DecodeInbound([]byte(`{"type":"frame"}`))
	assert.ErrorIs(t, err, ErrMissingFrameData)
}

// TestDecodeInboundFrameWithDressConfig 测试帧内携带裙装配置
func TestDecodeInboundFrameWithDressConfig(t *testing.T) {
	raw := `{"type":"frame","frame_data":"xx","dress_config":{"template_id":"wedding_dress_ball","opacity":0.9}}`
	msg, err := DecodeInbound([]byte(raw))
	require.NoError(t, err)
	require.NotNil(t, msg.DressConfig)
	assert.Equal(t, "wedding_dress_ball", msg.DressConfig.TemplateID)
	require.NotNil(t, msg.DressConfig.Opacity)
	assert.Equal(t, 0.9, *msg.DressConfig.Opacity)
}

// TestDecodeInboundChangeDress 测试change_dress必须携带dress_config
func TestDecodeInboundChangeDress(t *testing.T) {
	msg, err := DecodeInbound([]byte(`{"type":"change_dress","dress_config":{"type":"evening_gown"}}`))
	require.NoError(t, err)
	require.NotNil(t, msg.DressConfig)
	assert.Equal(t, template.EveningGown, msg.DressConfig.Type)

	_, err = DecodeInbound([]byte(`{"type":"change_dress"}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

// TestDecodeInboundControl 测试无负载控制消息
func TestDecodeInboundControl(t *testing.T) {
	for _, typ := range []MessageType{TypeGetSessionInfo, TypePing} {
		msg, err := DecodeInbound([]byte(fmt.Sprintf(`{"type":%q}`, typ)))
		require.NoError(t, err)
		assert.Equal(t, typ, msg.Type)
	}
}

// TestDecodeInboundRejects 测试非法上行消息被拒绝
func TestDecodeInboundRejects(t *testing.T) {
	_, err := DecodeInbound([]byte(`not json at all`))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = DecodeInbound([]byte(`{"type":"teleport"}`))
	assert.ErrorIs(t, err, ErrUnknownMessageType)

	_, err = DecodeInbound([]byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownMessageType)

	oversize := append([]byte(`{"type":"frame","frame_data":"`),
		make([]byte, MaxMessageSize)...)
	_, err = DecodeInbound(oversize)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

// TestOutboundRoundTrip 测试下行消息编码后可被客户端解析
func TestOutboundRoundTrip(t *testing.T) {
	tpl := template.DefaultStore().Default()

	cases := []*Outbound{
		NewSessionEstablished("s1", tpl),
		NewFrameResult("s1", FrameResultData{
			Success:          true,
			Frame:            "data:image/jpeg;base64,abcd",
			Measurements:     map[string]float64{"shoulder_width": 0.24, "confidence_score": 0.9},
			MeasurementUnit:  "normalized",
			ProcessingTimeMs: 12.5,
		}),
		NewDressChanged("s1", tpl),
		NewSessionInfo(SessionInfoData{SessionID: "s1", State: "ACTIVE", FramesAccepted: 3}),
		NewPong("s1"),
		NewError("s1", CodeInvalidTemplate, "unknown dress template"),
	}

	for _, msg := range cases {
		t.Run(string(msg.Type), func(t *testing.T) {
			raw, err := msg.Encode()
			require.NoError(t, err)

			decoded, err := DecodeOutbound(raw)
			require.NoError(t, err)
			assert.Equal(t, msg.Type, decoded.Type)
			assert.Equal(t, "s1", decoded.SessionID)
			assert.NotZero(t, decoded.Timestamp)
		})
	}
}

// TestOutboundFrameResultFields 测试frame_result数据体字段保真
func TestOutboundFrameResultFields(t *testing.T) {
	msg := NewFrameResult("s2", FrameResultData{
		Success:          false,
		Message:          "No pose detected",
		ProcessingTimeMs: 3.2,
	})
	raw, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := DecodeOutbound(raw)
	require.NoError(t, err)
	require.NotNil(t, decoded.Data)
	assert.False(t, decoded.Data.Success)
	assert.Equal(t, "No pose detected", decoded.Data.Message)
	assert.Empty(t, decoded.Data.Frame)
	assert.Nil(t, decoded.Data.Measurements)
	assert.Equal(t, 3.2, decoded.Data.ProcessingTimeMs)
}

// TestDecodeOutboundRejects 测试非法下行消息被拒绝
func TestDecodeOutboundRejects(t *testing.T) {
	_, err := DecodeOutbound([]byte(`{"type":"frame"}`))
	assert.ErrorIs(t, err, ErrUnknownMessageType)

	_, err = DecodeOutbound([]byte(`{broken`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

// TestDressConfigCustomization 测试覆盖项提取保持指针语义
func TestDressConfigCustomization(t *testing.T) {
	opacity := 0.6
	veil := true
	cfg := DressConfig{
		TemplateID:  "x",
		BodiceColor: &template.RGB{R: 1, G: 2, B: 3},
		Opacity:     &opacity,
		IncludeVeil: &veil,
	}

	c := cfg.Customization()
	require.NotNil(t, c.BodiceColor)
	assert.Equal(t, template.RGB{R: 1, G: 2, B: 3}, *c.BodiceColor)
	assert.Equal(t, 0.6, *c.Opacity)
	assert.True(t, *c.IncludeVeil)
	assert.Nil(t, c.SkirtColor)

	var out map[string]json.RawMessage
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &out))
	_, hasSkirt := out["skirt_color"]
	assert.False(t, hasSkirt, "nil overrides stay absent on the wire")
}

// TestFrameDataRoundTrip 测试帧图像编解码闭环
func TestFrameDataRoundTrip(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	encoded, err := EncodeFrameData(img)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "data:image/jpeg;base64,"))

	decoded, err := DecodeFrameData(encoded)
	require.NoError(t, err)
	assert.Equal(t, 32, decoded.Bounds().Dx())
	assert.Equal(t, 24, decoded.Bounds().Dy())

	// 裸base64（无data-URI前缀）同样接受
	bare := strings.TrimPrefix(encoded, "data:image/jpeg;base64,")
	decoded, err = DecodeFrameData(bare)
	require.NoError(t, err)
	assert.Equal(t, 32, decoded.Bounds().Dx())
}

// TestDecodeFrameDataErrors 测试坏帧数据的错误分类
func TestDecodeFrameDataErrors(t *testing.T) {
	_, err := DecodeFrameData("data:image/jpeg;base64,%%%")
	assert.ErrorIs(t, err, ErrFrameDecodeFailed)

	// 合法base64但不是图像
	notImage := base64.StdEncoding.EncodeToString([]byte("definitely not a jpeg"))
	_, err = DecodeFrameData(notImage)
	assert.ErrorIs(t, err, ErrFrameDecodeFailed)

	// 超出单帧字节上限
	huge := base64.StdEncoding.EncodeToString(make([]byte, MaxFramePayload+1))
	_, err = DecodeFrameData(huge)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
