package measure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"StitcheSenseAR/internal/pose"
)

// TestEstimateFrontalPose 测试标准正面姿态产出完整测量项
func TestEstimateFrontalPose(t *testing.T) {
	estimator := NewEstimator(DefaultConfig())

	result, err := estimator.Estimate(pose.FrontalPose(0.9))
	require.NoError(t, err)

	for _, name := range []string{
		ShoulderWidth, TorsoLength, HipWidth, ArmLength,
		BustEstimate, WaistEstimate, HipEstimate,
	} {
		v, ok := result.Values[name]
		assert.True(t, ok, "missing measurement %s", name)
		assert.GreaterOrEqual(t, v, 0.0, "%s must be non-negative", name)
	}
	assert.InDelta(t, 0.9, result.Confidence, 1e-9)
	assert.Equal(t, "normalized", result.Unit)
	assert.False(t, result.Calibrated)
}

// TestEstimateDeterministic 测试相同输入产生相同输出
func TestEstimateDeterministic(t *testing.T) {
	estimator := NewEstimator(DefaultConfig())
	ls := pose.FrontalPose(0.8)

	first, err := estimator.Estimate(ls)
	require.NoError(t, err)
	second, err := estimator.Estimate(ls)
	require.NoError(t, err)

	require.Len(t, second.Values, len(first.Values))
	for name, v := range first.Values {
		assert.Equal(t, v, second.Values[name], "measurement %s must be deterministic", name)
	}
	assert.Equal(t, first.Confidence, second.Confidence)
}

// TestEstimateEmptyLandmarks 测试空集合返回专用错误
func TestEstimateEmptyLandmarks(t *testing.T) {
	estimator := NewEstimator(DefaultConfig())

	_, err := estimator.Estimate(pose.LandmarkSet{})
	assert.ErrorIs(t, err, ErrEmptyLandmarks)

	_, err = estimator.Estimate(nil)
	assert.ErrorIs(t, err, ErrEmptyLandmarks)
}

// TestEstimatePartialLandmarks 测试缺失关键点的集合被拒绝
func TestEstimatePartialLandmarks(t *testing.T) {
	estimator := NewEstimator(DefaultConfig())

	ls := pose.FrontalPose(0.9)
	delete(ls, pose.LeftHip)

	_, err := estimator.Estimate(ls)
	assert.ErrorIs(t, err, pose.ErrPartialLandmarkSet)
}

// TestEstimateLowConfidence 测试低置信度不产出数值
func TestEstimateLowConfidence(t *testing.T) {
	estimator := NewEstimator(DefaultConfig())

	result, err := estimator.Estimate(pose.FrontalPose(0.2))
	assert.ErrorIs(t, err, ErrLowConfidence)
	assert.Nil(t, result.Values, "no values below the confidence threshold")
}

// TestEstimateConfidenceIsMinimum 测试聚合置信度取参与关键点的最小值
func TestEstimateConfidenceIsMinimum(t *testing.T) {
	estimator := NewEstimator(DefaultConfig())

	ls := pose.FrontalPose(0.9)
	lm := ls[pose.LeftWrist]
	lm.Confidence = 0.4
	ls[pose.LeftWrist] = lm

	result, err := estimator.Estimate(ls)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, result.Confidence, 1e-9)
}

// TestEstimateThresholdBoundary 测试恰好等于门限的置信度被接受
func TestEstimateThresholdBoundary(t *testing.T) {
	estimator := NewEstimator(Config{MinLandmarkConfidence: 0.3})

	_, err := estimator.Estimate(pose.FrontalPose(0.3))
	assert.NoError(t, err, "confidence equal to the threshold passes")

	_, err = estimator.Estimate(pose.FrontalPose(0.29))
	assert.ErrorIs(t, err, ErrLowConfidence)
}

// TestEstimateCalibration 测试参考身高把归一化值换算到厘米
func TestEstimateCalibration(t *testing.T) {
	plain := NewEstimator(DefaultConfig())
	calibrated := NewEstimator(Config{
		MinLandmarkConfidence: DefaultMinLandmarkConfidence,
		ReferenceHeightCm:     170,
	})

	ls := pose.FrontalPose(0.9)
	base, err := plain.Estimate(ls)
	require.NoError(t, err)
	scaled, err := calibrated.Estimate(ls)
	require.NoError(t, err)

	assert.Equal(t, "cm", scaled.Unit)
	assert.True(t, scaled.Calibrated)

	// 所有测量项按同一比例缩放
	ratio := scaled.Values[ShoulderWidth] / base.Values[ShoulderWidth]
	require.Greater(t, ratio, 1.0, "cm values exceed normalized values for a 170cm reference")
	for name := range base.Values {
		if base.Values[name] == 0 {
			continue
		}
		assert.InDelta(t, ratio, scaled.Values[name]/base.Values[name], 1e-9,
			"measurement %s scales uniformly", name)
	}
}

// TestEstimateZeroConfidenceConfig 测试零值配置回落到默认门限
func TestEstimateZeroConfidenceConfig(t *testing.T) {
	estimator := NewEstimator(Config{})

	_, err := estimator.Estimate(pose.FrontalPose(0.2))
	assert.ErrorIs(t, err, ErrLowConfidence)

	_, err = estimator.Estimate(pose.FrontalPose(0.5))
	assert.NoError(t, err)
}
