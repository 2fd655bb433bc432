package measure

import (
	"errors"
	"fmt"
	"math"

	"StitcheSenseAR/internal/pose"
)

var (
	ErrEmptyLandmarks = errors.New("empty landmark set")
	ErrLowConfidence  = errors.New("landmark confidence below threshold")
)

// 测量项名称，出现在结果映射和下行消息中
const (
	ShoulderWidth = "shoulder_width"
	TorsoLength   = "torso_length"
	HipWidth      = "hip_width"
	ArmLength     = "arm_length"
	BustEstimate  = "bust_circumference"
	WaistEstimate = "waist_circumference"
	HipEstimate   = "hip_circumference"
)

const (
	// DefaultMinLandmarkConfidence 参与测量的关键点最低置信度
	// 任一所需关键点低于该值时不产出测量，只返回状态
	DefaultMinLandmarkConfidence = 0.3

	// 宽度到周长的近似换算系数：把正面投影宽度近似为椭圆截面的长轴
	// 粗略估计，不能替代真实量体
	circumferenceFactor = math.Pi * 0.85

	// 腰宽近似为肩宽与胯宽均值再收窄
	waistNarrowing = 0.85
)

// Config 估计器配置
type Config struct {
	// MinLandmarkConfidence 置信度门限，零值回落到默认值
	MinLandmarkConfidence float64
	// ReferenceHeightCm 参考身高（cm），用于把归一化距离换算到厘米
	// 为0时输出保持归一化单位并标记为未标定
	ReferenceHeightCm float64
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{MinLandmarkConfidence: DefaultMinLandmarkConfidence}
}

// Result 一帧的身体测量结果
type Result struct {
	// Values 测量名到数值的映射，数值非负
	Values map[string]float64 `json:"values"`
	// Confidence 聚合置信度：取所有参与计算关键点置信度的最小值
	// 选最小值而非均值：整体可信度不应高于最差的关键点
	Confidence float64 `json:"confidence"`
	// Unit "cm"（已标定）或 "normalized"（未标定）
	Unit string `json:"unit"`
	// Calibrated 是否经过参考身高标定
	Calibrated bool `json:"calibrated"`
}

// Estimator 把关键点集合转换为身体测量值
// Estimate是纯函数：相同输入必然产生相同输出
type Estimator struct {
	config Config
}

// NewEstimator 创建估计器
func NewEstimator(config Config) *Estimator {
	if config.MinLandmarkConfidence <= 0 {
		config.MinLandmarkConfidence = DefaultMinLandmarkConfidence
	}
	return &Estimator{config: config}
}

// usedLandmarks 参与测量计算的关键点
var usedLandmarks = []pose.LandmarkName{
	pose.LeftShoulder, pose.RightShoulder,
	pose.LeftElbow, pose.LeftWrist,
	pose.RightElbow, pose.RightWrist,
	pose.LeftHip, pose.RightHip,
}

// Estimate 从非空关键点集合计算测量结果
// 置信度低于门限时返回ErrLowConfidence，不产出任何数值
func (e *Estimator) Estimate(ls pose.LandmarkSet) (Result, error) {
	if ls.Empty() {
		return Result{}, ErrEmptyLandmarks
	}
	if err := ls.Validate(); err != nil {
		return Result{}, err
	}

	confidence := ls.MinConfidence(usedLandmarks...)
	if confidence < e.config.MinLandmarkConfidence {
		return Result{}, fmt.Errorf("%w: %.2f < %.2f",
			ErrLowConfidence, confidence, e.config.MinLandmarkConfidence)
	}

	shoulderWidth := distance(ls[pose.LeftShoulder], ls[pose.RightShoulder])
	hipWidth := distance(ls[pose.LeftHip], ls[pose.RightHip])

	shoulderMid := midpoint(ls[pose.LeftShoulder], ls[pose.RightShoulder])
	hipMid := midpoint(ls[pose.LeftHip], ls[pose.RightHip])
	torsoLength := math.Abs(hipMid.Y - shoulderMid.Y)

	// 臂长取左右两侧 肩→肘→腕 链长的均值
	leftArm := distance(ls[pose.LeftShoulder], ls[pose.LeftElbow]) +
		distance(ls[pose.LeftElbow], ls[pose.LeftWrist])
	rightArm := distance(ls[pose.RightShoulder], ls[pose.RightElbow]) +
		distance(ls[pose.RightElbow], ls[pose.RightWrist])
	armLength := (leftArm + rightArm) / 2

	waistWidth := (shoulderWidth + hipWidth) / 2 * waistNarrowing

	values := map[string]float64{
		ShoulderWidth: shoulderWidth,
		TorsoLength:   torsoLength,
		HipWidth:      hipWidth,
		ArmLength:     armLength,
		BustEstimate:  shoulderWidth * circumferenceFactor,
		WaistEstimate: waistWidth * circumferenceFactor,
		HipEstimate:   hipWidth * circumferenceFactor,
	}

	result := Result{
		Values:     values,
		Confidence: confidence,
		Unit:       "normalized",
	}

	// 标定：用 鼻尖→脚踝中点 的竖直距离近似人体在画面中的身高占比
	if e.config.ReferenceHeightCm > 0 {
		ankleMid := midpoint(ls[pose.LeftAnkle], ls[pose.RightAnkle])
		bodySpan := math.Abs(ankleMid.Y - ls[pose.Nose].Y)
		if bodySpan > 0 {
			scale := e.config.ReferenceHeightCm / bodySpan
			for k, v := range values {
				values[k] = v * scale
			}
			result.Unit = "cm"
			result.Calibrated = true
		}
	}

	return result, nil
}

func distance(a, b pose.Landmark) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

func midpoint(a, b pose.Landmark) pose.Landmark {
	return pose.Landmark{X: (a.X + b.X) / 2, Y: (a.Y + b.Y) / 2}
}
