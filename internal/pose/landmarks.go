package pose

import "fmt"

// LandmarkName 身体关键点名称
type LandmarkName string

// 姿态检测输出的固定关键点集合（MediaPipe风格命名）
const (
	Nose          LandmarkName = "nose"
	LeftShoulder  LandmarkName = "left_shoulder"
	RightShoulder LandmarkName = "right_shoulder"
	LeftElbow     LandmarkName = "left_elbow"
	RightElbow    LandmarkName = "right_elbow"
	LeftWrist     LandmarkName = "left_wrist"
	RightWrist    LandmarkName = "right_wrist"
	LeftHip       LandmarkName = "left_hip"
	RightHip      LandmarkName = "right_hip"
	LeftKnee      LandmarkName = "left_knee"
	RightKnee     LandmarkName = "right_knee"
	LeftAnkle     LandmarkName = "left_ankle"
	RightAnkle    LandmarkName = "right_ankle"
)

// RequiredLandmarks 提取器契约承诺的完整关键点集合
// 一个有效的LandmarkSet要么为空（未检测到姿态），要么包含全部这些点
var RequiredLandmarks = []LandmarkName{
	Nose,
	LeftShoulder, RightShoulder,
	LeftElbow, RightElbow,
	LeftWrist, RightWrist,
	LeftHip, RightHip,
	LeftKnee, RightKnee,
	LeftAnkle, RightAnkle,
}

// Landmark 单个身体关键点：归一化坐标 [0,1] + 置信度 [0,1]
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Confidence float64 `json:"confidence"`
}

// LandmarkSet 一帧的关键点集合，按名称索引
// 每帧新建，创建后不再修改，作为不可变值在估计器和渲染器之间传递
type LandmarkSet map[LandmarkName]Landmark

// Empty 判断是否为"未检测到姿态"
func (ls LandmarkSet) Empty() bool {
	return len(ls) == 0
}

// Validate 校验集合完整性：空集合合法，部分集合非法
func (ls LandmarkSet) Validate() error {
	if ls.Empty() {
		return nil
	}
	for _, name := range RequiredLandmarks {
		if _, ok := ls[name]; !ok {
			return fmt.Errorf("%w: missing %q", ErrPartialLandmarkSet, name)
		}
	}
	return nil
}

// Clone 返回集合的独立副本
func (ls LandmarkSet) Clone() LandmarkSet {
	if ls == nil {
		return nil
	}
	out := make(LandmarkSet, len(ls))
	for k, v := range ls {
		out[k] = v
	}
	return out
}

// MinConfidence 返回指定关键点中的最低置信度
// 任一关键点缺失时返回0
func (ls LandmarkSet) MinConfidence(names ...LandmarkName) float64 {
	min := 1.0
	for _, name := range names {
		lm, ok := ls[name]
		if !ok {
			return 0
		}
		if lm.Confidence < min {
			min = lm.Confidence
		}
	}
	return min
}
