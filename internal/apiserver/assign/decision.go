// Package assign 分配服务 - 决策引擎
//
// 对 (run, device, step) 做确定性的概率采样：从坐标的加密哈希
// 派生稳定伪随机小数，与步骤概率比较得出 executed/skipped。
// 相同输入永远得到相同结果，租约过期重新分配后同一逻辑步骤
// 不会在执行与跳过之间摇摆。
package assign

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"devicefarm-admin/internal/shared/model"
)

// Fraction 从 (run, device, step) 坐标派生 [0, 1) 区间的稳定小数
func Fraction(runID string, deviceIndex int, stepID string) float64 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", runID, deviceIndex, stepID)))
	n := binary.BigEndian.Uint64(sum[:8])
	return float64(n) / float64(1<<63) / 2
}

// Decide 判定 (run, device, step) 是执行还是跳过
//
// p=1 恒为 executed，p=0 恒为 skipped，不经过哈希路径。
func Decide(runID string, deviceIndex int, stepID string, probability float64) model.Decision {
	p := model.ClampProbability(probability)
	if p >= 1 {
		return model.DecisionExecuted
	}
	if p <= 0 {
		return model.DecisionSkipped
	}
	if Fraction(runID, deviceIndex, stepID) < p {
		return model.DecisionExecuted
	}
	return model.DecisionSkipped
}
