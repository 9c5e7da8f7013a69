package scorer

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"jobintel-go/internal/types"
)

// modelScoreResponse LLM评分响应的原始结构。
// 模型输出在边界处立即转换为严格校验过的 CompatibilityAnalysis，
// 系统其余部分永远不接触未校验的形状。
type modelScoreResponse struct {
	Dimensions   map[string]float64 `json:"dimensions"`
	OverallScore float64            `json:"overall_score"`
	Strengths    []string           `json:"strengths"`
	Gaps         []string           `json:"gaps"`
}

// TierForScore 由总分阈值唯一确定推荐等级
func TierForScore(score float64) string {
	switch {
	case score >= 80:
		return types.TierStrong
	case score >= 65:
		return types.TierGood
	case score >= 50:
		return types.TierModerate
	case score >= 35:
		return types.TierWeak
	default:
		return types.TierPoor
	}
}

// parseModelResponse 从模型的自由文本里提取并解析JSON。
// 解析失败时先做一轮字符串内引号修复再试，两次都失败才放弃。
func parseModelResponse(content string) (*modelScoreResponse, error) {
	processed := strings.TrimPrefix(content, "\uFEFF")

	jsonStr := extractJSON(processed)
	if jsonStr == "" {
		return nil, types.ResponseInvalidf("响应中未找到JSON对象")
	}

	if !utf8.ValidString(jsonStr) {
		jsonStr = strings.ToValidUTF8(jsonStr, "")
	}

	var resp modelScoreResponse
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		fixed := sanitizeJSON(jsonStr)
		if jsonErr := json.Unmarshal([]byte(fixed), &resp); jsonErr != nil {
			return nil, types.ResponseInvalidf("JSON解析失败（修复后仍失败）: %v", err)
		}
	}
	return &resp, nil
}

// validateResponse 对模型响应做完整校验：
// 10个维度齐全且都在[0,100]；总分在[0,100]且与维度加权和一致（容差内）；
// 至少一条优势；等级由总分阈值推导而非采信模型输出。
func validateResponse(resp *modelScoreResponse, weights map[string]float64, tolerance float64) error {
	if resp == nil {
		return types.ResponseInvalidf("响应为空")
	}

	if len(resp.Dimensions) == 0 {
		return types.ResponseInvalidf("缺少维度分数")
	}

	var weightedSum float64
	for _, dim := range types.AllDimensions {
		score, ok := resp.Dimensions[dim]
		if !ok {
			return types.ResponseInvalidf("缺少维度 %s", dim)
		}
		if score < 0 || score > 100 {
			return types.ResponseInvalidf("维度 %s 超出范围: %.2f", dim, score)
		}
		weightedSum += score * weights[dim] / 100.0
	}

	if resp.OverallScore < 0 || resp.OverallScore > 100 {
		return types.ResponseInvalidf("总分超出范围: %.2f", resp.OverallScore)
	}

	if math.Abs(resp.OverallScore-weightedSum) > tolerance {
		return types.ResponseInvalidf("总分 %.2f 与维度加权和 %.2f 不一致（容差 %.1f）",
			resp.OverallScore, weightedSum, tolerance)
	}

	if len(resp.Strengths) == 0 {
		return types.ResponseInvalidf("缺少优势项，至少需要一条")
	}

	return nil
}

// validateWeights 权重齐全且总和为100
func validateWeights(weights map[string]float64) error {
	var sum float64
	for _, dim := range types.AllDimensions {
		w, ok := weights[dim]
		if !ok {
			return fmt.Errorf("缺少维度 %s 的权重", dim)
		}
		if w < 0 {
			return fmt.Errorf("维度 %s 的权重为负: %.2f", dim, w)
		}
		sum += w
	}
	if math.Abs(sum-100) > 1e-6 {
		return fmt.Errorf("维度权重总和必须为100, 实际 %.4f", sum)
	}
	return nil
}

// extractJSON 按大括号配对从文本中提取首个完整JSON对象
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}
	level := 0
	for i := start; i < len(text); i++ {
		if text[i] == '{' {
			level++
		} else if text[i] == '}' {
			level--
			if level == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// sanitizeJSON 将字符串字面量内部未转义的双引号改写为 \"。
// 通过检查下一个非空白字符是否为 :, ], }, 或 , 来判断该 " 是否为字符串真正的结束。
func sanitizeJSON(src string) string {
	var b strings.Builder
	inStr := false
	escaped := false

	for i := 0; i < len(src); i++ {
		c := src[i]

		if c == '"' && !escaped {
			if !inStr {
				inStr = true
				b.WriteByte(c)
			} else {
				j := i + 1
				for j < len(src) && (src[j] == ' ' || src[j] == '\t' || src[j] == '\n' || src[j] == '\r') {
					j++
				}
				if j < len(src) && (src[j] == ':' || src[j] == ',' || src[j] == ']' || src[j] == '}') {
					inStr = false
					b.WriteByte(c)
				} else {
					b.WriteString("\\\"")
				}
			}
			escaped = false

		} else if c == '\\' && !escaped {
			escaped = true
			b.WriteByte(c)

		} else {
			b.WriteByte(c)
			escaped = false
		}
	}

	return b.String()
}
