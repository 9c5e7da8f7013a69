package scorer

import (
	"fmt"
	"strings"

	"jobintel-go/internal/types"

	einoschema "github.com/cloudwego/eino/schema"
)

const scoreSystemMessage = `你是一位极其资深的AI招聘专家，擅长从求职者视角精准评估岗位与候选人画像的匹配度。你的输出将直接进入自动化流水线，必须严格遵守JSON格式规范。`

const scorePromptTemplate = `请基于下面提供的【岗位描述】和【候选人画像】，进行深度对比分析，并严格按照指定的JSON格式输出匹配度评估。

**请严格遵循以下JSON输出格式规范：**
1.  **"dimensions"**: JSON对象，必须包含且仅包含以下10个键，每个值为0-100的数字：
    - "skill_match" (技能匹配，权重%.0f%%)
    - "industry_match" (行业匹配，权重%.0f%%)
    - "experience_level" (经验年限匹配，权重%.0f%%)
    - "location_fit" (地点契合，权重%.0f%%)
    - "seniority_fit" (职级契合，权重%.0f%%)
    - "education_fit" (学历契合，权重%.0f%%)
    - "soft_skills" (软技能，权重%.0f%%)
    - "stability" (稳定性，权重%.0f%%)
    - "growth_potential" (成长空间，权重%.0f%%)
    - "company_scale_fit" (公司规模契合，权重%.0f%%)
2.  **"overall_score"**: 数字 (0-100)，必须等于各维度分数按上述权重的加权和。
3.  **"strengths"**: 字符串数组 (至少1项，建议2-4项)，候选人与岗位高度匹配的**具体关键点**，避免空泛描述。
4.  **"gaps"**: 字符串数组 (可为空)，候选人相对岗位的**具体潜在不足**或需进一步确认的方面。

**JSON格式细节要求：**
- 完整输出必须是一个合法的JSON对象。
- 所有字段名和字符串值都必须使用双引号。
- 字符串值内部如果包含双引号(")，必须使用反斜杠(\")进行转义。
- 禁止在JSON结构之外输出任何额外文本、解释或Markdown标记。

【岗位描述】:
"""
%s
"""

【候选人画像】:
"""
%s
"""

请基于以上所有指令，仔细评估并输出JSON结果。`

// buildScoreMessages 构建评分调用的消息序列
func buildScoreMessages(weights map[string]float64, jobText, profileText string) []*einoschema.Message {
	userContent := fmt.Sprintf(scorePromptTemplate,
		weights[types.DimSkill],
		weights[types.DimIndustry],
		weights[types.DimExperience],
		weights[types.DimLocation],
		weights[types.DimSeniority],
		weights[types.DimEducation],
		weights[types.DimSoftSkills],
		weights[types.DimStability],
		weights[types.DimGrowth],
		weights[types.DimScale],
		jobText, profileText)

	return []*einoschema.Message{
		einoschema.SystemMessage(scoreSystemMessage),
		einoschema.UserMessage(userContent),
	}
}

// BuildScorePrompt 返回拼接后的完整提示词文本，供不走eino消息接口的
// 外部回退模型使用。
func BuildScorePrompt(weights map[string]float64, jobText, profileText string) string {
	messages := buildScoreMessages(weights, jobText, profileText)
	var sb strings.Builder
	for i, msg := range messages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(msg.Content)
	}
	return sb.String()
}
