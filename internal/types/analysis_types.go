package types

import "time"

// 兼容性评估的10个固定维度名。LLM响应中必须全部出现，缺一即校验失败。
const (
	DimSkill      = "skill_match"
	DimIndustry   = "industry_match"
	DimExperience = "experience_level"
	DimLocation   = "location_fit"
	DimSeniority  = "seniority_fit"
	DimEducation  = "education_fit"
	DimSoftSkills = "soft_skills"
	DimStability  = "stability"
	DimGrowth     = "growth_potential"
	DimScale      = "company_scale_fit"
)

// AllDimensions 维度的固定顺序，用于校验与加权求和。
var AllDimensions = []string{
	DimSkill, DimIndustry, DimExperience, DimLocation, DimSeniority,
	DimEducation, DimSoftSkills, DimStability, DimGrowth, DimScale,
}

// 推荐等级闭集，由总分阈值唯一决定。
const (
	TierStrong   = "strong"
	TierGood     = "good"
	TierModerate = "moderate"
	TierWeak     = "weak"
	TierPoor     = "poor"
)

// CompatibilityAnalysis 一次 (job, user) 兼容性评估的完整结果。
// 重新评估时整体替换，不做字段级合并。
type CompatibilityAnalysis struct {
	JobID              string             `json:"job_id"`
	UserID             string             `json:"user_id"`
	ProfileFingerprint string             `json:"profile_fingerprint"` // 用户画像指纹，画像变更后缓存自然失效
	Dimensions         map[string]float64 `json:"dimensions"`          // 10个维度 → [0,100]
	OverallScore       float64            `json:"overall_score"`       // [0,100]，须与加权组合一致
	Tier               string             `json:"tier"`                // strong|good|moderate|weak|poor
	Strengths          []string           `json:"strengths"`           // 至少一条
	Gaps               []string           `json:"gaps"`
	ModelUsed          string             `json:"model_used"`
	AttemptCount       int                `json:"attempt_count"`
	ComputedAt         time.Time          `json:"computed_at"`
}

// ScoreAttemptEvent 每次模型尝试（无论成败）都会发出的结构化事件，
// 供离线成本/质量分析使用。
type ScoreAttemptEvent struct {
	JobID      string        `json:"job_id"`
	ModelID    string        `json:"model_id"`
	ModelIndex int           `json:"model_index"` // 链中的位置，外部回退模型为 -1
	Attempt    int           `json:"attempt"`     // 该模型内的第几次尝试，从1开始
	Duration   time.Duration `json:"duration"`
	Outcome    string        `json:"outcome"` // accepted|provider_error|invalid_response|quota_denied
}

// 欺诈分类固定清单。
const (
	SpamCategoryMLM            = "mlm-scheme"
	SpamCategoryCommissionOnly = "commission-only"
	SpamCategoryFakePosting    = "fake-posting"
	SpamCategoryExcessiveReqs  = "excessive-requirements"
	SpamCategorySalaryMisrep   = "salary-misrepresentation"
	SpamCategoryMassRecruit    = "mass-recruitment"
	SpamCategoryUnrealistic    = "unrealistic-promises"
)

// SpamCategories 模型输出中允许出现的全部分类。
var SpamCategories = map[string]bool{
	SpamCategoryMLM:            true,
	SpamCategoryCommissionOnly: true,
	SpamCategoryFakePosting:    true,
	SpamCategoryExcessiveReqs:  true,
	SpamCategorySalaryMisrep:   true,
	SpamCategoryMassRecruit:    true,
	SpamCategoryUnrealistic:    true,
}

// 基于概率阈值的处置建议。检测失败时为 unscored，绝不误标为 safe。
const (
	SpamRecommendSafe     = "safe"
	SpamRecommendReview   = "review"
	SpamRecommendBlock    = "block"
	SpamRecommendUnscored = "unscored"
)

// SpamAnalysis 单个岗位的欺诈分析结果，按内容哈希缓存。
type SpamAnalysis struct {
	JobID          string    `json:"job_id"`
	ContentHash    string    `json:"content_hash"` // title+company+description前缀 的哈希
	Probability    float64   `json:"probability"`  // 0.0-1.0
	Confidence     float64   `json:"confidence"`   // 0.0-1.0
	Categories     []string  `json:"categories"`
	Flags          []string  `json:"flags"` // 具体可疑点的自由文本
	Recommendation string    `json:"recommendation"`
	ComputedAt     time.Time `json:"computed_at"`
}
