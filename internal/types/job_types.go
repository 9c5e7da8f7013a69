package types

import (
	"time"
)

// RawPosting 爬虫抓取到的原始岗位信息。
// 生命周期短暂：由抓取端产出，经 Canonicalizer 消费一次后即丢弃。
type RawPosting struct {
	Source      string    `json:"source"`      // 来源渠道，例如 "linkedin", "boss", "indeed"
	UserID      string    `json:"user_id"`     // 发现订阅归属用户，为空表示全局抓取
	Title       string    `json:"title"`       // 岗位标题
	Company     string    `json:"company"`     // 公司名称
	Location    string    `json:"location"`    // 工作地点
	Description string    `json:"description"` // 岗位描述全文
	URL         string    `json:"url"`         // 原始链接
	PostedAt    time.Time `json:"posted_at"`   // 发布时间
	SalaryText  string    `json:"salary_text"` // 薪资原文（未结构化）
	ScrapedAt   time.Time `json:"scraped_at"`  // 抓取时间
}

// DedupStatusUnique 表示该记录是首次出现的规范记录。
const DedupStatusUnique = "unique"

// DedupStatusDuplicatePrefix 重复记录的状态前缀，完整格式为 "duplicate-of:<canonical_hash>"。
const DedupStatusDuplicatePrefix = "duplicate-of:"

// CanonicalJobRecord 去重合并后的规范岗位记录。
// 身份由 {规范化标题, 规范化公司, 规范化地点} 派生，内容哈希覆盖规范化描述前缀。
type CanonicalJobRecord struct {
	JobID         string    `json:"job_id"`         // 规范记录UUID
	UserID        string    `json:"user_id"`        // 归属用户，为空表示全局记录
	CanonicalHash string    `json:"canonical_hash"` // 身份哈希（title+company+location）
	ContentHash   string    `json:"content_hash"`   // 描述内容哈希
	Title         string    `json:"title"`          // 规范化后的标题
	Company       string    `json:"company"`        // 规范化后的公司
	Location      string    `json:"location"`       // 规范化后的地点
	Description   string    `json:"description"`    // 原始描述（保留未规范化文本用于展示与检索）
	URL           string    `json:"url"`
	SalaryText    string    `json:"salary_text"`
	PostedAt      time.Time `json:"posted_at"`
	DedupStatus   string    `json:"dedup_status"` // "unique" 或 "duplicate-of:<hash>"
	Confidence    float64   `json:"confidence"`   // 去重判定置信度 (0-1)
	AllSources    []string  `json:"all_sources"`  // 所有见过该岗位的来源渠道
	FirstSeenAt   time.Time `json:"first_seen_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}

// SearchResult 混合检索的单条结果，仅在查询期间存在，从不落库。
type SearchResult struct {
	JobID         string    `json:"job_id"`
	KeywordScore  float64   `json:"keyword_score"`  // 归一化后的关键词相关度 [0,1]
	SemanticScore float64   `json:"semantic_score"` // 归一化后的语义相似度 [0,1]
	CombinedScore float64   `json:"combined_score"` // 加权融合分
	PostedAt      time.Time `json:"posted_at"`      // 用于同分排序
}
