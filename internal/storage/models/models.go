package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// CanonicalJob 规范化岗位主表。
// search_text 列上建有FULLTEXT索引，供关键词检索使用（见MySQL初始化逻辑）。
type CanonicalJob struct {
	JobID           string         `gorm:"type:char(36);primaryKey"`
	UserID          string         `gorm:"type:char(36);index:idx_cj_user_id"` // 归属用户，空串表示全局记录
	CanonicalHash   string         `gorm:"type:char(32);uniqueIndex:idx_cj_canonical_hash"`
	ContentHash     string         `gorm:"type:char(32);index:idx_cj_content_hash"`
	NormalizedTitle string         `gorm:"type:varchar(255);not null"`
	Company         string         `gorm:"type:varchar(255);not null"`
	Location        string         `gorm:"type:varchar(255)"`
	Description     string         `gorm:"type:text;not null"`
	SearchText      string         `gorm:"type:text;not null"` // 标题+公司+描述拼接，FULLTEXT索引列
	URL             string         `gorm:"type:varchar(1024)"`
	SalaryText      string         `gorm:"type:varchar(255)"`
	DedupStatus     string         `gorm:"type:varchar(100);default:'unique';index:idx_cj_dedup_status"`
	Confidence      float64        `gorm:"type:float;default:1"`
	AllSourcesJSON  datatypes.JSON `gorm:"type:json"` // 所有贡献来源的列表
	PostedAt        *time.Time     `gorm:"type:datetime(6);index:idx_cj_posted_at"`
	FirstSeenAt     time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	LastSeenAt      time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	CreatedAt       time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt       time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (CanonicalJob) TableName() string {
	return "canonical_jobs"
}

// JobEmbedding 岗位向量冷层存储表
type JobEmbedding struct {
	JobID                 string       `gorm:"type:char(36);primaryKey"`
	VectorRepresentation  []byte       `gorm:"type:mediumblob;not null"` // 存储序列化后的向量
	EmbeddingModelVersion string       `gorm:"type:varchar(100);not null"`
	Dimensions            int          `gorm:"type:int;not null"`
	CreatedAt             time.Time    `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt             time.Time    `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
	Job                   CanonicalJob `gorm:"foreignKey:JobID;references:JobID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (JobEmbedding) TableName() string {
	return "job_embeddings"
}

// CompatibilityRecord 用户-岗位兼容性评分记录表
type CompatibilityRecord struct {
	RecordID           uint64         `gorm:"primaryKey;autoIncrement"`
	JobID              string         `gorm:"type:char(36);not null;index:idx_cr_job_id;uniqueIndex:idx_cr_job_user_fp,priority:1"`
	UserID             string         `gorm:"type:char(36);not null;index:idx_cr_user_id;uniqueIndex:idx_cr_job_user_fp,priority:2"`
	ProfileFingerprint string         `gorm:"type:char(32);not null;uniqueIndex:idx_cr_job_user_fp,priority:3"`
	DimensionsJSON     datatypes.JSON `gorm:"type:json"` // 10维度分数
	OverallScore       float64        `gorm:"type:float;index:idx_cr_overall_score"`
	Tier               string         `gorm:"type:varchar(50)"`
	StrengthsJSON      datatypes.JSON `gorm:"type:json"`
	GapsJSON           datatypes.JSON `gorm:"type:json"`
	ModelUsed          string         `gorm:"type:varchar(100)"`
	AttemptCount       int            `gorm:"type:int;default:0"`
	ComputedAt         time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	CreatedAt          time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt          time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`

	Job *CanonicalJob `gorm:"foreignKey:JobID;references:JobID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (CompatibilityRecord) TableName() string {
	return "compatibility_records"
}

// SpamRecord 岗位欺诈分析记录表
type SpamRecord struct {
	RecordID       uint64         `gorm:"primaryKey;autoIncrement"`
	JobID          string         `gorm:"type:char(36);not null;uniqueIndex:idx_sr_job_id"`
	ContentHash    string         `gorm:"type:char(32);not null;index:idx_sr_content_hash"`
	Probability    *float64       `gorm:"type:float"` // 分析失败时为NULL
	Confidence     *float64       `gorm:"type:float"` // 模型自报置信度，失败时为NULL
	CategoriesJSON datatypes.JSON `gorm:"type:json"`
	FlagsJSON      datatypes.JSON `gorm:"type:json"` // 启发式红旗命中列表
	Reasoning      string         `gorm:"type:text"`
	Recommendation string         `gorm:"type:varchar(50);not null;index:idx_sr_recommendation"`
	ModelUsed      string         `gorm:"type:varchar(100)"`
	AnalyzedAt     time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	CreatedAt      time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt      time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`

	Job *CanonicalJob `gorm:"foreignKey:JobID;references:JobID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (SpamRecord) TableName() string {
	return "spam_records"
}

// StringToJSON Helper function to convert string to datatypes.JSON
func StringToJSON(s string) datatypes.JSON {
	return datatypes.JSON(s)
}

// MapToJSON Helper function to convert map[string]interface{} to datatypes.JSON
func MapToJSON(m map[string]interface{}) (datatypes.JSON, error) {
	bytes, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}

// SliceToJSON Helper function to convert a string slice to datatypes.JSON
func SliceToJSON(s []string) (datatypes.JSON, error) {
	bytes, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}

// FloatMapToJSON Helper function to convert map[string]float64 to datatypes.JSON
func FloatMapToJSON(m map[string]float64) (datatypes.JSON, error) {
	bytes, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}

// JSONToFloatMap Helper function to decode datatypes.JSON into map[string]float64
func JSONToFloatMap(raw datatypes.JSON, target *map[string]float64) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}

// JSONToSlice Helper function to decode datatypes.JSON into a string slice
func JSONToSlice(raw datatypes.JSON, target *[]string) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}
