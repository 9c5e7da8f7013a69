package constants

import "time"

const (
	// 内容哈希只取规范化描述的前缀，兼顾成本与对尾部模板差异的容忍
	ContentHashPrefixChars = 2000
	// 欺诈缓存键使用的描述前缀长度
	SpamHashPrefixChars = 500

	// 缓存TTL
	EmbeddingHotTTL  = 30 * 24 * time.Hour // 向量热缓存
	SpamCacheTTL     = 72 * time.Hour      // 欺诈分析结果
	ScoreCacheTTL    = 7 * 24 * time.Hour  // 兼容性评分
	SearchSessionTTL = 30 * time.Minute    // 混合检索结果ZSET
	DedupSetTTL      = 90 * 24 * time.Hour // 规范哈希去重集合

	// 欺诈批处理默认参数
	DefaultSpamBatchSize  = 10
	DefaultSpamBatchPause = 2 * time.Second
)
