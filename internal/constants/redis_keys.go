package constants

// Redis Key 前缀和格式常量
// 统一命名规范: ji:{module}:{entity}:{unique_id}
const (
	// AppPrefix 所有Redis Key的统一应用前缀
	AppPrefix = "ji"

	// JobModulePrefix 岗位模块
	JobModulePrefix = "job"
	// EmbeddingModulePrefix 向量模块
	EmbeddingModulePrefix = "emb"
	// SpamModulePrefix 欺诈检测模块
	SpamModulePrefix = "spam"
	// ScoreModulePrefix 兼容性评分模块
	ScoreModulePrefix = "score"
	// SearchModulePrefix 检索模块
	SearchModulePrefix = "search"
	// QuotaModulePrefix 配额模块
	QuotaModulePrefix = "quota"
	// LockModulePrefix 分布式锁
	LockModulePrefix = "lock"

	// KeyCanonicalDedupSet 规范哈希去重集合 (SET)
	// 格式: ji:job:dedup_set
	KeyCanonicalDedupSet = AppPrefix + ":" + JobModulePrefix + ":dedup_set"

	// KeyCanonicalHashToJobID 规范哈希到JobID的映射 (STRING)
	// 格式: ji:job:hash_to_id:{canonical_hash}
	KeyCanonicalHashToJobID = AppPrefix + ":" + JobModulePrefix + ":hash_to_id:%s"

	// KeyEmbeddingVector 向量热缓存 (STRING, JSON序列化)
	// 格式: ji:emb:vector:{cache_key}
	KeyEmbeddingVector = AppPrefix + ":" + EmbeddingModulePrefix + ":vector:%s"

	// KeySpamAnalysis 欺诈分析结果缓存 (STRING, JSON序列化)
	// 格式: ji:spam:analysis:{content_hash}
	KeySpamAnalysis = AppPrefix + ":" + SpamModulePrefix + ":analysis:%s"

	// KeyCompatScore 兼容性评分缓存 (STRING, JSON序列化)
	// 格式: ji:score:analysis:{jobID}:{userID}:{profile_fingerprint}
	KeyCompatScore = AppPrefix + ":" + ScoreModulePrefix + ":analysis:%s:%s:%s"

	// KeySearchSession 混合检索结果缓存 (ZSET)
	// 格式: ji:search:session:{userID}:{query_hash}
	KeySearchSession = AppPrefix + ":" + SearchModulePrefix + ":session:%s:%s"

	// KeyQuotaCounter 配额计数器 (STRING, INCRBY)
	// 格式: ji:quota:counter:{scope}
	KeyQuotaCounter = AppPrefix + ":" + QuotaModulePrefix + ":counter:%s"

	// KeySpamBacklogScanLock 欺诈补扫互斥锁 (STRING, SETNX)
	// 格式: ji:lock:spam_backlog_scan
	KeySpamBacklogScanLock = AppPrefix + ":" + LockModulePrefix + ":spam_backlog_scan"
)
