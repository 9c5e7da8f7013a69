// Package spam 实现岗位欺诈检测：单次AI调用给出欺诈概率与分类，
// 无回退链（欺诈检测容忍单遍低置信度结果）。处置建议纯由概率阈值推导；
// 检测失败的岗位标记为 unscored，绝不误判为 safe。
package spam

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"jobintel-go/internal/constants"
	"jobintel-go/internal/logger"
	"jobintel-go/internal/storage"
	"jobintel-go/internal/storage/models"
	"jobintel-go/internal/types"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
)

const spamSystemMessage = `你是一位岗位真实性审核专家，负责识别招聘信息中的欺诈、传销、虚假宣传等风险。你的输出将进入自动化流水线，必须严格遵守JSON格式规范。`

const spamPromptTemplate = `请分析下面的【岗位信息】，评估其为欺诈/问题岗位的概率，并严格按照指定的JSON格式输出。

**请严格遵循以下JSON输出格式规范：**
1.  **"probability"**: 数字 (0.0-1.0)，该岗位为欺诈或严重问题岗位的概率。
2.  **"confidence"**: 数字 (0.0-1.0)，你对本次判断的置信度。
3.  **"categories"**: 字符串数组，只能从以下固定分类中选取（没有命中时为空数组）：
    - "mlm-scheme" (传销/金字塔结构)
    - "commission-only" (纯提成无底薪)
    - "fake-posting" (虚假岗位/钓鱼)
    - "excessive-requirements" (要求与薪资严重不符)
    - "salary-misrepresentation" (薪资虚标)
    - "mass-recruitment" (批量招聘疑似中介)
    - "unrealistic-promises" ("轻松月入过万"式承诺)
4.  **"reasoning"**: 字符串 (150字以内)，给出判断依据中最关键的1-3个可疑点。

**JSON格式细节要求：**
- 完整输出必须是一个合法的JSON对象，禁止输出任何额外文本或Markdown标记。
- 所有字段名和字符串值都必须使用双引号。

【岗位信息】:
"""
标题: %s
公司: %s
薪资: %s
描述: %s
"""

请输出JSON结果。`

// redFlagModelID 红旗短路结果落库时的model_used标识
const redFlagModelID = "redflag-heuristic"

// modelSpamResponse LLM欺诈分析响应的原始结构
type modelSpamResponse struct {
	Probability float64  `json:"probability"`
	Confidence  float64  `json:"confidence"`
	Categories  []string `json:"categories"`
	Reasoning   string   `json:"reasoning"`
}

// SpamCache 分析结果缓存契约，由Redis适配器实现
type SpamCache interface {
	GetJSON(ctx context.Context, key string, target interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// SpamStore 分析结果持久化契约，由MySQL适配器实现
type SpamStore interface {
	UpsertSpamRecord(ctx context.Context, record *models.SpamRecord) error
	GetSpamRecordByJobID(ctx context.Context, jobID string) (*models.SpamRecord, error)
}

// Detector 欺诈检测器
type Detector struct {
	model   model.ToolCallingChatModel
	modelID string
	cache   SpamCache
	store   SpamStore

	safeThreshold  float64 // 低于此值为safe
	blockThreshold float64 // 高于此值为block
	redFlagTerms   []string
	callTimeout    time.Duration
	batchSize      int
	batchPause     time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// Option 检测器的可选配置
type Option func(*Detector)

// WithCache 设置结果缓存
func WithCache(cache SpamCache) Option {
	return func(d *Detector) { d.cache = cache }
}

// WithStore 设置持久化存储
func WithStore(store SpamStore) Option {
	return func(d *Detector) { d.store = store }
}

// WithThresholds 覆盖safe/block概率阈值
func WithThresholds(safe, block float64) Option {
	return func(d *Detector) {
		if safe > 0 {
			d.safeThreshold = safe
		}
		if block > 0 {
			d.blockThreshold = block
		}
	}
}

// WithRedFlagTerms 设置启发式红旗词表，描述命中词表时
// 直接判为review短路返回，不再调用模型
func WithRedFlagTerms(terms []string) Option {
	return func(d *Detector) { d.redFlagTerms = terms }
}

// WithBatchPolicy 批量扫描的批大小与批间暂停
func WithBatchPolicy(size int, pause time.Duration) Option {
	return func(d *Detector) {
		if size > 0 {
			d.batchSize = size
		}
		if pause > 0 {
			d.batchPause = pause
		}
	}
}

// WithCallTimeout 单次模型调用超时
func WithCallTimeout(timeout time.Duration) Option {
	return func(d *Detector) { d.callTimeout = timeout }
}

// withSleep 测试专用：替换批间等待
func withSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Detector) { d.sleep = sleep }
}

// New 创建欺诈检测器
func New(chatModel model.ToolCallingChatModel, modelID string, opts ...Option) (*Detector, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("欺诈检测器需要模型客户端")
	}

	d := &Detector{
		model:          chatModel,
		modelID:        modelID,
		safeThreshold:  0.2,
		blockThreshold: 0.7,
		callTimeout:    30 * time.Second,
		batchSize:      constants.DefaultSpamBatchSize,
		batchPause:     constants.DefaultSpamBatchPause,
		sleep: func(ctx context.Context, wait time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// RecommendationFor 由概率阈值唯一推导处置建议：
// p < safeThreshold → safe；p > blockThreshold → block；其余 → review。
// 边界值归入review，0.2和0.7本身都不是safe/block。
func (d *Detector) RecommendationFor(probability float64) string {
	switch {
	case probability < d.safeThreshold:
		return types.SpamRecommendSafe
	case probability > d.blockThreshold:
		return types.SpamRecommendBlock
	default:
		return types.SpamRecommendReview
	}
}

// SpamContentHash 欺诈缓存键：标题+公司+描述前缀的哈希。
// 前缀长度短于去重哈希，重发的同质岗位能共享分析结果。
func SpamContentHash(title, company, description string) string {
	runes := []rune(description)
	if len(runes) > constants.SpamHashPrefixChars {
		runes = runes[:constants.SpamHashPrefixChars]
	}
	sum := md5.Sum([]byte(strings.ToLower(title) + "|" + strings.ToLower(company) + "|" + strings.ToLower(string(runes))))
	return hex.EncodeToString(sum[:])
}

// Analyze 分析单个岗位。结果按内容哈希缓存，命中时不重复调用模型；
// 描述命中红旗词表时直接判为review短路返回，同样不调用模型。
// 模型调用或解析失败时返回 recommendation=unscored 的结果与错误，
// 调用方通常记录后继续——失败对摄入流程非致命。
func (d *Detector) Analyze(ctx context.Context, job *types.CanonicalJobRecord) (*types.SpamAnalysis, error) {
	if job == nil || job.JobID == "" {
		return nil, types.ValidationErrorf("岗位记录为空")
	}

	contentHash := SpamContentHash(job.Title, job.Company, job.Description)
	cacheKey := fmt.Sprintf(constants.KeySpamAnalysis, contentHash)

	if d.cache != nil {
		var cached types.SpamAnalysis
		err := d.cache.GetJSON(ctx, cacheKey, &cached)
		if err == nil && cached.Recommendation != "" && cached.Recommendation != types.SpamRecommendUnscored {
			// 同内容岗位共享分析结果，但归属当前岗位
			cached.JobID = job.JobID
			return &cached, nil
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.Ctx(ctx).Warn().Err(err).Msg("读取欺诈分析缓存失败")
		}
	}

	// 启发式前置扫描命中即短路：红旗岗位直接送人工复核，不消耗模型调用
	if flags := d.scanRedFlags(job.Description); len(flags) > 0 {
		analysis := &types.SpamAnalysis{
			JobID:          job.JobID,
			ContentHash:    contentHash,
			Flags:          flags,
			Recommendation: types.SpamRecommendReview,
			ComputedAt:     time.Now(),
		}
		if d.cache != nil {
			if err := d.cache.SetJSON(ctx, cacheKey, analysis, constants.SpamCacheTTL); err != nil {
				logger.Ctx(ctx).Warn().Err(err).Msg("写入欺诈分析缓存失败")
			}
		}
		d.persist(ctx, analysis, "描述命中启发式红旗词，送人工复核", redFlagModelID, false)
		logger.Ctx(ctx).Info().
			Str("job_id", job.JobID).
			Int("flag_count", len(flags)).
			Msg("红旗词命中，跳过模型评估")
		return analysis, nil
	}

	resp, err := d.callModel(ctx, job)
	if err != nil {
		unscored := &types.SpamAnalysis{
			JobID:          job.JobID,
			ContentHash:    contentHash,
			Recommendation: types.SpamRecommendUnscored,
			ComputedAt:     time.Now(),
		}
		d.persist(ctx, unscored, "", d.modelID, false)
		return unscored, fmt.Errorf("欺诈分析失败, job=%s: %w", job.JobID, err)
	}

	analysis := &types.SpamAnalysis{
		JobID:          job.JobID,
		ContentHash:    contentHash,
		Probability:    resp.Probability,
		Confidence:     resp.Confidence,
		Categories:     filterKnownCategories(resp.Categories),
		Recommendation: d.RecommendationFor(resp.Probability),
		ComputedAt:     time.Now(),
	}

	if d.cache != nil {
		if err := d.cache.SetJSON(ctx, cacheKey, analysis, constants.SpamCacheTTL); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("写入欺诈分析缓存失败")
		}
	}
	d.persist(ctx, analysis, resp.Reasoning, d.modelID, true)

	return analysis, nil
}

// AnalyzeBatch 批量分析：按固定批大小处理，批间暂停以尊重供应商限流。
// 单个岗位失败不会中断批次，失败岗位在结果中为 unscored。
func (d *Detector) AnalyzeBatch(ctx context.Context, jobs []*types.CanonicalJobRecord) ([]*types.SpamAnalysis, error) {
	results := make([]*types.SpamAnalysis, 0, len(jobs))

	for start := 0; start < len(jobs); start += d.batchSize {
		if start > 0 {
			if err := d.sleep(ctx, d.batchPause); err != nil {
				return results, err
			}
		}

		end := start + d.batchSize
		if end > len(jobs) {
			end = len(jobs)
		}

		for _, job := range jobs[start:end] {
			analysis, err := d.Analyze(ctx, job)
			if err != nil {
				if errors.Is(err, types.ErrValidation) {
					logger.Ctx(ctx).Warn().Err(err).Msg("跳过无效岗位")
					continue
				}
				logger.Ctx(ctx).Warn().Err(err).Msg("岗位欺诈分析失败，标记为unscored")
			}
			if analysis != nil {
				results = append(results, analysis)
			}
		}
	}

	return results, nil
}

// scanRedFlags 启发式前置扫描：返回描述中命中的红旗词清单
func (d *Detector) scanRedFlags(description string) []string {
	if len(d.redFlagTerms) == 0 {
		return nil
	}
	lower := strings.ToLower(description)
	var flags []string
	for _, term := range d.redFlagTerms {
		if term != "" && strings.Contains(lower, strings.ToLower(term)) {
			flags = append(flags, "描述中出现红旗词: "+term)
		}
	}
	return flags
}

// callModel 单次模型调用并解析响应
func (d *Detector) callModel(ctx context.Context, job *types.CanonicalJobRecord) (*modelSpamResponse, error) {
	userContent := fmt.Sprintf(spamPromptTemplate, job.Title, job.Company, job.SalaryText, job.Description)
	messages := []*einoschema.Message{
		einoschema.SystemMessage(spamSystemMessage),
		einoschema.UserMessage(userContent),
	}

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	response, err := d.model.Generate(callCtx, messages)
	if err != nil {
		return nil, types.TransientErrorf("模型调用失败: %v", err)
	}
	if response == nil || response.Content == "" {
		return nil, types.ResponseInvalidf("模型返回空响应")
	}

	jsonStr := extractJSONObject(strings.TrimPrefix(response.Content, "\uFEFF"))
	if jsonStr == "" {
		return nil, types.ResponseInvalidf("响应中未找到JSON对象")
	}
	if !utf8.ValidString(jsonStr) {
		jsonStr = strings.ToValidUTF8(jsonStr, "")
	}

	var resp modelSpamResponse
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		return nil, types.ResponseInvalidf("JSON解析失败: %v", err)
	}

	if resp.Probability < 0 || resp.Probability > 1 {
		return nil, types.ResponseInvalidf("概率超出范围: %.3f", resp.Probability)
	}
	return &resp, nil
}

// persist 写持久层。未经过模型评估的记录（unscored与红旗短路）
// probability和confidence落库为NULL。
func (d *Detector) persist(ctx context.Context, analysis *types.SpamAnalysis, reasoning, modelUsed string, scored bool) {
	if d.store == nil {
		return
	}

	record := &models.SpamRecord{
		JobID:          analysis.JobID,
		ContentHash:    analysis.ContentHash,
		Recommendation: analysis.Recommendation,
		ModelUsed:      modelUsed,
		AnalyzedAt:     analysis.ComputedAt,
	}
	if scored {
		probability := analysis.Probability
		confidence := analysis.Confidence
		record.Probability = &probability
		record.Confidence = &confidence
	}
	if categoriesJSON, err := models.SliceToJSON(analysis.Categories); err == nil {
		record.CategoriesJSON = categoriesJSON
	}
	if len(analysis.Flags) > 0 {
		if flagsJSON, err := models.SliceToJSON(analysis.Flags); err == nil {
			record.FlagsJSON = flagsJSON
		}
	}
	record.Reasoning = reasoning

	if err := d.store.UpsertSpamRecord(ctx, record); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("job_id", analysis.JobID).Msg("写入欺诈分析记录失败")
	}
}

// filterKnownCategories 只保留固定分类清单内的条目
func filterKnownCategories(categories []string) []string {
	var known []string
	for _, category := range categories {
		if types.SpamCategories[category] {
			known = append(known, category)
		}
	}
	return known
}

// extractJSONObject 按大括号配对提取首个完整JSON对象
func extractJSONObject(text string) string {
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
