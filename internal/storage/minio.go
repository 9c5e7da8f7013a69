package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"jobintel-go/internal/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
)

// ObjectStorage 对象存储接口
type ObjectStorage interface {
	// ArchiveRawPosting 归档一条原始抓取报文，返回对象键
	ArchiveRawPosting(ctx context.Context, jobID string, source string, payload []byte) (string, error)

	// GetRawPosting 取回归档的原始报文
	GetRawPosting(ctx context.Context, objectKey string) ([]byte, error)

	// DeleteRawPosting 删除归档的原始报文
	DeleteRawPosting(ctx context.Context, objectKey string) error

	// Close占位不需要，MinIO客户端无需显式关闭
}

// 确保MinIO实现了ObjectStorage接口
var _ ObjectStorage = (*MinIO)(nil)

// MinIO 提供对象存储功能，用于原始抓取报文归档。
// 归档失败不阻塞流水线，上层按非致命错误处理。
type MinIO struct {
	client    *minio.Client
	cfg       *config.MinIOConfig
	rawBucket string
	logger    *log.Logger
}

// NewMinIO 创建MinIO客户端
func NewMinIO(cfg *config.MinIOConfig, logger *log.Logger) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	logger.Printf("[MinIO] Initializing MinIO client with endpoint: %s, rawPostingBucket: %s", cfg.Endpoint, cfg.RawPostingBucket)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		logger.Printf("[MinIO] Initialization failed: %v", err)
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	rawBucket := cfg.RawPostingBucket
	if rawBucket == "" {
		rawBucket = "raw-postings"
	}

	m := &MinIO{
		client:    client,
		cfg:       cfg,
		rawBucket: rawBucket,
		logger:    logger,
	}

	if err := m.ensureBucketExists(rawBucket, cfg.Location); err != nil {
		logger.Printf("[MinIO] Failed to ensure bucket %s exists: %v", rawBucket, err)
		return nil, fmt.Errorf("确保原始报文存储桶 %s 存在失败: %w", rawBucket, err)
	}

	// 设置生命周期规则
	if cfg.ArchiveExpireDays > 0 {
		if err := m.setupBucketLifecycle(context.Background(), rawBucket, "expire-raw-postings", cfg.ArchiveExpireDays); err != nil {
			logger.Printf("[MinIO] Warning: Failed to set up lifecycle rules: %v", err)
		}
	}

	logger.Printf("[MinIO] Client initialized successfully for endpoint: %s", cfg.Endpoint)
	return m, nil
}

// ensureBucketExists 确保存储桶存在
func (m *MinIO) ensureBucketExists(bucketName, location string) error {
	exists, err := m.client.BucketExists(context.Background(), bucketName)
	if err != nil {
		return fmt.Errorf("检查存储桶 %s 是否存在时出错: %w", bucketName, err)
	}
	if !exists {
		m.logger.Printf("[MinIO] Bucket %s does not exist, attempting to create...", bucketName)
		err = m.client.MakeBucket(context.Background(), bucketName, minio.MakeBucketOptions{Region: location})
		if err != nil {
			return fmt.Errorf("创建存储桶 %s 失败: %w", bucketName, err)
		}
		m.logger.Printf("[MinIO] Bucket %s created successfully.", bucketName)
	}
	return nil
}

// setupBucketLifecycle 为指定存储桶设置生命周期规则
func (m *MinIO) setupBucketLifecycle(ctx context.Context, bucketName, ruleID string, expiryDays int) error {
	m.logger.Printf("[MinIO] Setting lifecycle rule for bucket %s: ID=%s, ExpiryDays=%d", bucketName, ruleID, expiryDays)
	config := lifecycle.NewConfiguration()
	config.Rules = []lifecycle.Rule{
		{
			ID:     ruleID,
			Status: "Enabled",
			Expiration: lifecycle.Expiration{
				Days: lifecycle.ExpirationDays(expiryDays),
			},
		},
	}

	if err := m.client.SetBucketLifecycle(ctx, bucketName, config); err != nil {
		return err
	}
	m.logger.Printf("[MinIO] Successfully set lifecycle for bucket %s.", bucketName)
	return nil
}

// ArchiveRawPosting 归档一条原始抓取报文。
// 对象键格式: posting/{jobID}/{source}.json，同一来源重复归档时覆盖。
func (m *MinIO) ArchiveRawPosting(ctx context.Context, jobID string, source string, payload []byte) (string, error) {
	objectName := fmt.Sprintf("posting/%s/%s.json", jobID, source)

	_, err := m.client.PutObject(ctx, m.rawBucket, objectName, bytes.NewReader(payload),
		int64(len(payload)), minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("归档原始报文 %s/%s 失败: %w", m.rawBucket, objectName, err)
	}

	return objectName, nil
}

// ArchiveRawPostingJSON 将结构化报文序列化后归档
func (m *MinIO) ArchiveRawPostingJSON(ctx context.Context, jobID string, source string, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("序列化原始报文失败: %w", err)
	}
	return m.ArchiveRawPosting(ctx, jobID, source, data)
}

// GetRawPosting 取回归档的原始报文
func (m *MinIO) GetRawPosting(ctx context.Context, objectKey string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.rawBucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("获取对象 %s/%s 失败: %w", m.rawBucket, objectKey, err)
	}
	defer obj.Close()

	// Stat用于确认对象存在，GetObject本身是惰性的
	if _, err := obj.Stat(); err != nil {
		return nil, fmt.Errorf("获取对象 %s/%s 状态失败: %w", m.rawBucket, objectKey, err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("读取对象 %s/%s 数据失败: %w", m.rawBucket, objectKey, err)
	}
	return data, nil
}

// DeleteRawPosting 删除归档的原始报文
func (m *MinIO) DeleteRawPosting(ctx context.Context, objectKey string) error {
	err := m.client.RemoveObject(ctx, m.rawBucket, objectKey, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("删除对象 %s 失败: %w", objectKey, err)
	}
	return nil
}

// GetPresignedURL 获取归档对象的预签名URL
func (m *MinIO) GetPresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	presignedURL, err := m.client.PresignedGetObject(ctx, m.rawBucket, objectKey, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("生成MinIO预签名URL失败: %w", err)
	}
	return presignedURL.String(), nil
}

// StatObject 暴露底层的StatObject方法，用于测试或特定场景
func (m *MinIO) StatObject(ctx context.Context, objectKey string) (minio.ObjectInfo, error) {
	return m.client.StatObject(ctx, m.rawBucket, objectKey, minio.StatObjectOptions{})
}
