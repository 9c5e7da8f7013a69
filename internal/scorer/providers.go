package scorer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// ChatModelProvider 将 eino ChatModel 适配为评分链的 Provider。
// 通常包装的是带限流的模型实例。
type ChatModelProvider struct {
	model   model.ToolCallingChatModel
	modelID string
}

// NewChatModelProvider 创建内部链的模型适配器
func NewChatModelProvider(m model.ToolCallingChatModel, modelID string) *ChatModelProvider {
	return &ChatModelProvider{model: m, modelID: modelID}
}

func (p *ChatModelProvider) ModelID() string {
	return p.modelID
}

func (p *ChatModelProvider) Invoke(ctx context.Context, messages []*einoschema.Message) (string, error) {
	resp, err := p.model.Generate(ctx, messages)
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Content == "" {
		return "", fmt.Errorf("模型 %s 返回空响应", p.modelID)
	}
	return resp.Content, nil
}

// GeminiFallbackProvider 外部回退模型：内部链全部耗尽后的最后一搏。
// 走 Google GenAI SDK 而非 OpenAI 兼容协议，供应商层面与内部链隔离。
type GeminiFallbackProvider struct {
	client    *genai.Client
	modelName string
}

// NewGeminiFallbackProvider 创建外部回退模型客户端
func NewGeminiFallbackProvider(ctx context.Context, apiKey, modelName string) (*GeminiFallbackProvider, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("外部回退模型需要API密钥")
	}
	if modelName = strings.TrimSpace(modelName); modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("创建genai客户端失败: %w", err)
	}

	return &GeminiFallbackProvider{client: client, modelName: modelName}, nil
}

func (p *GeminiFallbackProvider) ModelID() string {
	return p.modelName
}

func (p *GeminiFallbackProvider) Invoke(ctx context.Context, messages []*einoschema.Message) (string, error) {
	if p.client == nil {
		return "", errors.New("genai客户端未初始化")
	}

	// eino消息序列压平为单个提示词
	var sb strings.Builder
	for i, msg := range messages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(msg.Content)
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.modelName, genai.Text(sb.String()), nil)
	if err != nil {
		return "", fmt.Errorf("外部回退模型调用失败: %w", err)
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}

	output := strings.TrimSpace(builder.String())
	if output == "" {
		return "", errors.New("外部回退模型返回空响应")
	}
	return output, nil
}

var _ Provider = (*ChatModelProvider)(nil)
var _ Provider = (*GeminiFallbackProvider)(nil)
