package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/imroc/req/v3"
	"github.com/tidwall/gjson"

	"github.com/zelo-labs/relaygate/internal/config"
	"github.com/zelo-labs/relaygate/internal/domain"
	"github.com/zelo-labs/relaygate/internal/pkg/geminibiz"
	"github.com/zelo-labs/relaygate/internal/pkg/logger"
	"github.com/zelo-labs/relaygate/internal/pkg/openai"
)

// GeminiBizGatewayService Gemini 业务版 widget 反向会话通道。
// 每账号 JWT 缓存复用，widget 会话按对话粘性键复用。
type GeminiBizGatewayService struct {
	cfg       *config.Config
	gw        *GatewayService
	client    *geminibiz.Client
	files     *req.Client // 外部上下文文件下载
	tokens    *geminibiz.TokenProvider
	estimator *UsageEstimator

	mu       sync.Mutex
	sessions map[string]string // conversationKey → widget session 名
}

// 目前只有该模型支持图像生成工具
const bizImageCapableModel = "gemini-3-pro-preview"

func NewGeminiBizGatewayService(cfg *config.Config, gw *GatewayService, estimator *UsageEstimator) *GeminiBizGatewayService {
	client := geminibiz.NewClient(cfg.GeminiBusiness.BaseURL, cfg.GeminiBusiness.UserAgent, 0)
	cacheTTL := time.Duration(cfg.GeminiBusiness.JWTCacheSeconds) * time.Second
	downloadTimeout := time.Duration(cfg.GeminiBusiness.ContextFiles.DownloadTimeoutSeconds) * time.Second
	if downloadTimeout <= 0 {
		downloadTimeout = 30 * time.Second
	}
	return &GeminiBizGatewayService{
		cfg:       cfg,
		gw:        gw,
		client:    client,
		files:     req.C().SetTimeout(downloadTimeout),
		tokens:    geminibiz.NewTokenProvider(client, cacheTTL),
		estimator: estimator,
		sessions:  make(map[string]string),
	}
}

// Gateway 暴露底层调度引擎
func (s *GeminiBizGatewayService) Gateway() *GatewayService { return s.gw }

// MaxAttempts 业务版通道的重试上限
func (s *GeminiBizGatewayService) MaxAttempts() int { return domain.MaxAttemptsGeminiBusiness }

func bizCredentials(account *Account) (*geminibiz.Credentials, error) {
	cred, ok := account.Credential.(*GeminiBusinessCredential)
	if !ok {
		return nil, fmt.Errorf("account %d is not a gemini-business account", account.ID)
	}
	return &geminibiz.Credentials{
		Csesidx:    cred.Csesidx,
		SESCookie:  cred.SESCookie,
		OSESCookie: cred.OSESCookie,
		ConfigID:   cred.ConfigID,
		Issuer:     cred.Issuer,
		Audience:   cred.Audience,
	}, nil
}

// ensureSession 为对话粘性键取得（或新建）widget 会话
func (s *GeminiBizGatewayService) ensureSession(ctx context.Context, account *Account, creds *geminibiz.Credentials, token, conversationKey string) (string, error) {
	cacheKey := fmt.Sprintf("%d/%s", account.ID, conversationKey)

	if conversationKey != "" {
		s.mu.Lock()
		session, ok := s.sessions[cacheKey]
		s.mu.Unlock()
		if ok {
			return session, nil
		}
	}

	session, err := s.client.CreateSession(ctx, creds, token)
	if err != nil {
		return "", err
	}
	if conversationKey != "" {
		s.mu.Lock()
		s.sessions[cacheKey] = session
		s.mu.Unlock()
	}
	logger.LegacyPrintf("GeminiBiz-Forward", "session=%s account=%d widget session created",
		ShortDigest(conversationKey), account.ID)
	return session, nil
}

// Forward 统一入口：prompt 发给 widgetStreamAssist，
// 响应按调用方方言回写（Gemini candidates 或 OpenAI chat completion）。
// fileURIs 指向的外部文件会先挂到会话再发起对话。
func (s *GeminiBizGatewayService) Forward(ctx context.Context, c *gin.Context, account *Account, dialect, model, prompt, conversationKey string, stream bool, fileURIs []string) (*ForwardResult, error) {
	creds, err := bizCredentials(account)
	if err != nil {
		return nil, err
	}
	token, err := s.tokens.Token(ctx, account.ID, creds)
	if err != nil {
		return nil, err
	}
	session, err := s.ensureSession(ctx, account, creds, token, conversationKey)
	if err != nil {
		return nil, err
	}
	if len(fileURIs) > 0 {
		s.uploadContextFiles(ctx, creds, token, session, fileURIs)
	}

	assistBody := map[string]any{
		"session": session,
		"query": map[string]any{
			"text": prompt,
		},
	}
	if s.cfg.GeminiBusiness.ImageGeneration.Enabled && model == bizImageCapableModel {
		assistBody["tools"] = []map[string]any{{"imageGeneration": map[string]any{}}}
	}

	resp, err := s.client.StreamAssist(ctx, creds, token, assistBody)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized {
			s.tokens.Invalidate(account.ID)
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return &ForwardResult{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       body,
		}, nil
	}

	inputTokens := s.estimator.CountText(prompt)
	if dialect == domain.DialectOpenAI {
		if stream {
			return s.streamToOpenAI(c, resp.Body, resp.Header, model, inputTokens)
		}
		return s.aggregateToOpenAI(c, resp.Body, resp.Header, model, inputTokens)
	}
	if stream {
		return s.streamToGemini(c, resp.Body, resp.Header, inputTokens)
	}
	return s.aggregateToGemini(c, resp.Body, resp.Header, inputTokens)
}

// uploadContextFiles 拉取外部文件并挂到 widget 会话；单个文件失败只记日志不中断请求
func (s *GeminiBizGatewayService) uploadContextFiles(ctx context.Context, creds *geminibiz.Credentials, token, session string, uris []string) {
	for _, uri := range uris {
		name, data, err := s.downloadContextFile(ctx, uri)
		if err != nil {
			logger.LegacyPrintf("GeminiBiz-Forward", "context file %s skipped: %v", uri, err)
			continue
		}
		if uerr := s.client.AddContextFile(ctx, creds, token, session, name, data); uerr != nil {
			logger.LegacyPrintf("GeminiBiz-Forward", "context file %s upload failed: %v", name, uerr)
		}
	}
	if meta, merr := s.client.ListSessionFileMetadata(ctx, creds, token, session); merr == nil {
		logger.LegacyPrintf("GeminiBiz-Forward", "session has %d context files", gjson.GetBytes(meta, "files.#").Int())
	}
}

func (s *GeminiBizGatewayService) downloadContextFile(ctx context.Context, uri string) (string, []byte, error) {
	u, err := url.Parse(uri)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", nil, fmt.Errorf("unsupported file uri")
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		name = "file"
	}

	resp, err := s.files.R().SetContext(ctx).DisableAutoReadResponse().Get(uri)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("download status %d", resp.StatusCode)
	}

	maxBytes := s.cfg.GeminiBusiness.ContextFiles.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 100 * 1024 * 1024
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return "", nil, err
	}
	if int64(len(data)) > maxBytes {
		return "", nil, fmt.Errorf("file exceeds %d bytes", maxBytes)
	}
	return name, data, nil
}

// extractWidgetText 递归收集对象里的 text 字段（跳过引用上下文）
func extractWidgetText(obj []byte) string {
	var sb strings.Builder
	var walk func(v gjson.Result)
	walk = func(v gjson.Result) {
		if !v.IsObject() && !v.IsArray() {
			return
		}
		v.ForEach(func(key, val gjson.Result) bool {
			switch {
			case key.String() == "text" && val.Type == gjson.String:
				sb.WriteString(val.String())
			case key.String() == "references" || key.String() == "citations":
				// 引文元数据不进正文
			default:
				walk(val)
			}
			return true
		})
	}
	walk(gjson.ParseBytes(obj))
	return sb.String()
}

// readWidgetStream JSON 数组流逐对象解析
func (s *GeminiBizGatewayService) readWidgetStream(ctx context.Context, body io.Reader, handle func(text string) error) error {
	parser := &JSONArrayStreamParser{}
	buf := make([]byte, 32*1024)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := body.Read(buf)
		if n > 0 {
			for _, obj := range parser.Feed(buf[:n]) {
				if text := extractWidgetText(obj); text != "" {
					if herr := handle(text); herr != nil {
						return herr
					}
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (s *GeminiBizGatewayService) streamToOpenAI(c *gin.Context, body io.Reader, header http.Header, model string, inputTokens int) (*ForwardResult, error) {
	streamHeaders(c)
	c.Writer.WriteHeader(http.StatusOK)

	res := &ForwardResult{StatusCode: http.StatusOK, Header: header, Started: true}
	emitter := NewOpenAIChunkEmitter(NewSSEWriter(c.Writer), model)

	var total strings.Builder
	err := s.readWidgetStream(c.Request.Context(), body, func(text string) error {
		total.WriteString(text)
		return emitter.EmitText(text)
	})
	if err != nil {
		return res, err
	}
	res.Usage = UsageTotals{
		InputTokens:  inputTokens,
		OutputTokens: s.estimator.CountText(total.String()),
	}
	emitter.SetUsage(res.Usage.InputTokens, res.Usage.OutputTokens)
	return res, emitter.Finish()
}

func (s *GeminiBizGatewayService) aggregateToOpenAI(c *gin.Context, body io.Reader, header http.Header, model string, inputTokens int) (*ForwardResult, error) {
	var total strings.Builder
	err := s.readWidgetStream(c.Request.Context(), body, func(text string) error {
		total.WriteString(text)
		return nil
	})
	if err != nil {
		return &ForwardResult{StatusCode: http.StatusBadGateway, Header: header}, err
	}

	res := &ForwardResult{StatusCode: http.StatusOK, Header: header, Started: true}
	res.Usage = UsageTotals{
		InputTokens:  inputTokens,
		OutputTokens: s.estimator.CountText(total.String()),
	}
	finish := "stop"
	c.JSON(http.StatusOK, openai.ChatCompletion{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.Choice{{
			Index: 0,
			Message: &openai.ResponseMessage{
				Role:    "assistant",
				Content: total.String(),
			},
			FinishReason: &finish,
		}},
		Usage: &openai.Usage{
			PromptTokens:     res.Usage.InputTokens,
			CompletionTokens: res.Usage.OutputTokens,
			TotalTokens:      res.Usage.InputTokens + res.Usage.OutputTokens,
		},
	})
	return res, nil
}

func (s *GeminiBizGatewayService) streamToGemini(c *gin.Context, body io.Reader, header http.Header, inputTokens int) (*ForwardResult, error) {
	streamHeaders(c)
	c.Writer.WriteHeader(http.StatusOK)

	res := &ForwardResult{StatusCode: http.StatusOK, Header: header, Started: true}
	sw := NewSSEWriter(c.Writer)

	writeChunk := func(chunk map[string]any) error {
		payload, merr := json.Marshal(chunk)
		if merr != nil {
			return merr
		}
		return sw.WriteRaw("data: " + string(payload) + "\n\n")
	}

	var total strings.Builder
	err := s.readWidgetStream(c.Request.Context(), body, func(text string) error {
		total.WriteString(text)
		return writeChunk(geminiChunkEnvelope(text, "", 0, 0))
	})
	if err != nil {
		return res, err
	}
	outputTokens := s.estimator.CountText(total.String())
	res.Usage = UsageTotals{InputTokens: inputTokens, OutputTokens: outputTokens}
	// 终止 chunk 带 finishReason 与用量
	if werr := writeChunk(geminiChunkEnvelope("", "STOP", inputTokens, outputTokens)); werr != nil {
		return res, werr
	}
	return res, nil
}

func (s *GeminiBizGatewayService) aggregateToGemini(c *gin.Context, body io.Reader, header http.Header, inputTokens int) (*ForwardResult, error) {
	var total strings.Builder
	err := s.readWidgetStream(c.Request.Context(), body, func(text string) error {
		total.WriteString(text)
		return nil
	})
	if err != nil {
		return &ForwardResult{StatusCode: http.StatusBadGateway, Header: header}, err
	}

	res := &ForwardResult{StatusCode: http.StatusOK, Header: header, Started: true}
	outputTokens := s.estimator.CountText(total.String())
	res.Usage = UsageTotals{InputTokens: inputTokens, OutputTokens: outputTokens}
	c.JSON(http.StatusOK, geminiChunkEnvelope(total.String(), "STOP", inputTokens, outputTokens))
	return res, nil
}

// geminiChunkEnvelope 拼一个标准 Gemini candidates 响应体
func geminiChunkEnvelope(text, finishReason string, inputTokens, outputTokens int) map[string]any {
	cand := map[string]any{
		"content": map[string]any{
			"role":  "model",
			"parts": []map[string]any{{"text": text}},
		},
	}
	if finishReason != "" {
		cand["finishReason"] = finishReason
	}
	out := map[string]any{"candidates": []map[string]any{cand}}
	if finishReason != "" {
		out["usageMetadata"] = map[string]any{
			"promptTokenCount":     inputTokens,
			"candidatesTokenCount": outputTokens,
			"totalTokenCount":      inputTokens + outputTokens,
		}
	}
	return out
}

// ExtractGeminiPrompt 原生 Gemini 请求体里拼接用户输入
func ExtractGeminiPrompt(body []byte) string {
	var sb strings.Builder
	gjson.GetBytes(body, "contents").ForEach(func(_, content gjson.Result) bool {
		if role := content.Get("role").String(); role != "" && role != "user" {
			return true
		}
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if t := part.Get("text"); t.Type == gjson.String {
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(t.String())
			}
			return true
		})
		return true
	})
	return sb.String()
}

// ExtractGeminiFileURIs 收集请求 parts 里 fileData.fileUri 指向的外部文件
func ExtractGeminiFileURIs(body []byte) []string {
	var uris []string
	gjson.GetBytes(body, "contents").ForEach(func(_, content gjson.Result) bool {
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if uri := part.Get("fileData.fileUri").String(); uri != "" {
				uris = append(uris, uri)
			}
			return true
		})
		return true
	})
	return uris
}

// ExtractOpenAIPrompt OpenAI messages 拼接为单段 prompt
func ExtractOpenAIPrompt(messages []openai.ChatMessage) string {
	var sb strings.Builder
	for _, m := range messages {
		text := m.ContentText()
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		switch m.Role {
		case "system", "developer":
			sb.WriteString(text)
		default:
			sb.WriteString(m.Role + ": " + text)
		}
	}
	return sb.String()
}
