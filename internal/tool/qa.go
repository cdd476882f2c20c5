package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// QAClient queries the doc2bot QA service for answer traces and agent
// study details.
type QAClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

type QAClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewQAClient(cfg QAClientConfig) *QAClient {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &QAClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  cfg.HTTPClient,
		logger:  cfg.Logger,
	}
}

// qaEnvelope is the service's response wrapper.
type qaEnvelope struct {
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (c *QAClient) post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qa service: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("qa service %s: status %d: %s", path, resp.StatusCode, data)
	}

	var env qaEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode qa response: %w", err)
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		if env.Message != "" {
			return nil, fmt.Errorf("qa service %s: %s", path, env.Message)
		}
		return nil, fmt.Errorf("qa service %s: empty result", path)
	}
	return env.Result, nil
}

// Trace fetches the QA detail for one request. Retrieved chunks are
// flattened to "标题:<name> 答案:<content>" with their score.
func (c *QAClient) Trace(ctx context.Context, traceID string) (map[string]any, error) {
	raw, err := c.post(ctx, "/qa/trace", map[string]string{"traceId": traceID})
	if err != nil {
		return nil, err
	}
	var detail struct {
		Question      string `json:"question"`
		Answer        string `json:"answer"`
		RetrievalList []struct {
			Name    string  `json:"name"`
			Content string  `json:"content"`
			Score   float64 `json:"score"`
		} `json:"retrievalList"`
	}
	if err := json.Unmarshal(raw, &detail); err != nil {
		return nil, fmt.Errorf("decode qa trace: %w", err)
	}

	chunks := make([]map[string]any, 0, len(detail.RetrievalList))
	for _, item := range detail.RetrievalList {
		chunks = append(chunks, map[string]any{
			"content": fmt.Sprintf("标题:%s 答案:%s", item.Name, item.Content),
			"score":   item.Score,
		})
	}
	c.logger.Debug("qa trace fetched", "trace_id", traceID, "chunks", len(chunks))
	return map[string]any{
		"trace_id":       traceID,
		"question":       detail.Question,
		"answer":         detail.Answer,
		"retrieval_list": chunks,
	}, nil
}

// StudyDetail fetches what an assistant has learned, as returned by the service.
func (c *QAClient) StudyDetail(ctx context.Context, agentCode string) (map[string]any, error) {
	raw, err := c.post(ctx, "/qa/studyDetail", map[string]string{"agentCode": agentCode})
	if err != nil {
		return nil, err
	}
	var detail any
	if err := json.Unmarshal(raw, &detail); err != nil {
		return nil, fmt.Errorf("decode study detail: %w", err)
	}
	return map[string]any{"agent_code": agentCode, "detail": detail}, nil
}

const qaTraceOutput = `{
  "type": "object",
  "required": ["trace_id", "question", "answer", "retrieval_list"],
  "properties": {
    "trace_id": {"type": "string"},
    "question": {"type": "string"},
    "answer": {"type": "string"},
    "retrieval_list": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["content", "score"],
        "properties": {"content": {"type": "string"}, "score": {"type": "number"}}
      }
    }
  }
}`

// RegisterQATools registers query_qa_detail_info and call_agent_code
// against c.
func RegisterQATools(r *Registry, c *QAClient) error {
	for _, s := range []Spec{
		{
			Name:        "query_qa_detail_info",
			Description: "通过 traceId 查询一次问答请求的明细：用户问题、回答和召回片段",
			Input: `{
  "type": "object",
  "required": ["trace_id"],
  "properties": {
    "trace_id": {"type": "string", "pattern": "^[0-9a-zA-Z]{16,64}$", "description": "问答请求的 traceId，例如 0b51258d17479908039123525e1507"}
  }
}`,
			Output:     qaTraceOutput,
			Idempotent: true,
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				return c.Trace(ctx, ArgString(args, "trace_id"))
			},
		},
		{
			Name:        "call_agent_code",
			Description: "查询智能助手的学习详情",
			Input: `{
  "type": "object",
  "required": ["agent_code"],
  "properties": {
    "agent_code": {"type": "string", "minLength": 1, "description": "智能助手的 id"}
  }
}`,
			Output: `{
  "type": "object",
  "required": ["agent_code", "detail"],
  "properties": {"agent_code": {"type": "string"}, "detail": {}}
}`,
			Idempotent: true,
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				return c.StudyDetail(ctx, ArgString(args, "agent_code"))
			},
		},
	} {
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}
