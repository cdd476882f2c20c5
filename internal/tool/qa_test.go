package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"dingbridge/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQAServer(t *testing.T, handler http.HandlerFunc) *Registry {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	r := NewRegistry(RegistryConfig{})
	require.NoError(t, RegisterQATools(r, NewQAClient(QAClientConfig{BaseURL: srv.URL + "/"})))
	return r
}

func TestQATrace_FlattensRetrievals(t *testing.T) {
	r := newQAServer(t, func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/qa/trace", req.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "0b51258d17479908039123525e1507", body["traceId"])
		_, _ = w.Write([]byte(`{"success":true,"result":{
			"question":"年假怎么请？","answer":"在审批里提交。","costMs":812,
			"retrievalList":[{"name":"请假制度","content":"年假需提前三天申请","score":0.91,"docId":"d1"}]}}`))
	})

	res, err := r.Invoke(context.Background(), domain.ToolCall{
		Name: "query_qa_detail_info", Arguments: map[string]any{"trace_id": "0b51258d17479908039123525e1507"},
	})
	require.NoError(t, err)
	assert.Equal(t, "年假怎么请？", res.Fields["question"])
	assert.Equal(t, "在审批里提交。", res.Fields["answer"])
	assert.NotContains(t, res.Fields, "costMs")
	chunks := res.Fields["retrieval_list"].([]map[string]any)
	require.Len(t, chunks, 1)
	assert.Equal(t, "标题:请假制度 答案:年假需提前三天申请", chunks[0]["content"])
	assert.Equal(t, 0.91, chunks[0]["score"])
}

func TestQATrace_RejectsMalformedTraceID(t *testing.T) {
	called := false
	r := newQAServer(t, func(w http.ResponseWriter, req *http.Request) { called = true })

	_, err := r.Invoke(context.Background(), domain.ToolCall{
		Name: "query_qa_detail_info", Arguments: map[string]any{"trace_id": "not a trace"},
	})
	assert.True(t, domain.IsValidation(err))
	assert.False(t, called)
}

func TestQATrace_ServiceFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		},
		"no result": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"success":false,"message":"trace not found","result":null}`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			r := newQAServer(t, h)
			_, err := r.Invoke(context.Background(), domain.ToolCall{
				Name: "query_qa_detail_info", Arguments: map[string]any{"trace_id": "0b51258d17479908039123525e1507"},
			})
			assert.True(t, domain.IsToolExec(err), "got %v", err)
		})
	}
}

func TestCallAgentCode(t *testing.T) {
	r := newQAServer(t, func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/qa/studyDetail", req.URL.Path)
		_, _ = w.Write([]byte(`{"result":{"docs":3,"status":"done"}}`))
	})

	res, err := r.Invoke(context.Background(), domain.ToolCall{
		Name: "call_agent_code", Arguments: map[string]any{"agent_code": "agt-42"},
	})
	require.NoError(t, err)
	assert.Equal(t, "agt-42", res.Fields["agent_code"])
	assert.Equal(t, map[string]any{"docs": float64(3), "status": "done"}, res.Fields["detail"])
}
