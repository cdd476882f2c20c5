package config

import "time"

// DefaultFallback is the reply sent when a turn cannot produce an answer.
const DefaultFallback = "抱歉，我暂时无法回答这个问题，请稍后再试。"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
			DataDir:   "~/.dingbridge",
		},
		DingTalk: DingTalkConfig{
			ClientID:     "${DINGTALK_CLIENT_ID}",
			ClientSecret: "${DINGTALK_CLIENT_SECRET}",
			APIBase:      "https://api.dingtalk.com",
			Topic:        "/v1.0/graph/api/invoke",
		},
		Stream: StreamConfig{
			BackoffBase:            Duration(time.Second),
			BackoffCap:             Duration(30 * time.Second),
			Jitter:                 0.2,
			HeartbeatInterval:      Duration(10 * time.Second),
			MissedHeartbeats:       3,
			MaxConsecutiveFailures: 10,
		},
		Dedup: DedupConfig{
			TTL:     Duration(5 * time.Minute),
			MaxSize: 10000,
		},
		Dispatch: DispatchConfig{
			Workers:   8,
			QueueSize: 256,
		},
		Runtime: RuntimeConfig{
			Provider:      "qwen",
			MaxIterations: 6,
			TurnTimeout:   Duration(30 * time.Second),
			Fallback:      DefaultFallback,
		},
		Tools: ToolsConfig{
			Timeout:       Duration(10 * time.Second),
			MaxConcurrent: 16,
			QABaseURL:     "https://pre-lippi-doc2bot.dingtalk.com",
		},
		Reply: ReplyConfig{
			URL:         "https://api.dingtalk.com/v1.0/aiInteraction/reply",
			MaxAttempts: 4,
			BaseBackoff: Duration(500 * time.Millisecond),
		},
		Providers: map[string]ProviderConfig{
			"qwen": {
				Type:          "openai",
				APIBase:       "https://dashscope.aliyuncs.com/compatible-mode/v1",
				APIKey:        "${DASHSCOPE_API_KEY}",
				Model:         "qwen-plus",
				MaxTokens:     2048,
				RatePerMinute: 60,
				Burst:         5,
			},
			"claude": {
				Type:          "anthropic",
				APIKey:        "${ANTHROPIC_API_KEY}",
				Model:         "claude-sonnet-4-5",
				MaxTokens:     2048,
				RatePerMinute: 30,
				Burst:         5,
			},
		},
		Agents: defaultAgents(),
		Metrics: MetricsConfig{
			Listen:        "127.0.0.1:9464",
			SamplingRatio: 1.0,
		},
	}
}

func defaultAgents() []AgentEntry {
	return []AgentEntry{
		{
			Name: "weather",
			Instruction: "你是天气助手。用户询问天气时，调用 getWeather 查询城市天气，" +
				"并只根据工具返回的字段（地点、日期、天气、温度、湿度、风向）作答。",
			Tools:    []string{"getWeather"},
			Keywords: []string{"天气", "气温", "weather"},
			Reply:    "markdown",
		},
		{
			Name: "doc2bot",
			Instruction: "## 用户信息\n- 当前用户名: {{or .SenderNick \"未知\"}}\n- 当前用户工号: {{or .SenderID \"未知\"}}\n- 当前时间: {{.Now}}\n\n" +
				"## 角色\n你是问答系统的排查助理。traceId 是 30 位字符串，例如 0b51258d17479908039123525e1507。" +
				"从用户输入中提取 traceId，调用 query_qa_detail_info 查询这次问答的明细；" +
				"用户给出智能助手 id 时，调用 call_agent_code 查询学习详情。\n\n" +
				"## 输出\n根据用户问题(question)、助理回答(answer)和召回片段(retrieval_list)分析回答质量，并给出改进建议。",
			Tools:    []string{"query_qa_detail_info", "call_agent_code"},
			Keywords: []string{"traceid", "排查", "问答明细", "学习详情"},
			Pattern:  `\b[0-9a-f]{30}\b`,
			Reply:    "markdown",
		},
		{
			Name: "assistant",
			Instruction: "你是{{or .Conversation.Title \"钉钉\"}}里的助手，正在和{{.SenderNick}}对话。" +
				"可以查询时间、讲笑话或抽一支签。回答简洁。",
			Tools:   []string{"get_time", "tell_joke", "fortune", "list_tools"},
			Default: true,
			Reply:   "text",
		},
	}
}
