package tool

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
	_ "time/tzdata"
)

const defaultTimezone = "Asia/Shanghai"

var jokes = []string{
	"为什么程序员都喜欢黑色？因为他们不喜欢 bug 光。",
	"Python 和蛇有什么共同点？一旦缠上你就放不下了。",
	"为什么 Java 开发者很少被邀去派对？因为他们总是抛出异常。",
}

var fortunes = []string{
	"大吉：今天适合尝试新事物！",
	"中吉：平稳的一天，保持专注。",
	"小吉：会有小惊喜出现～",
	"凶：注意不要过度疲劳。",
	"大凶：小心电子设备出问题。",
}

// RegisterBuiltins registers getWeather, get_time, tell_joke, fortune and
// list_tools. A nil weather source uses DefaultWeather.
func RegisterBuiltins(r *Registry, weather WeatherSource) error {
	if weather == nil {
		weather = DefaultWeather()
	}
	for _, s := range []Spec{
		WeatherSpec(weather),
		timeSpec(time.Now),
		pickSpec("tell_joke", "讲一个随机笑话", "joke", jokes),
		pickSpec("fortune", "抽一支今日运势签", "fortune", fortunes),
		listSpec(r),
	} {
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}

func timeSpec(now func() time.Time) Spec {
	return Spec{
		Name:        "get_time",
		Description: "获取当前时间，可指定 IANA 时区（默认 Asia/Shanghai）",
		Input: `{
  "type": "object",
  "properties": {"timezone": {"type": "string", "description": "IANA 时区，例如 Asia/Shanghai"}}
}`,
		Output: `{
  "type": "object",
  "required": ["time", "timezone"],
  "properties": {"time": {"type": "string"}, "timezone": {"type": "string"}}
}`,
		Idempotent: true,
		Handler: func(_ context.Context, args map[string]any) (map[string]any, error) {
			tz := ArgString(args, "timezone")
			if tz == "" {
				tz = defaultTimezone
			}
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return nil, fmt.Errorf("unknown timezone %q", tz)
			}
			return map[string]any{
				"time":     now().In(loc).Format("2006-01-02 15:04:05"),
				"timezone": tz,
			}, nil
		},
	}
}

func pickSpec(name, desc, field string, choices []string) Spec {
	return Spec{
		Name:        name,
		Description: desc,
		Output: fmt.Sprintf(`{
  "type": "object",
  "required": [%q],
  "properties": {%q: {"type": "string", "minLength": 1}}
}`, field, field),
		Handler: func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{field: choices[rand.IntN(len(choices))]}, nil
		},
	}
}

func listSpec(r *Registry) Spec {
	return Spec{
		Name:        "list_tools",
		Description: "列出当前可用的全部功能",
		Output: `{
  "type": "object",
  "required": ["tools"],
  "properties": {
    "tools": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "description"],
        "properties": {"name": {"type": "string"}, "description": {"type": "string"}}
      }
    }
  }
}`,
		Idempotent: true,
		Handler: func(context.Context, map[string]any) (map[string]any, error) {
			defs := r.Definitions(r.Names())
			list := make([]map[string]any, 0, len(defs))
			for _, d := range defs {
				list = append(list, map[string]any{"name": d.Name, "description": d.Description})
			}
			return map[string]any{"tools": list}, nil
		},
	}
}
