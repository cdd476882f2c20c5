package tool

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCity is returned by a WeatherSource without data for a city.
var ErrUnknownCity = errors.New("unknown city")

// Weather is a day's forecast for one location.
type Weather struct {
	Location      string
	Day           string
	Text          string
	Temperature   float64 // °C
	Humidity      float64 // %
	WindDirection string
}

// WeatherSource looks up the forecast for a city.
type WeatherSource interface {
	Lookup(ctx context.Context, city string) (Weather, error)
}

// StaticWeather is a table-backed WeatherSource keyed by city name.
type StaticWeather map[string]Weather

func (s StaticWeather) Lookup(_ context.Context, city string) (Weather, error) {
	city = strings.TrimSpace(city)
	city = strings.TrimSuffix(city, "市")
	if w, ok := s[city]; ok {
		return w, nil
	}
	return Weather{}, fmt.Errorf("%w: %s", ErrUnknownCity, city)
}

// DefaultWeather returns the built-in forecast table.
func DefaultWeather() StaticWeather {
	return StaticWeather{
		"北京": {Location: "北京", Day: "今天", Text: "晴", Temperature: 22, Humidity: 40, WindDirection: "北"},
		"上海": {Location: "上海", Day: "今天", Text: "多云", Temperature: 25, Humidity: 70, WindDirection: "东"},
		"杭州": {Location: "杭州", Day: "今天", Text: "晴天", Temperature: 22, Humidity: 65, WindDirection: "东南风"},
		"广州": {Location: "广州", Day: "今天", Text: "阵雨", Temperature: 29, Humidity: 85, WindDirection: "南"},
		"深圳": {Location: "深圳", Day: "今天", Text: "雷阵雨", Temperature: 28, Humidity: 88, WindDirection: "西南"},
	}
}

const weatherInput = `{
  "type": "object",
  "required": ["city"],
  "properties": {
    "city": {"type": "string", "minLength": 1, "description": "城市名称，例如 北京"}
  }
}`

const weatherOutput = `{
  "type": "object",
  "required": ["location", "day", "text", "temperature", "humidity", "wind_direction"],
  "additionalProperties": false,
  "properties": {
    "location": {"type": "string"},
    "day": {"type": "string"},
    "text": {"type": "string"},
    "temperature": {"type": "number"},
    "humidity": {"type": "number", "minimum": 0, "maximum": 100},
    "wind_direction": {"type": "string"}
  }
}`

// WeatherSpec returns the getWeather tool backed by src.
func WeatherSpec(src WeatherSource) Spec {
	return Spec{
		Name:        "getWeather",
		Description: "获取城市天气：返回地点、日期、天气描述、温度、湿度和风向",
		Input:       weatherInput,
		Output:      weatherOutput,
		Idempotent:  true,
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			w, err := src.Lookup(ctx, ArgString(args, "city"))
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"location":       w.Location,
				"day":            w.Day,
				"text":           w.Text,
				"temperature":    w.Temperature,
				"humidity":       w.Humidity,
				"wind_direction": w.WindDirection,
			}, nil
		},
	}
}
