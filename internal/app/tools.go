package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/chandaliar/internal/light"
	"github.com/MrWong99/chandaliar/internal/prompt"
	"github.com/MrWong99/chandaliar/pkg/provider/llm"
)

// colorArgs are the arguments of the set_light_color tool.
type colorArgs struct {
	Red   *int `json:"red"`
	Green *int `json:"green"`
	Blue  *int `json:"blue"`
}

// lightTool lets the assistant tint the lamp while it talks.
func lightTool(s *light.Scheduler) prompt.Tool {
	channel := map[string]any{"type": "integer", "minimum": 0, "maximum": 255}
	return prompt.Tool{
		Definition: llm.ToolDefinition{
			Name:        "set_light_color",
			Description: "Set the colour of the chandelier. Each channel ranges from 0 to 255.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"red":   channel,
					"green": channel,
					"blue":  channel,
				},
				"required": []string{"red", "green", "blue"},
			},
		},
		Handle: func(_ context.Context, raw json.RawMessage) error {
			c, err := parseColor(raw)
			if err != nil {
				return err
			}
			s.Tint(c)
			return nil
		},
	}
}

func parseColor(raw json.RawMessage) (light.Color, error) {
	var args colorArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return light.Color{}, fmt.Errorf("set_light_color: %w", err)
	}
	if args.Red == nil || args.Green == nil || args.Blue == nil {
		return light.Color{}, fmt.Errorf("set_light_color: red, green and blue are required")
	}
	for _, v := range []int{*args.Red, *args.Green, *args.Blue} {
		if v < 0 || v > 255 {
			return light.Color{}, fmt.Errorf("set_light_color: channel %d out of range 0..255", v)
		}
	}
	return light.Color{
		Red:   *args.Red,
		Green: *args.Green,
		Blue:  *args.Blue,
		Gain:  light.SpeakMax,
	}, nil
}
