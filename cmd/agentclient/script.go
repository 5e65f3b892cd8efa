package main

import (
	"context"
	"fmt"
	"time"

	"github.com/korylprince/agentstream/agent"
	"github.com/korylprince/agentstream/protocol"
)

type stepKind int

const (
	stepRequest stepKind = iota
	stepToken
	stepCall
	stepChunk
	stepResult
)

// step is one frame of a scripted agent run.
type step struct {
	kind    stepKind
	id      string
	name    string
	content string
	value   interface{}
}

func request(content string) step { return step{kind: stepRequest, content: content} }

func tokens(words ...string) []step {
	out := make([]step, 0, len(words))
	for _, w := range words {
		out = append(out, step{kind: stepToken, content: w})
	}
	return out
}

func call(id, name string, args interface{}) step {
	return step{kind: stepCall, id: id, name: name, value: args}
}

// chunks streams fragments of one invocation; only the first carries the name.
func chunks(id, name string, fragments ...string) []step {
	out := make([]step, 0, len(fragments))
	for i, f := range fragments {
		s := step{kind: stepChunk, id: id, content: f}
		if i == 0 {
			s.name = name
		}
		out = append(out, s)
	}
	return out
}

func result(id string, v interface{}) step {
	if text, ok := v.(string); ok {
		return step{kind: stepResult, id: id, value: protocol.Opaque(text)}
	}
	return step{kind: stepResult, id: id, value: v}
}

const demoImage = "https://images.unsplash.com/photo-1542281286-9e0a56e2e1a1?q=80&w=2000&auto=format&fit=crop"

// demoScript exercises every inbound frame kind: plain and thinking tokens, a chunked
// call whose first chunk carries no arguments, whole calls, structured and text results.
func demoScript() []step {
	var s []step
	add := func(steps ...step) { s = append(s, steps...) }

	add(request("Can you analyze this image for me and then take an action?"))
	add(tokens("Hello from Go! ", "I ", "am ", "streaming ", "data ", "now.\n")...)
	add(tokens("<thinking>", "Connecting ", "to ", "vision ", "and ", "action ", "tools... ", "</thinking>")...)

	add(chunks("call_vqa_1", "vision_analyze",
		"",
		"{\n",
		"  \"mode\": 1,\n",
		"  \"image\": \""+demoImage+"\",\n",
		"  \"question\": \"What kind of landscape is this?\"\n",
		"}",
	)...)
	add(result("call_vqa_1", map[string]interface{}{
		"status":  "ok",
		"data":    map[string]interface{}{"answer": "A mountainous landscape with dense forests and a lake."},
		"message": "Vision VQA analysis completed.",
	}))

	add(call("call_ground_1", "vision_analyze", map[string]interface{}{
		"mode":     "grounding",
		"image":    demoImage,
		"question": "Where is the mountain peak?",
	}))
	add(result("call_ground_1", map[string]interface{}{
		"status": "ok",
		"data": map[string]interface{}{
			"objects": []map[string]interface{}{{
				"label":      "mountain peak",
				"pixel_x":    1400,
				"pixel_y":    250,
				"distance":   120.0,
				"angle_deg":  0.0,
				"confidence": 0.96,
			}},
			"detection_count": 1,
		},
		"message": "Grounded the mountain peak position.",
	}))

	add(chunks("call_action_1", "take_action", `{"action_name": `, `"Wave"}`)...)
	add(result("call_action_1", map[string]interface{}{
		"status":  "ok",
		"data":    map[string]interface{}{"action_name": "Wave"},
		"message": "Successfully executed action 'Wave'.",
	}))

	add(chunks("call_nav_1", "control_nav", "{", `"x": 2.5, `, `"y": 1.0}`)...)
	add(tokens("Navigating ", "to ", "target ", "location...\n")...)
	add(result("call_nav_1", "Navigating to (x=2.5m forward, y=1.0m left)"))

	add(call("call_rot_1", "control_nav", map[string]interface{}{"angle": -45}))
	add(tokens("Rotating ", "robot...\n")...)
	add(result("call_rot_1", "Rotated 45° Right"))

	add(tokens("\nNow trying a generic tool...\n")...)
	add(call("call_search_1", "custom_search", map[string]interface{}{
		"query":   "Latest AI agents",
		"filters": []string{"news", "code"},
	}))
	add(result("call_search_1", map[string]interface{}{"hits": 5, "top_hit": "LangChain Agent"}))

	return s
}

func (s step) send(c *agent.Client) error {
	switch s.kind {
	case stepRequest:
		return c.UserRequest(s.content)
	case stepToken:
		return c.Token(s.content)
	case stepCall:
		return c.ToolCall(s.id, s.name, s.value)
	case stepChunk:
		return c.Send(protocol.ToolCallChunk(s.id, s.name, s.content))
	case stepResult:
		return c.ToolResult(s.id, s.value)
	}
	return fmt.Errorf("unknown step kind %d", s.kind)
}

// play sends every step, waiting delay between them. It stops early if ctx is done
// or the connection ends.
func play(ctx context.Context, c *agent.Client, steps []step, delay time.Duration) (int, error) {
	for i, s := range steps {
		if err := s.send(c); err != nil {
			return i, fmt.Errorf("step %d: %w", i, err)
		}
		if delay <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return i + 1, ctx.Err()
		case <-c.Done():
			if err := c.Err(); err != nil {
				return i + 1, err
			}
			return i + 1, agent.ErrClosed
		case <-time.After(delay):
		}
	}
	return len(steps), nil
}
