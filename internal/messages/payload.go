package messages

import "github.com/ashita-ai/tsumugi/internal/model"

// DefaultInputKeys are always kept when state is filtered by an agent's input
// schema.
var DefaultInputKeys = []string{"tools"}

// StreamInput returns the state values a stream starts from. Continuing a
// paused thread sends no values. When the agent declares input keys, only
// those keys and DefaultInputKeys are kept.
func StreamInput(mode string, state map[string]any, inputKeys []string) map[string]any {
	if mode != model.RunModeStart || state == nil {
		return nil
	}
	if len(inputKeys) == 0 {
		return state
	}
	allowed := make(map[string]bool, len(inputKeys)+len(DefaultInputKeys))
	for _, k := range DefaultInputKeys {
		allowed[k] = true
	}
	for _, k := range inputKeys {
		allowed[k] = true
	}
	out := make(map[string]any, len(allowed))
	for k, v := range state {
		if allowed[k] {
			out[k] = v
		}
	}
	return out
}
