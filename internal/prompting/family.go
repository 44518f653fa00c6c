// Package prompting holds the family-specific chat templates, stop markers,
// and generation defaults that every injected message must be formatted
// through.
package prompting

import (
	"fmt"
	"strings"
)

// Family is one of the chat-template families the kernel understands.
type Family string

const (
	Llama   Family = "Llama"
	Qwen    Family = "Qwen"
	Mistral Family = "Mistral"
	Unknown Family = "Unknown"
)

// InferFamily maps a model filename stem to a Family by case-insensitive
// substring match.
func InferFamily(stem string) Family {
	lower := strings.ToLower(stem)
	switch {
	case strings.Contains(lower, "llama"):
		return Llama
	case strings.Contains(lower, "qwen"):
		return Qwen
	case strings.Contains(lower, "mistral"), strings.Contains(lower, "mixtral"):
		return Mistral
	default:
		return Unknown
	}
}

// GenerationConfig holds the sampler parameters in effect for the active
// engine.
type GenerationConfig struct {
	Temperature float64
	TopP        float64
	Seed        uint64
	MaxTokens   int
}

// DefaultsFor returns the stock sampler configuration for a family.
func DefaultsFor(family Family) GenerationConfig {
	cfg := GenerationConfig{
		Temperature: 0.7,
		TopP:        0.9,
		Seed:        299792458,
		MaxTokens:   500,
	}
	if family == Mistral {
		cfg.TopP = 0.92
	}
	return cfg
}

// String renders the GenerationConfig the way SET_GEN/GET_GEN responses do.
func (c GenerationConfig) String() string {
	return fmt.Sprintf("temperature=%v top_p=%v seed=%d max_tokens=%d", c.Temperature, c.TopP, c.Seed, c.MaxTokens)
}

// stopMarkers lists the family-specific substrings that terminate generation
// when they appear in freshly detokenized text. The universal syscall-close
// marker "]]" is not listed here; ShouldStopOnText checks it for every family.
var stopMarkers = map[Family][]string{
	Llama:   {"<|eot_id|>", "<|end_of_text|>"},
	Qwen:    {"<|im_end|>", "<|endoftext|>"},
	Mistral: {"</s>"},
	Unknown: {},
}

// ShouldStopOnText reports whether freshly produced text contains a stop
// marker for the given family, or the universal syscall-close marker.
func ShouldStopOnText(family Family, text string) bool {
	if strings.Contains(text, "]]") {
		return true
	}
	for _, marker := range stopMarkers[family] {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// FormatSystemInjection wraps content as a system turn in the family's chat
// template, followed by an empty assistant turn so the next decode step
// resumes generation.
func FormatSystemInjection(content string, family Family) string {
	return formatRoleInjection("system", content, family)
}

// FormatInterprocessUserMessage wraps an inter-process message as a user
// turn tagged with the sending pid.
func FormatInterprocessUserMessage(fromPID uint64, message string, family Family) string {
	content := fmt.Sprintf("[Message from PID %d]: %s", fromPID, message)
	return formatRoleInjection("user", content, family)
}

func formatRoleInjection(role, content string, family Family) string {
	switch family {
	case Llama:
		return fmt.Sprintf(
			"<|eot_id|><|start_header_id|>%s<|end_header_id|>\n\n%s\n<|eot_id|><|start_header_id|>assistant<|end_header_id|>\n",
			role, content,
		)
	case Qwen:
		return fmt.Sprintf("<|im_start|>%s\n%s\n<|im_end|>\n<|im_start|>assistant\n", role, content)
	case Mistral:
		if role == "system" {
			return fmt.Sprintf("[INST] [SYSTEM] %s [/SYSTEM] [/INST]", content)
		}
		return fmt.Sprintf("[INST] %s [/INST]", content)
	default:
		return fmt.Sprintf("\n[%s]\n%s\n[/%s]\n", role, content, role)
	}
}
