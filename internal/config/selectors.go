package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Selectors describes where the browser adapter finds things on the remote
// chat page. Each list is tried in order; the first visible match wins.
type Selectors struct {
	Input        []string `yaml:"input"`
	SendButton   []string `yaml:"send_button"`
	StopButton   []string `yaml:"stop_button"`
	Reply        []string `yaml:"reply"`
	ReplyImages  []string `yaml:"reply_images"`
	LoginMarkers []string `yaml:"login_markers"`
}

// DefaultSelectors returns the built-in selector set for the Gemini web app.
func DefaultSelectors() Selectors {
	return Selectors{
		Input: []string{
			"rich-textarea .ql-editor",
			"div.ql-editor.textarea",
			"div.ql-editor",
			`[aria-label*="输入提示"]`,
			`[aria-label*="Enter a prompt"]`,
			`[aria-label*="prompt"]`,
			`div[contenteditable="true"][role="textbox"]`,
		},
		SendButton: []string{
			"button.send-button",
			`button[aria-label="发送"]`,
			`button[aria-label="Send message"]`,
			`button[aria-label*="Send"]`,
			`button[aria-label*="发送"]`,
		},
		StopButton: []string{
			`button[aria-label*="Stop"]`,
			`button[aria-label*="停止"]`,
		},
		Reply: []string{
			`div[id^="model-response-message-content"]`,
			`[data-message-author-role="model"]`,
			"message-content",
			"model-response",
		},
		ReplyImages: []string{
			"img.image",
			"generated-image img",
			"single-image img",
			"img",
		},
		LoginMarkers: []string{
			"accounts.google.com",
			"sign in",
			"login",
		},
	}
}

// LoadSelectors returns the defaults, overridden by any non-empty list in
// the YAML file at path. An empty path returns the defaults.
func LoadSelectors(path string) (Selectors, error) {
	sel := DefaultSelectors()
	if path == "" {
		return sel, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return sel, fmt.Errorf("read selectors file: %w", err)
	}

	var override Selectors
	if err := yaml.Unmarshal(data, &override); err != nil {
		return sel, fmt.Errorf("parse selectors file %s: %w", path, err)
	}

	merge := func(dst *[]string, src []string) {
		if len(src) > 0 {
			*dst = src
		}
	}
	merge(&sel.Input, override.Input)
	merge(&sel.SendButton, override.SendButton)
	merge(&sel.StopButton, override.StopButton)
	merge(&sel.Reply, override.Reply)
	merge(&sel.ReplyImages, override.ReplyImages)
	merge(&sel.LoginMarkers, override.LoginMarkers)

	return sel, nil
}
