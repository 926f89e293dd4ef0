package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// PromptComponent is one hot-pluggable prompt module loaded from a
// .md file with optional YAML frontmatter.
type PromptComponent struct {
	Name     string        // unique component name
	Priority int           // sort weight (lower = earlier in prompt)
	Content  string        // the markdown body
	Requires *Requirements // load conditions (nil = always load)
	FilePath string        // source file, for diagnostics
}

// Requirements gates a component's loading. Every present condition
// must hold (AND).
type Requirements struct {
	Tools   []string `yaml:"tools"`    // ALL listed tools registered
	AnyTool []string `yaml:"any_tool"` // ANY listed tool registered
	Intent  []string `yaml:"intent"`   // detected intent is one of these
	Model   []string `yaml:"model"`    // model name contains one of these
}

// frontmatter is the parse target for the block between "---" fences.
type frontmatter struct {
	Name     string        `yaml:"name"`
	Priority *int          `yaml:"priority"`
	Requires *Requirements `yaml:"requires"`
}

const defaultPriority = 50

// ParsePromptFile reads a .md file and returns its component. A file
// without frontmatter is a whole-body component with defaults:
//
//	---
//	name: scheduling_rules
//	priority: 30
//	requires:
//	  any_tool: [web_search]
//	  intent: [schedule, research]
//	---
//	Component text...
func ParsePromptFile(path string) (*PromptComponent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt file: %w", err)
	}

	comp := &PromptComponent{
		Name:     strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Priority: defaultPriority,
		FilePath: path,
	}

	content := string(data)
	if !strings.HasPrefix(content, "---") {
		comp.Content = strings.TrimSpace(content)
		return comp, nil
	}

	head, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(head), &fm); err != nil {
		return nil, fmt.Errorf("%s: parse frontmatter: %w", path, err)
	}
	if fm.Name != "" {
		comp.Name = fm.Name
	}
	if fm.Priority != nil {
		comp.Priority = *fm.Priority
	}
	comp.Requires = fm.Requires
	comp.Content = strings.TrimSpace(body)
	return comp, nil
}

// splitFrontmatter separates the YAML head from the markdown body.
func splitFrontmatter(content string) (head, body string, err error) {
	lines := strings.Split(content, "\n")
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.Join(lines[1:i], "\n"), strings.Join(lines[i+1:], "\n"), nil
		}
	}
	return "", "", fmt.Errorf("unclosed frontmatter")
}
