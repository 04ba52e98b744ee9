package scripted

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed agents/*.yaml
var builtin embed.FS

// Script is a YAML agent definition: an ordered list of steps replayed once
// per turn.
//
//	name: approvals
//	input_keys: [topic]
//	steps:
//	  - node: agent
//	    chunks:
//	      - content: "I'll write the file."
//	      - tool_calls: [{id: tc-1, name: write_file, args: '{"path":"notes.md"}'}]
//	  - node: tools
//	    interrupt:
//	      reason: tool_approval
//	      tool: write_file
//	      tool_call_id: tc-1
type Script struct {
	Name      string   `yaml:"name"`
	InputKeys []string `yaml:"input_keys"`
	Steps     []Step   `yaml:"steps"`
}

// Step runs at one node. Exactly one of Chunks, Interrupt or ToolMessage is
// set.
type Step struct {
	Node        string         `yaml:"node"`
	Delay       time.Duration  `yaml:"delay"` // pause before each chunk
	Chunks      []ChunkSpec    `yaml:"chunks"`
	Interrupt   map[string]any `yaml:"interrupt"`
	ToolMessage *ToolMessage   `yaml:"tool_message"`
}

// ChunkSpec describes one emitted chunk. Thinking and ReasoningSummary are
// shorthands for the provider shapes reasoning arrives in.
type ChunkSpec struct {
	MessageID        string         `yaml:"message_id"`
	Content          any            `yaml:"content"`
	Thinking         string         `yaml:"thinking"`
	ReasoningSummary string         `yaml:"reasoning_summary"`
	Index            int            `yaml:"index"`
	ToolCalls        []ToolCallSpec `yaml:"tool_calls"`
}

// ToolCallSpec is one tool-call fragment.
type ToolCallSpec struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Args  string `yaml:"args"`
	Index int    `yaml:"index"`
}

// ToolMessage appends the result a resume recorded for a tool call to the
// thread's messages.
type ToolMessage struct {
	ToolCallID string `yaml:"tool_call_id"`
	Name       string `yaml:"name"`
}

// Parse decodes and validates a script.
func Parse(b []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("scripted: parse script: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that the script has a name and well-formed steps.
func (s *Script) Validate() error {
	if s.Name == "" {
		return errors.New("scripted: script name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("scripted: script %q has no steps", s.Name)
	}
	for i, st := range s.Steps {
		if st.Node == "" {
			return fmt.Errorf("scripted: script %q step %d: node is required", s.Name, i)
		}
		kinds := 0
		if len(st.Chunks) > 0 {
			kinds++
		}
		if st.Interrupt != nil {
			kinds++
		}
		if st.ToolMessage != nil {
			kinds++
		}
		if kinds != 1 {
			return fmt.Errorf("scripted: script %q step %d: exactly one of chunks, interrupt or tool_message is required", s.Name, i)
		}
	}
	return nil
}

// LoadDir parses every *.yaml and *.yml file in dir. An empty dir loads the
// built-in agents.
func LoadDir(dir string) ([]*Script, error) {
	var fsys fs.FS = os.DirFS(dir)
	root := "."
	if dir == "" {
		fsys, root = builtin, "agents"
	}

	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("scripted: read agent dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []*Script
	seen := make(map[string]string)
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		b, err := fs.ReadFile(fsys, filepath.ToSlash(filepath.Join(root, e.Name())))
		if err != nil {
			return nil, fmt.Errorf("scripted: read %s: %w", e.Name(), err)
		}
		s, err := Parse(b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		if prev, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("scripted: agent %q defined in both %s and %s", s.Name, prev, e.Name())
		}
		seen[s.Name] = e.Name()
		out = append(out, s)
	}
	return out, nil
}
