package render

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// BlockSpec selects one section of the report.
type BlockSpec struct {
	// Key identifies the block; unique within a spec file.
	Key string `yaml:"key"`

	// Title is the section heading. Defaults to Key.
	Title string `yaml:"title,omitempty"`

	// Path is a JSON pointer into the evidence payload. "" selects the
	// whole payload.
	Path string `yaml:"path"`
}

// BlockSpecs is the block specs file: an ordered list of blocks.
type BlockSpecs struct {
	Blocks []BlockSpec `yaml:"blocks"`
}

// DefaultBlockSpecs renders one block per mandatory evidence section.
func DefaultBlockSpecs() BlockSpecs {
	return BlockSpecs{Blocks: []BlockSpec{
		{Key: "context", Title: "Context", Path: "/context"},
		{Key: "factors", Title: "Factors", Path: "/factors"},
		{Key: "structure", Title: "Structure", Path: "/structure"},
		{Key: "governance", Title: "Governance", Path: "/governance"},
		{Key: "rule_trace", Title: "Rule Trace", Path: "/rule_trace"},
	}}
}

// LoadBlockSpecs reads a block specs YAML file. Unknown fields are
// rejected so that typos fail loudly.
func LoadBlockSpecs(path string) (BlockSpecs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BlockSpecs{}, fmt.Errorf("failed to read block specs: %w", err)
	}

	var specs BlockSpecs
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&specs); err != nil {
		return BlockSpecs{}, fmt.Errorf("failed to parse block specs: %w", err)
	}

	if err := specs.Validate(); err != nil {
		return BlockSpecs{}, fmt.Errorf("invalid block specs: %w", err)
	}
	return specs, nil
}

// Validate checks keys are present and unique and paths are pointers.
func (s BlockSpecs) Validate() error {
	if len(s.Blocks) == 0 {
		return fmt.Errorf("blocks list is required and must be non-empty")
	}
	seen := make(map[string]bool, len(s.Blocks))
	for i, b := range s.Blocks {
		if strings.TrimSpace(b.Key) == "" {
			return fmt.Errorf("blocks[%d]: key is required", i)
		}
		if seen[b.Key] {
			return fmt.Errorf("blocks[%d]: duplicate key %q", i, b.Key)
		}
		seen[b.Key] = true
		if b.Path != "" && !strings.HasPrefix(b.Path, "/") {
			return fmt.Errorf("blocks[%d]: path %q must start with /", i, b.Path)
		}
	}
	return nil
}
