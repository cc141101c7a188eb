package recipe

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"gopkg.in/yaml.v3"
)

// Compile-time assertion: *FileProvider satisfies Provider.
var _ Provider = (*FileProvider)(nil)

// FileProvider loads recipes from a directory holding one file per stage:
// <slug>.yaml, <slug>.yml or <slug>.hcl, tried in that order.
type FileProvider struct {
	dir string
}

// NewFileProvider returns a FileProvider rooted at dir.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

// FetchRecipe reads and decodes the recipe file for stageSlug.
func (p *FileProvider) FetchRecipe(_ context.Context, stageSlug string) (*Recipe, error) {
	for _, ext := range []string{".yaml", ".yml", ".hcl"} {
		path := filepath.Join(p.dir, stageSlug+ext)
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("recipe: read %s: %w", path, err)
		}

		var r *Recipe
		if ext == ".hcl" {
			r, err = decodeHCL(path, data)
		} else {
			r, err = decodeYAML(path, data)
		}
		if err != nil {
			return nil, err
		}
		if r.StageSlug == "" {
			r.StageSlug = stageSlug
		}
		return r, nil
	}
	return nil, fmt.Errorf("%w: no file for stage %q in %s", ErrRecipeNotFound, stageSlug, p.dir)
}

func decodeYAML(path string, data []byte) (*Recipe, error) {
	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("recipe: decode %s: %w", path, err)
	}
	return &r, nil
}

// hclRecipeFile is the top-level structure of an HCL recipe file:
//
//	stage_slug = "synthesis"
//	step "plan" {
//	  job_type = "PLAN"
//	}
//	edge {
//	  from = "plan"
//	  to   = "draft"
//	}
type hclRecipeFile struct {
	StageSlug  string     `hcl:"stage_slug,optional"`
	InstanceID string     `hcl:"instance_id,optional"`
	Steps      []*hclStep `hcl:"step,block"`
	Edges      []*hclEdge `hcl:"edge,block"`
}

type hclStep struct {
	Key            string `hcl:"key,label"`
	ID             string `hcl:"id,optional"`
	Name           string `hcl:"name,optional"`
	JobType        string `hcl:"job_type"`
	ExecutionOrder int    `hcl:"execution_order,optional"`
}

type hclEdge struct {
	From string `hcl:"from"`
	To   string `hcl:"to"`
}

func decodeHCL(path string, data []byte) (*Recipe, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("recipe: parse %s: %w", path, diags)
	}

	var parsed hclRecipeFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("recipe: decode %s: %w", path, diags)
	}

	r := &Recipe{
		StageSlug:  parsed.StageSlug,
		InstanceID: parsed.InstanceID,
		Steps:      make([]Step, 0, len(parsed.Steps)),
		Edges:      make([]Edge, 0, len(parsed.Edges)),
	}
	for _, s := range parsed.Steps {
		id := s.ID
		if id == "" {
			id = s.Key
		}
		name := s.Name
		if name == "" {
			name = s.Key
		}
		r.Steps = append(r.Steps, Step{
			ID:             id,
			StepKey:        s.Key,
			StepName:       name,
			JobType:        JobType(s.JobType),
			ExecutionOrder: s.ExecutionOrder,
		})
	}
	for _, e := range parsed.Edges {
		r.Edges = append(r.Edges, Edge{FromStepID: e.From, ToStepID: e.To})
	}
	return r, nil
}
