package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
)

// TaskFile is a batch of job definitions loaded with `load`.
type TaskFile struct {
	Tasks []Task `json:"tasks" yaml:"tasks"`
}

// Task is one job definition. Name falls back to ID, then to task_<n>.
type Task struct {
	ID           string      `json:"task_id" yaml:"task_id"`
	Name         string      `json:"task_name" yaml:"task_name"`
	StartURL     string      `json:"start_url" yaml:"start_url"`
	TemplatePath string      `json:"template_path" yaml:"template_path"`
	Discovery    TaskStage1  `json:"stage1" yaml:"stage1"`
	Extraction   TaskStage2  `json:"stage2" yaml:"stage2"`
	Options      TaskOptions `json:"options" yaml:"options"`
}

// TaskStage1 tunes discovery.
type TaskStage1 struct {
	MaxDepth      int  `json:"max_depth" yaml:"max_depth"`
	MaxPages      int  `json:"max_pages" yaml:"max_pages"`
	FollowPerPage int  `json:"follow_per_page" yaml:"follow_per_page"`
	AllowExternal bool `json:"allow_external" yaml:"allow_external"`
}

// TaskStage2 tunes extraction.
type TaskStage2 struct {
	URLPatterns  []string `json:"url_patterns" yaml:"url_patterns"`
	BatchSize    int      `json:"batch_size" yaml:"batch_size"`
	SaveInterval int      `json:"save_interval" yaml:"save_interval"`
}

// TaskOptions holds flags that apply to the whole task.
type TaskOptions struct {
	ForceDiscovery bool `json:"force_discovery" yaml:"force_discovery"`
}

// LoadTasks reads a .json, .yaml or .yml task file.
func LoadTasks(path string) ([]Task, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read tasks: %w", crawler.ErrConfig, err)
	}
	var file TaskFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(raw, &file)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &file)
	default:
		return nil, fmt.Errorf("%w: tasks file %s must be .json, .yaml or .yml", crawler.ErrConfig, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode tasks %s: %w", crawler.ErrConfig, path, err)
	}
	if len(file.Tasks) == 0 {
		return nil, fmt.Errorf("%w: %s defines no tasks", crawler.ErrConfig, path)
	}

	seen := make(map[string]bool, len(file.Tasks))
	for i := range file.Tasks {
		t := &file.Tasks[i]
		switch {
		case t.Name != "":
		case t.ID != "":
			t.Name = t.ID
		default:
			t.Name = fmt.Sprintf("task_%d", i+1)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("%w: duplicate task name %q", crawler.ErrConfig, t.Name)
		}
		seen[t.Name] = true
	}
	return file.Tasks, nil
}

// Params converts the task to job parameters, filling gaps from defaults.
func (t Task) Params(defaults crawler.JobParameters) crawler.JobParameters {
	p := crawler.JobParameters{
		StartURL:       t.StartURL,
		TemplatePath:   t.TemplatePath,
		MaxDepth:       t.Discovery.MaxDepth,
		MaxPages:       t.Discovery.MaxPages,
		FollowPerPage:  t.Discovery.FollowPerPage,
		AllowExternal:  t.Discovery.AllowExternal,
		URLPatterns:    append([]string(nil), t.Extraction.URLPatterns...),
		BatchSize:      t.Extraction.BatchSize,
		SaveInterval:   t.Extraction.SaveInterval,
		ForceDiscovery: t.Options.ForceDiscovery,
	}
	return p.WithDefaults(defaults)
}
