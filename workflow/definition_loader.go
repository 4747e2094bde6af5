package workflow

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ParseDefinition 解析 yaml 或 json 格式的工作流定义, 未知字段报错
func ParseDefinition(data []byte) (*WorkflowConfig, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.WithMessage(ErrWorkflowDefinitionInvalid, "definition payload is empty")
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	cfg := &WorkflowConfig{}
	if err := decoder.Decode(cfg); err != nil {
		return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "decode definition: %v", err)
	}
	return cfg, nil
}

func LoadDefinitionFile(path string) (*WorkflowConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "read definition %s", path)
	}
	cfg, err := ParseDefinition(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "definition %s", path)
	}
	return cfg, nil
}

// LoadDefinitionDir 读取目录下所有 .yaml/.yml/.json, 目录不存在当作没有定义
func LoadDefinitionDir(dir string) ([]*WorkflowConfig, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.WithMessagef(err, "read definition dir %s", dir)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	configs := make([]*WorkflowConfig, 0, len(names))
	for _, name := range names {
		cfg, err := LoadDefinitionFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// LoadDefinitions 把目录下的定义全部加载进注册表
func (r *DefinitionRegistry) LoadDefinitions(dir string) ([]*WorkflowDefinition, error) {
	configs, err := LoadDefinitionDir(dir)
	if err != nil {
		return nil, err
	}
	defs := make([]*WorkflowDefinition, 0, len(configs))
	for _, cfg := range configs {
		def, err := r.Load(cfg)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
