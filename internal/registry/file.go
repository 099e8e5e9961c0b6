// Package registry loads task definitions from a YAML or JSON file.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cronwrap/internal/core"

	yaml "go.yaml.in/yaml/v3"
)

// File is a registry backed by a single file. It is re-read on every call so edits take
// effect on the next tick.
type File struct {
	path string
	hash string
}

type document struct {
	Tasks []entry `json:"tasks"`
}

type entry struct {
	Name    string       `json:"name"`
	Command string       `json:"command"`
	Action  string       `json:"action"`
	Params  []paramEntry `json:"params"`
	Cron    string       `json:"cron"`
	Unique  bool         `json:"unique"`
	Output  string       `json:"output"`
}

type paramEntry struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// NewFile returns a registry reading path. hash names the identity digest ("" for the
// default).
func NewFile(path, hash string) *File {
	return &File{path: path, hash: hash}
}

// Path returns the file the registry reads.
func (f *File) Path() string { return f.path }

// Tasks parses the file and returns its tasks in declaration order.
func (f *File) Tasks(ctx context.Context) ([]*core.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return Parse(f.path, data, f.hash)
}

// Lookup returns the task whose identity is id.
func (f *File) Lookup(ctx context.Context, id string) (*core.Task, error) {
	tasks, err := f.Tasks(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Identity() == id {
			return t, nil
		}
	}
	return nil, core.ErrTaskNotFound
}

// Parse decodes a registry document. Files ending in .yaml or .yml are converted to JSON
// first; both formats are then decoded strictly, so unknown keys are errors.
func Parse(path string, data []byte, hash string) ([]*core.Task, error) {
	jb, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}
	var doc document
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode registry %s: %w", path, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("decode registry %s: trailing data", path)
		}
		return nil, fmt.Errorf("decode registry %s: %w", path, err)
	}

	tasks := make([]*core.Task, 0, len(doc.Tasks))
	seen := make(map[string]int, len(doc.Tasks))
	for i, e := range doc.Tasks {
		task, err := e.build(hash)
		if err != nil {
			return nil, fmt.Errorf("task #%d (%s): %w", i+1, e.label(), err)
		}
		if prev, dup := seen[task.Identity()]; dup {
			return nil, fmt.Errorf("task #%d (%s): same command, action and params as task #%d", i+1, e.label(), prev)
		}
		seen[task.Identity()] = i + 1
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (e entry) build(hash string) (*core.Task, error) {
	params := make([]core.Param, 0, len(e.Params))
	for _, p := range e.Params {
		params = append(params, core.Param{Name: p.Name, Value: paramValue(p.Value)})
	}
	opts := []core.TaskOption{
		core.WithName(e.Name),
		core.WithUnique(e.Unique),
		core.WithOutput(e.Output),
		core.WithHasher(hash),
	}
	if strings.TrimSpace(e.Cron) != "" {
		opts = append(opts, core.WithCron(e.Cron))
	}
	return core.NewTask(e.Command, e.Action, params, opts...)
}

func (e entry) label() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Command
}

func paramValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func coerceToJSONBytes(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	v, err := nodeValue(&root, "")
	if err != nil {
		return nil, fmt.Errorf("yaml decode: %w", err)
	}
	j, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// nodeValue converts a YAML node into JSON-marshalable values with string map keys.
// Scalars under a "value" key keep their source text, so 0755 or 1.50 reach the command
// and the identity digest exactly as written.
func nodeValue(n *yaml.Node, key string) (any, error) {
	switch n.Kind {
	case 0:
		return nil, nil
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return nodeValue(n.Content[0], key)
	case yaml.AliasNode:
		return nodeValue(n.Alias, key)
	case yaml.MappingNode:
		m := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k := n.Content[i].Value
			v, err := nodeValue(n.Content[i+1], k)
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		return m, nil
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := nodeValue(c, "")
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.ScalarNode:
		if key == "value" {
			if n.ShortTag() == "!!null" {
				return nil, nil
			}
			return n.Value, nil
		}
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("line %d: unsupported yaml node", n.Line)
	}
}
