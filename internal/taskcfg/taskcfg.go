// Package taskcfg reads task configuration files. The core treats task
// configs as read-only input; whatever writes them lives outside this
// service.
package taskcfg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/runforge/runforge/pkg/models"
)

// ErrTaskNotFound is returned when no config file exists for a task
var ErrTaskNotFound = errors.New("task not found")

// Reader loads task definitions from YAML files in a directory.
// Each task is a file named <task>.yaml.
type Reader struct {
	dir string
}

// NewReader creates a reader over the given tasks directory
func NewReader(dir string) *Reader {
	return &Reader{dir: dir}
}

// GetTaskConfig loads one task by name
func (r *Reader) GetTaskConfig(name string) (*models.Task, error) {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return nil, fmt.Errorf("invalid task name %q", name)
	}
	path := filepath.Join(r.dir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
		}
		return nil, fmt.Errorf("failed to read task config: %w", err)
	}

	var task models.Task
	if err := yaml.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("invalid task config %s: %w", name, err)
	}
	if task.Name == "" {
		task.Name = name
	}
	if info, err := os.Stat(path); err == nil {
		task.UpdatedAt = info.ModTime().UTC()
	}
	return &task, nil
}

// ListTasks returns all defined tasks sorted by name
func (r *Reader) ListTasks() ([]*models.Task, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read tasks dir: %w", err)
	}

	var tasks []*models.Task
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".yaml")
		task, err := r.GetTaskConfig(name)
		if err != nil {
			// A malformed file must not hide the rest
			continue
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })
	return tasks, nil
}
