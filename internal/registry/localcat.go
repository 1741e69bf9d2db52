package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LocalTool is the persisted metadata for one locally executed operation.
// The executor itself lives in the static local-operations map; the catalog
// only carries what the planner needs to present the tool.
type LocalTool struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`
	Usage       string `json:"usage,omitempty"`
}

// localCatalogData is the on-disk format for the local tool catalog.
type localCatalogData struct {
	Version int         `json:"version"`
	Tools   []LocalTool `json:"tools"`
}

// LocalCatalog persists local tool metadata as a JSON file.
type LocalCatalog struct {
	path string

	mu    sync.RWMutex
	tools map[string]LocalTool
	order []string
}

// NewLocalCatalog creates a catalog backed by the given file path.
func NewLocalCatalog(path string) *LocalCatalog {
	return &LocalCatalog{
		path:  path,
		tools: make(map[string]LocalTool),
	}
}

// Load reads entries from disk. A missing file leaves the catalog empty.
func (c *LocalCatalog) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			c.tools = make(map[string]LocalTool)
			c.order = nil
			return nil
		}
		return fmt.Errorf("read local catalog: %w", err)
	}

	var cd localCatalogData
	if err := json.Unmarshal(data, &cd); err != nil {
		return fmt.Errorf("parse local catalog: %w", err)
	}

	c.tools = make(map[string]LocalTool, len(cd.Tools))
	c.order = c.order[:0]
	for _, tool := range cd.Tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			continue
		}
		tool.Name = name
		if _, exists := c.tools[name]; !exists {
			c.order = append(c.order, name)
		}
		c.tools[name] = tool
	}
	return nil
}

// Save writes all entries to disk in load order.
func (c *LocalCatalog) Save() error {
	c.mu.RLock()
	cd := localCatalogData{
		Version: 1,
		Tools:   make([]LocalTool, 0, len(c.order)),
	}
	for _, name := range c.order {
		cd.Tools = append(cd.Tools, c.tools[name])
	}
	data, err := json.MarshalIndent(cd, "", "  ")
	c.mu.RUnlock()

	if err != nil {
		return fmt.Errorf("marshal local catalog: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("create local catalog dir: %w", err)
	}

	return os.WriteFile(c.path, data, 0644)
}

// Put adds or replaces an entry.
func (c *LocalCatalog) Put(tool LocalTool) error {
	name := strings.TrimSpace(tool.Name)
	if name == "" {
		return fmt.Errorf("local tool name must not be empty")
	}
	tool.Name = name

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tools[name]; !exists {
		c.order = append(c.order, name)
	}
	c.tools[name] = tool
	return nil
}

// All returns entries in load order.
func (c *LocalCatalog) All() []LocalTool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]LocalTool, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.tools[name])
	}
	return out
}
