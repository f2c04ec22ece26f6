package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadManifests reads every *.json file in dir as a tool Manifest. A
// missing directory yields no manifests rather than an error, so a fresh
// install works before the operator has written any.
func LoadManifests(dir string) ([]Manifest, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tools: read manifest dir: %w", err)
	}

	var out []Manifest
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("tools: read manifest %s: %w", path, err)
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("tools: parse manifest %s: %w", path, err)
		}
		if m.Name == "" {
			return nil, fmt.Errorf("tools: manifest %s has no name", path)
		}
		out = append(out, m)
	}
	return out, nil
}

// ApplyManifests updates the schemas of already-registered tools from a
// freshly-loaded manifest set, used on hot reload. Manifests for tools with
// no registered handler are skipped: a schema alone cannot serve an
// invocation.
func (br *Broker) ApplyManifests(manifests []Manifest) error {
	for _, m := range manifests {
		if len(m.Schema) == 0 {
			continue
		}
		br.mu.RLock()
		_, known := br.tools[m.Name]
		br.mu.RUnlock()
		if !known {
			continue
		}
		if err := br.UpdateSchema(m.Name, m.Schema); err != nil {
			return err
		}
	}
	return nil
}
