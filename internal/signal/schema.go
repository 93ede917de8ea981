package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"signalround/internal/logger"
)

// Validator checks inbound signal payloads against a JSON schema before
// they reach the processor. The schema file is YAML and hot-reloaded so
// operators can tighten constraints without a restart.
type Validator struct {
	mu       sync.RWMutex
	compiled *jsonschema.Schema
}

type schemaFile struct {
	Schema map[string]interface{} `yaml:"schema"`
}

// NewValidator compiles the schema at path, or the built-in default when
// path is empty, and watches the file for changes.
func NewValidator(path string) (*Validator, error) {
	v := &Validator{}
	if strings.TrimSpace(path) == "" {
		compiled, err := compileSchema(defaultSchema())
		if err != nil {
			return nil, fmt.Errorf("compiling default signal schema failed: %w", err)
		}
		v.compiled = compiled
		return v, nil
	}
	if err := v.reload(path); err != nil {
		return nil, err
	}
	watcher := viper.New()
	watcher.SetConfigFile(path)
	watcher.OnConfigChange(func(fsnotify.Event) {
		if err := v.reload(path); err != nil {
			logger.Errorf("signal schema reload failed: %v", err)
		} else {
			logger.Infof("signal schema reloaded from %s", path)
		}
	})
	watcher.WatchConfig()
	return v, nil
}

func (v *Validator) reload(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read signal schema failed: %w", err)
	}
	var file schemaFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&file); err != nil {
		return fmt.Errorf("parse signal schema failed: %w", err)
	}
	if len(file.Schema) == 0 {
		return fmt.Errorf("signal schema file %s has no schema section", path)
	}
	compiled, err := compileSchema(file.Schema)
	if err != nil {
		return fmt.Errorf("compiling signal schema failed: %w", err)
	}
	v.mu.Lock()
	v.compiled = compiled
	v.mu.Unlock()
	return nil
}

// Validate returns a schema violation error, or nil for acceptable payloads.
func (v *Validator) Validate(raw []byte) error {
	v.mu.RLock()
	schema := v.compiled
	v.mu.RUnlock()
	if schema == nil {
		return nil
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("signal payload is not valid JSON: %w", err)
	}
	return schema.Validate(doc)
}

func compileSchema(data map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("signal.json", strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile("signal.json")
}

func defaultSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"type", "symbol"},
		"properties": map[string]interface{}{
			"type": map[string]interface{}{
				"type": "string",
				"enum": []interface{}{"entry", "modify", "exit", "update"},
			},
			"action": map[string]interface{}{
				"type": "string",
				"enum": []interface{}{"buy", "sell", "long", "short"},
			},
			"symbol": map[string]interface{}{
				"type":      "string",
				"minLength": 1,
			},
			"entry_type": map[string]interface{}{
				"type": "string",
				"enum": []interface{}{"market", "limit", "pending", ""},
			},
			"entry_price": map[string]interface{}{"type": []interface{}{"number", "null"}},
			"stop_loss":   map[string]interface{}{"type": []interface{}{"number", "null"}},
			"take_profits": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "number"},
			},
		},
	}
}
