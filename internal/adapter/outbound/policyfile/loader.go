// Package policyfile loads the CLI policy YAML file that the Server reads
// once at start. Unlike the Server's own viper-based config
// (internal/config), the policy file is decoded with a strict YAML
// decoder that rejects unknown fields, per the external-interfaces
// contract: unknown fields are rejected at load time, missing required
// fields fail startup.
package policyfile

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/carapace-gateway/carapace/internal/domain/policy"
)

// document is the on-disk shape of the policy file: a top-level tools
// mapping, each entry either type: cli or type: http.
type document struct {
	Tools map[string]toolEntry `yaml:"tools"`
}

type toolEntry struct {
	Type string             `yaml:"type"`
	Cli  *policy.CliPolicy  `yaml:"cli"`
	Http *policy.HttpPolicy `yaml:"http"`
}

// Loader reads and validates a policy file from disk.
type Loader struct {
	validate *validator.Validate
}

// NewLoader constructs a Loader with struct-tag validation enabled.
func NewLoader() *Loader {
	return &Loader{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Load reads the policy file at path, rejecting unknown top-level and
// nested fields, and validates every tool entry. A malformed or invalid
// file is a startup failure (non-zero exit), per the Server CLI contract.
func (l *Loader) Load(path string) (*policy.Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policyfile: read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("policyfile: parse %s: %w", path, err)
	}

	tools := make(map[string]policy.ToolPolicy, len(doc.Tools))
	for name, entry := range doc.Tools {
		tp, err := l.compileEntry(name, entry)
		if err != nil {
			return nil, err
		}
		tools[name] = tp
	}

	return &policy.Policy{Tools: tools, LoadedAt: time.Now()}, nil
}

func (l *Loader) compileEntry(name string, entry toolEntry) (policy.ToolPolicy, error) {
	switch entry.Type {
	case policy.ToolTypeCli:
		if entry.Cli == nil {
			return policy.ToolPolicy{}, fmt.Errorf("policyfile: tool %q: type cli requires a cli: block", name)
		}
		if err := l.validate.Struct(entry.Cli); err != nil {
			return policy.ToolPolicy{}, fmt.Errorf("policyfile: tool %q: %w", name, err)
		}
		return policy.ToolPolicy{Name: name, Type: policy.ToolTypeCli, Cli: entry.Cli}, nil
	case policy.ToolTypeHttp:
		if entry.Http == nil {
			return policy.ToolPolicy{}, fmt.Errorf("policyfile: tool %q: type http requires an http: block", name)
		}
		if err := l.validate.Struct(entry.Http); err != nil {
			return policy.ToolPolicy{}, fmt.Errorf("policyfile: tool %q: %w", name, err)
		}
		return policy.ToolPolicy{Name: name, Type: policy.ToolTypeHttp, Http: entry.Http}, nil
	default:
		return policy.ToolPolicy{}, fmt.Errorf("policyfile: tool %q: unknown type %q (want cli or http)", name, entry.Type)
	}
}

// FileStore adapts Loader to policy.Store, loading once from a fixed path.
type FileStore struct {
	Path   string
	loader *Loader
}

// NewFileStore builds a policy.Store that loads from path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path, loader: NewLoader()}
}

// Load implements policy.Store.
func (s *FileStore) Load(_ context.Context) (*policy.Policy, error) {
	return s.loader.Load(s.Path)
}
