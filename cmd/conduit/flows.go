package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/conduit/internal/persistence"
	"github.com/petrijr/conduit/pkg/api"
)

// loadFlows decodes every *.yaml and *.yml file of dir into a flow, in file
// name order.
func loadFlows(dir string) ([]api.Flow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read flows: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	flows := make([]api.Flow, 0, len(names))
	for _, name := range names {
		f, err := loadFlow(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, nil
}

func loadFlow(path string) (api.Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return api.Flow{}, err
	}
	var f api.Flow
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return api.Flow{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return api.Flow{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// registerFlows stores every flow of dir as a new revision. Flows with an
// explicit revision that already exists are left untouched.
func registerFlows(ctx context.Context, eng api.Engine, dir string, logger *slog.Logger) error {
	if dir == "" {
		return nil
	}
	flows, err := loadFlows(dir)
	if err != nil {
		return err
	}
	for _, f := range flows {
		saved, err := eng.RegisterFlow(ctx, f)
		if err != nil {
			if f.Revision != 0 && errors.Is(err, persistence.ErrConflict) {
				logger.Debug("flow revision already registered", slog.String("flow", f.Ref().String()), slog.Int("revision", f.Revision))
				continue
			}
			return fmt.Errorf("register %s: %w", f.Ref(), err)
		}
		logger.Info("registered flow", slog.String("flow", saved.Ref().String()), slog.Int("revision", saved.Revision))
	}
	return nil
}

// scalar decodes s as a YAML scalar, falling back to the raw string.
func scalar(s string) any {
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil || v == nil {
		return s
	}
	switch v.(type) {
	case map[string]any, []any:
		return s
	}
	return v
}
