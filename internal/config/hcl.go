// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	flerrors "mvirt.io/netd/internal/errors"
)

// LoadFile reads and parses a config file, choosing HCL or JSON by
// extension, applies defaults for every unset block, and validates the
// result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, flerrors.Wrap(err, flerrors.KindNotFound, "read config file "+path)
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		cfg, err = LoadJSON(data)
	default:
		cfg, err = LoadHCL(data, path)
	}
	if err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, flerrors.Wrap(err, flerrors.KindValidation, "validate config "+path)
	}
	return cfg, nil
}

// LoadHCL decodes config from HCL bytes. filename is used only for
// diagnostic messages.
func LoadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, flerrors.Wrap(diags, flerrors.KindValidation, "parse HCL config")
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, envEvalContext(), &cfg); diags.HasErrors() {
		return nil, flerrors.Wrap(diags, flerrors.KindValidation, "decode HCL config")
	}
	return &cfg, nil
}

// envEvalContext exposes the process environment as an `env` object in
// HCL attribute expressions, so a deployment can write e.g.
// `node_id = env.NETD_NODE_ID` instead of templating the config file.
func envEvalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			vars[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(vars),
		},
	}
}

// LoadJSON decodes config from JSON bytes.
func LoadJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, flerrors.Wrap(err, flerrors.KindValidation, "parse JSON config")
	}
	return &cfg, nil
}
