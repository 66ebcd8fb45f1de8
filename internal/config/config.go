// Package config reads the optional on-disk recipe file for batch/
// scripted `to-disk` runs (SPEC_FULL.md » AMBIENT STACK: "Configuration").
// Install options and cache-pool settings are otherwise plain Go
// structs filled in field by field; this package only
// covers the YAML serialization of those same fields for disconnected,
// repeatable use.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/coreos/bcvk-go/internal/bcvkerr"
	"github.com/coreos/bcvk-go/internal/diskcache"
)

// Recipe is a YAML document describing one `to-disk` invocation: the
// image, output path, and install options, so repeated or scripted
// conversions don't need the full flag surface every time.
type Recipe struct {
	Image      string                    `yaml:"image"`
	Output     string                    `yaml:"output"`
	Format     string                    `yaml:"format"` // raw|qcow2
	CachePool  string                    `yaml:"cachePool,omitempty"`
	Install    diskcache.InstallOptions  `yaml:"install"`
	KernelArgs []string                  `yaml:"kernelArgs,omitempty"`
}

// Load reads and parses a Recipe from path.
func Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, bcvkerr.Wrapf(bcvkerr.ConfigInvalid, err, "reading recipe %s", path)
	}
	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, bcvkerr.Wrapf(bcvkerr.ConfigInvalid, err, "parsing recipe %s", path)
	}
	if r.Image == "" {
		return nil, bcvkerr.New(bcvkerr.ConfigInvalid, "recipe "+path+" is missing required field `image`")
	}
	if r.Format == "" {
		r.Format = "raw"
	}
	return &r, nil
}

// Save writes r to path as YAML, useful for `to-disk --save-recipe`
// style round-tripping of the options a run actually used.
func Save(path string, r *Recipe) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return bcvkerr.Wrapf(bcvkerr.ConfigInvalid, err, "writing recipe %s", path)
	}
	return nil
}
