package main

import (
	"os"
	"time"

	offlinecache "github.com/offline-cache/offline-cache"

	"gopkg.in/yaml.v3"
)

type FileConfig struct {
	Origin              string          `yaml:"origin"`
	Host                string          `yaml:"host"`
	Version             string          `yaml:"version"`
	PrecacheManifest    []string        `yaml:"precacheManifest"`
	OfflineFallbackPath string          `yaml:"offlineFallbackPath"`
	NetworkTimeout      string          `yaml:"networkTimeout"`
	Rules               FileRulesConfig `yaml:"rules"`
}

// FileRulesConfig mirrors offlinecache.RulesConfig with string durations,
// which yaml cannot express natively.
type FileRulesConfig struct {
	FontHosts        []string          `yaml:"fontHosts"`
	APIPrefixes      []string          `yaml:"apiPrefixes"`
	ImageExtensions  []string          `yaml:"imageExtensions"`
	ScriptExtensions []string          `yaml:"scriptExtensions"`
	MaxAges          map[string]string `yaml:"maxAges"`
}

func getConfig(filename string) (FileConfig, error) {
	var config FileConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// rules merges the file's rule lists over the stock ones.
func (c FileConfig) rules() (offlinecache.RulesConfig, error) {
	rules := offlinecache.DefaultRules()
	if len(c.Rules.FontHosts) > 0 {
		rules.FontHosts = c.Rules.FontHosts
	}
	if len(c.Rules.APIPrefixes) > 0 {
		rules.APIPrefixes = c.Rules.APIPrefixes
	}
	if len(c.Rules.ImageExtensions) > 0 {
		rules.ImageExtensions = c.Rules.ImageExtensions
	}
	if len(c.Rules.ScriptExtensions) > 0 {
		rules.ScriptExtensions = c.Rules.ScriptExtensions
	}
	for class, value := range c.Rules.MaxAges {
		d, err := time.ParseDuration(value)
		if err != nil {
			return rules, err
		}
		switch class {
		case "fonts":
			rules.MaxAges.Fonts = d
		case "api":
			rules.MaxAges.API = d
		case "images":
			rules.MaxAges.Images = d
		case "dynamic":
			rules.MaxAges.Dynamic = d
		}
	}
	return rules, nil
}
