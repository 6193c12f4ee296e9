// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the process-wide configuration singleton from a YAML
// file plus environment variable overrides. Once Load returns, the Config is
// treated as immutable for the life of the process.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config mirrors the options table in the external interfaces section:
// page title, GitHub metadata selectors, OAuth credentials, cookie/upload
// secrets, the child spawn template, and the name-generator word list.
type Config struct {
	Title string `yaml:"title" env:"TITLE"`

	GithubOwner        string `yaml:"github_owner" env:"GITHUB_OWNER"`
	GithubRepo         string `yaml:"github_repo" env:"GITHUB_REPO"`
	GithubToken        string `yaml:"github_token" env:"GITHUB_TOKEN"`
	GithubClientID     string `yaml:"github_client_id" env:"GITHUB_CLIENT_ID"`
	GithubClientSecret string `yaml:"github_client_secret" env:"GITHUB_CLIENT_SECRET"`
	AuthorizeURL       string `yaml:"authorize_url" env:"AUTHORIZE_URL"`

	SessionKey string `yaml:"session_key" env:"SESSION_KEY"`
	APIKey     string `yaml:"api_key" env:"API_KEY"`

	CommandArgs []string          `yaml:"command_args" env:"COMMAND_ARGS"`
	CommandEnv  map[string]string `yaml:"command_env"`

	Favicon string   `yaml:"favicon" env:"FAVICON"`
	Words   []string `yaml:"words" env:"WORDS"`
	Admins  []string `yaml:"admins"`

	// MaxServices is advisory only; nothing in internal/supervisor enforces it
	// (see DESIGN.md's record of this open question).
	MaxServices int `yaml:"max_services" env:"MAX_SERVICES"`
}

const envPrefix = "ETES_"

// Load reads path (YAML), then overlays any ETES_<FIELD> environment
// variable present, the way the teacher's pkg/env keys writes off an `env`
// struct tag via reflection - here used for the read side instead.
func Load(path string) (*Config, error) {
	cfg := &Config{MaxServices: 1000}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if cfg.CommandEnv == nil {
		cfg.CommandEnv = map[string]string{}
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("env")
		if tag == "" {
			continue
		}

		raw, ok := os.LookupEnv(envPrefix + tag)
		if !ok {
			continue
		}

		fv := v.Field(i)
		switch fv.Kind() {
		case reflect.String:
			fv.SetString(raw)
		case reflect.Int:
			n, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", tag, err)
			}
			fv.SetInt(int64(n))
		case reflect.Slice:
			fv.Set(reflect.ValueOf(strings.Fields(raw)))
		default:
			return fmt.Errorf("%s: unsupported env-overridable field kind %s", tag, fv.Kind())
		}
	}

	return nil
}
