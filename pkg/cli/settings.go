// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
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

package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
)

// EnvPrefix prefixes environment overrides, e.g. CNSPIPE_STORE.
const EnvPrefix = "CNSPIPE"

// Settings are per-user defaults for command flags. Values come from the
// settings file and CNSPIPE_* environment variables; flags set on the
// command line win.
type Settings struct {
	// Config is the pipeline configuration file.
	Config string `mapstructure:"config"`
	// Store is the run store location.
	Store string `mapstructure:"store"`
	// LogLevel is the slog level name.
	LogLevel string `mapstructure:"log-level"`
	// Format is the output format for run records.
	Format string `mapstructure:"format"`
	// Address and Port are where serve listens.
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
}

func defaultSettings() *Settings {
	return &Settings{
		Config:   "pipeline.yaml",
		LogLevel: "info",
		Format:   "table",
		Port:     8080,
	}
}

// LoadSettings reads path, or $HOME/.cnspipe.yaml when path is empty.
// A missing default file is not an error; a missing explicit one is.
func LoadSettings(path string) (*Settings, error) {
	d := defaultSettings()
	v := viper.New()
	v.SetDefault("config", d.Config)
	v.SetDefault("store", d.Store)
	v.SetDefault("log-level", d.LogLevel)
	v.SetDefault("format", d.Format)
	v.SetDefault("address", d.Address)
	v.SetDefault("port", d.Port)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, cnserrors.Wrap(cnserrors.ErrCodeInvalidConfig,
				fmt.Sprintf("failed to read settings file %s", path), err)
		}
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
		v.SetConfigType("yaml")
		v.SetConfigName("." + name)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, cnserrors.Wrap(cnserrors.ErrCodeInvalidConfig, "failed to read settings file", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInvalidConfig, "failed to decode settings", err)
	}
	return &s, nil
}
