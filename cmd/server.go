/*
Copyright © 2021 Edmond Cotterell

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	devConfig "github.com/Daskott/safeguard/dev/config"
	"github.com/Daskott/safeguard/server"
	"github.com/Daskott/safeguard/shared"
	"github.com/go-playground/validator"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start a safeguard server",
	Long: `The safeguard server hosts the alert API, the live change stream for
dashboards and the endpoints paired bracelets push location and audio to.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := serverConfig()
		if err != nil {
			return err
		}

		server.Start(*config, isDevEnv)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

// serverConfig reads the config file, lets SAFEGUARD_* env vars override it
// and validates the result.
func serverConfig() (*shared.ServerConfig, error) {
	configFile, err := serverConfigFile()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetEnvPrefix("safeguard")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // read in environment variables that match

	// The env var overrides whatever is in the config file
	v.BindEnv("google.applicationCredentials", "GOOGLE_APPLICATION_CREDENTIALS")

	if err := v.ReadInConfig(); err != nil {
		return nil, formattedError("error reading server config file: %v", err)
	}
	fmt.Fprintln(os.Stderr, "Using config file:", v.ConfigFileUsed())

	return decodeServerConfig(v)
}

func decodeServerConfig(v *viper.Viper) (*shared.ServerConfig, error) {
	config := &shared.ServerConfig{}
	if err := v.Unmarshal(config); err != nil {
		return nil, formattedError("error decoding server config: %v", err)
	}

	if err := validator.New().Struct(config); err != nil {
		return nil, formattedError("invalid server config:\n%v", err)
	}

	return config, nil
}

// serverConfigFile picks the --config flag, the dev config, or the default in
// the home directory. Missing dev and default files are created from SERVER_YML.
func serverConfigFile() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}

	rootDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(rootDir, "safeguard")

	if isDevEnv {
		rootDir, err = os.Getwd()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(rootDir, "dev", "config")
	}

	configFilePath := filepath.Join(configDir, "server.yml")
	if _, err := os.Stat(configFilePath); os.IsNotExist(err) {
		if !isDevEnv {
			fmt.Fprintln(os.Stderr, warningLabel, "creating", configFilePath, "with development defaults")
		}
		if err := os.MkdirAll(configDir, 0700); err != nil {
			return "", err
		}
		if err := os.WriteFile(configFilePath, []byte(devConfig.SERVER_YML), 0600); err != nil {
			return "", err
		}
	}

	return configFilePath, nil
}
