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

	"github.com/Daskott/safeguard/version"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	isDevEnv bool

	yellow       = color.New(color.FgYellow).SprintFunc()
	red          = color.New(color.FgRed).SprintFunc()
	warningLabel = yellow("Warning:")
)

// rootCmd represents the base command when called without any subcommands
var rootCmd *cobra.Command

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	cobra.OnInitialize(loadDotEnv)

	rootCmd = createRootCmd()
	rootCmd.Version = fmt.Sprintf("v%s", version.Version)
}

func createRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use: "safeguard",
		Short: `safeguard is a personal safety alert service.

A user in distress triggers an alert, optionally from a paired bracelet. Their
trusted contacts see it on a live dashboard with location, elapsed time and an
audible alarm until the alert is cancelled.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "server config file (default is $HOME/safeguard/server.yml)")
	cmd.PersistentFlags().BoolVarP(&isDevEnv, "dev", "", false, "run in development mode")

	return cmd
}

// loadDotEnv reads a .env file from the working directory, if there is one,
// so secrets like GOOGLE_APPLICATION_CREDENTIALS can live outside the config.
func loadDotEnv() {
	err := godotenv.Load()
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, warningLabel, err)
	}
}

func formattedError(format string, a ...interface{}) error {
	return fmt.Errorf(red(format), a...)
}
