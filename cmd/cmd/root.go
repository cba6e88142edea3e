/*
Copyright © 2025 Your Name

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

	"github.com/spf13/cobra"

	"boorukeep/internal/config"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "boorukeep",
	Short: "boorukeep is a self-hosted image archive (booru) server.",
	Long: `boorukeep ingests images, videos, and zip animations from a watched
directory, enriches them with tags from external booru APIs, a reverse
image search, and a local tagger, and serves a query, browse, and
curation interface over the catalog it builds.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen
// once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./.booru.yaml or $HOME/.booru.yaml)")
}

// loadConfig loads configuration through the --config flag, falling back
// to internal/config.Load's own search path.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}
