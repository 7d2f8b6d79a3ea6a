// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"net/url"
	"path/filepath"

	"github.com/bufbuild/agenthttp/downloader"
	"github.com/bufbuild/agenthttp/resolver"
	"github.com/spf13/cobra"
)

func newDownloadCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download SOURCE DIR",
		Short: "Mirror a file tree into a local directory",
		Long: `Download mirrors the file tree served at SOURCE into DIR, removing local
files that are not part of the tree. SOURCE is either a URL or a path on the
file server found through discovery.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			ignore, _ := cmd.Flags().GetStringArray("ignore")

			env, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			source, err := url.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid source %q: %w", args[0], err)
			}
			if source.Host == "" {
				source, err = env.client.NewSession().URL(cmd.Context(), resolver.FileServer, args[0])
				if err != nil {
					return err
				}
			}
			if name == "" {
				name = filepath.Base(args[1])
			}
			dl, err := downloader.New(env.client, name, args[1], source, ignore,
				downloader.WithTimeout(env.configTimeout()),
				downloader.WithLogger(env.logger),
			)
			if err != nil {
				return err
			}
			for _, path := range dl.Evaluate(cmd.Context()) {
				fmt.Fprintln(cmd.OutOrStdout(), path)
			}
			return nil
		},
	}
	cmd.Flags().String("name", "", "Name used in log messages (defaults to the base name of DIR)")
	cmd.Flags().StringArray("ignore", nil, "Glob of files to leave alone (repeatable)")
	return cmd
}
