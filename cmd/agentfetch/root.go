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
	"log/slog"
	"os"
	"time"

	"github.com/bufbuild/agenthttp"
	"github.com/bufbuild/agenthttp/settings"
	"github.com/spf13/cobra"
)

// Set by build flags.
//
//nolint:gochecknoglobals
var version = agenthttp.DefaultVersion

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "agentfetch",
		Short:         "Talk to agent services over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("settings", "agent.yaml", "Path to the agent settings file")
	root.PersistentFlags().BoolP("verbose", "v", false, "Log each request and response")
	root.PersistentFlags().Duration("timeout", 0, "Overall request timeout (overrides the settings file)")
	root.AddCommand(
		newRequestCommand("get", "Fetch a URL with GET"),
		newRequestCommand("head", "Fetch the headers of a URL with HEAD"),
		newRequestCommand("delete", "Delete a URL"),
		newBodyCommand("post", "Send data to a URL with POST"),
		newBodyCommand("put", "Send data to a URL with PUT"),
		newResolveCommand(),
		newDownloadCommand(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "agentfetch %s\n", version)
			},
		},
	)
	return root
}

// env holds what every command needs, built from the persistent flags.
type env struct {
	settings *settings.Settings
	client   *agenthttp.Client
	logger   *slog.Logger
}

func newEnv(cmd *cobra.Command) (*env, error) {
	path, _ := cmd.Flags().GetString("settings")
	verbose, _ := cmd.Flags().GetBool("verbose")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := settings.Load(path)
	if err != nil {
		return nil, err
	}
	opts := cfg.ClientOptions(nil)
	opts = append(opts,
		agenthttp.WithLogger(logger),
		agenthttp.WithVersion(version),
	)
	if timeout > 0 {
		opts = append(opts, agenthttp.WithRequestTimeout(timeout))
	}
	return &env{
		settings: cfg,
		client:   agenthttp.NewClient(opts...),
		logger:   logger,
	}, nil
}

func (e *env) Close() {
	if err := e.client.Close(); err != nil {
		e.logger.Warn("failed to close connections", slog.Any("error", err))
	}
}

func (e *env) configTimeout() time.Duration {
	return e.settings.ConfigTimeout.Duration()
}
