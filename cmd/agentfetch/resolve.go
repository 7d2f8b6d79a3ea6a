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

	"github.com/bufbuild/agenthttp/resolver"
	"github.com/spf13/cobra"
)

func newResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve SERVICE",
		Short: "Find the server for a service",
		Long: `Resolve walks the configured discovery chain for the given service
(coordinator, ca, report, or fileserver) and prints the first server that
accepts a connection.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(resolver.Coordinator), string(resolver.CertificateAuthority), string(resolver.Report), string(resolver.FileServer)},
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()
			site, err := env.client.NewSession().RouteTo(cmd.Context(), resolver.Service(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), site)
			return nil
		},
	}
}
