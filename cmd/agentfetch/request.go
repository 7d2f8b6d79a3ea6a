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
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/bufbuild/agenthttp"
	"github.com/spf13/cobra"
)

func newRequestCommand(method, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   method + " URL",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(cmd, strings.ToUpper(method), args[0])
		},
	}
	addRequestFlags(cmd)
	return cmd
}

func newBodyCommand(method, short string) *cobra.Command {
	cmd := newRequestCommand(method, short)
	cmd.Flags().StringP("data", "d", "", "Request body, or @file to read it from a file")
	cmd.Flags().String("content-type", "application/json", "Content type of the request body")
	return cmd
}

func addRequestFlags(cmd *cobra.Command) {
	cmd.Flags().StringArrayP("header", "H", nil, "Extra header (repeatable, e.g., -H 'Accept: text/plain')")
	cmd.Flags().StringArrayP("param", "p", nil, "Query parameter (repeatable, e.g., -p environment=production)")
	cmd.Flags().String("user", "", "User for basic auth")
	cmd.Flags().String("password", "", "Password for basic auth")
	cmd.Flags().Bool("system-store", false, "Trust the system certificate store")
	cmd.Flags().BoolP("include", "i", false, "Print the response status and headers")
}

func runRequest(cmd *cobra.Command, method, rawURL string) error {
	target, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	opts, err := requestOptions(cmd)
	if err != nil {
		return err
	}
	env, err := newEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := cmd.Context()
	var resp *agenthttp.Response
	switch method {
	case http.MethodGet:
		include, _ := cmd.Flags().GetBool("include")
		return env.client.GetStream(ctx, target, opts, func(resp *agenthttp.StreamResponse) error {
			if include {
				printHead(cmd.OutOrStdout(), resp.StatusCode, resp.Reason, resp.Header)
			}
			_, err := io.Copy(cmd.OutOrStdout(), resp.Body)
			return err
		})
	case http.MethodHead:
		resp, err = env.client.Head(ctx, target, opts)
	case http.MethodDelete:
		resp, err = env.client.Delete(ctx, target, opts)
	case http.MethodPost, http.MethodPut:
		body, contentType, bodyErr := requestBody(cmd)
		if bodyErr != nil {
			return bodyErr
		}
		if method == http.MethodPost {
			resp, err = env.client.Post(ctx, target, body, contentType, opts)
		} else {
			resp, err = env.client.Put(ctx, target, body, contentType, opts)
		}
	default:
		return fmt.Errorf("unsupported method %s", method)
	}
	if err != nil {
		return err
	}
	include, _ := cmd.Flags().GetBool("include")
	if include || method == http.MethodHead {
		printHead(cmd.OutOrStdout(), resp.StatusCode, resp.Reason, resp.Header)
	}
	_, err = cmd.OutOrStdout().Write(resp.Body)
	return err
}

func requestOptions(cmd *cobra.Command) (*agenthttp.RequestOptions, error) {
	rawHeaders, _ := cmd.Flags().GetStringArray("header")
	rawParams, _ := cmd.Flags().GetStringArray("param")
	user, _ := cmd.Flags().GetString("user")
	password, _ := cmd.Flags().GetString("password")
	systemStore, _ := cmd.Flags().GetBool("system-store")

	header := http.Header{}
	for _, raw := range rawHeaders {
		key, value, ok := strings.Cut(raw, ":")
		if !ok {
			return nil, fmt.Errorf("invalid header %q: expected 'Name: value'", raw)
		}
		header.Add(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	var params agenthttp.Params
	for _, raw := range rawParams {
		key, value, ok := strings.Cut(raw, "=")
		if !ok {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", raw)
		}
		params = params.Add(key, value)
	}
	return &agenthttp.RequestOptions{
		Header:             header,
		Params:             params,
		User:               user,
		Password:           password,
		IncludeSystemStore: systemStore,
	}, nil
}

func requestBody(cmd *cobra.Command) ([]byte, string, error) {
	data, _ := cmd.Flags().GetString("data")
	contentType, _ := cmd.Flags().GetString("content-type")
	if file, ok := strings.CutPrefix(data, "@"); ok {
		body, err := os.ReadFile(file)
		if err != nil {
			return nil, "", err
		}
		return body, contentType, nil
	}
	return []byte(data), contentType, nil
}

func printHead(w io.Writer, status int, reason string, header http.Header) {
	fmt.Fprintf(w, "%d %s\n", status, reason)
	keys := make([]string, 0, len(header))
	for key := range header {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, value := range header[key] {
			fmt.Fprintf(w, "%s: %s\n", key, value)
		}
	}
	fmt.Fprintln(w)
}
