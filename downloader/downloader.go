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

// Package downloader synchronizes a local directory with a tree of files
// published by a file server.
//
// The source URL serves a JSON listing of the tree. Each entry names a
// path relative to the source, its type ("file" or "directory"), and for
// files, the hex-encoded SHA-256 checksum of the content. The content of a
// file is served at the source URL joined with the entry's path, with the
// query "content=1".
package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/bufbuild/agenthttp"
)

const defaultTimeout = 120 * time.Second

// Entry types in a listing.
const (
	TypeFile      = "file"
	TypeDirectory = "directory"
)

// Entry describes one item of the remote tree.
type Entry struct {
	RelativePath string `json:"relative_path"`
	Type         string `json:"type"`
	Checksum     string `json:"checksum,omitempty"`
}

// Option customizes a Downloader.
type Option func(*Downloader)

// WithTimeout bounds each call to Evaluate. If no WithTimeout option is
// used, two minutes are allowed.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Downloader) {
		d.timeout = timeout
	}
}

// WithLogger configures the logger used to report progress and failures.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// Downloader mirrors the tree at a source URL into a local directory.
// Local files that are not in the tree are removed, except those matching
// an ignore pattern, which are neither downloaded nor purged.
type Downloader struct {
	client  *agenthttp.Client
	name    string
	path    string
	source  *url.URL
	ignore  []string
	timeout time.Duration
	logger  *slog.Logger
}

// New returns a Downloader that mirrors source into the directory at path.
// Ignore patterns use doublestar syntax and are matched against both the
// relative path of an entry and each of its path elements.
func New(client *agenthttp.Client, name, path string, source *url.URL, ignore []string, options ...Option) (*Downloader, error) {
	for _, pattern := range ignore {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid ignore pattern %q", pattern)
		}
	}
	d := &Downloader{
		client:  client,
		name:    name,
		path:    path,
		source:  source,
		ignore:  ignore,
		timeout: defaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(d)
	}
	return d, nil
}

// Evaluate brings the local directory up to date and returns the local
// paths that were created, replaced, or removed. Failures are logged, not
// returned: whatever was changed before a failure is still reported.
func (d *Downloader) Evaluate(ctx context.Context) []string {
	d.logger.InfoContext(ctx, "Retrieving "+d.name)
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	var changed []string
	if err := d.evaluate(ctx, &changed); err != nil {
		d.logger.ErrorContext(ctx, fmt.Sprintf("Could not retrieve %s: %v", d.name, err),
			slog.String("name", d.name),
			slog.Any("error", err),
		)
	}
	return changed
}

func (d *Downloader) evaluate(ctx context.Context, changed *[]string) error {
	entries, err := d.listing(ctx)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d.path, 0o755); err != nil {
		return err
	}
	wanted := map[string]bool{}
	for _, entry := range entries {
		rel := path.Clean(entry.RelativePath)
		if rel == "." || d.ignored(rel) {
			continue
		}
		if !filepath.IsLocal(filepath.FromSlash(rel)) {
			return fmt.Errorf("refusing to write outside of %s: %q", d.path, entry.RelativePath)
		}
		wanted[rel] = true
		// Listings need not name every parent directory.
		for dir := path.Dir(rel); dir != "."; dir = path.Dir(dir) {
			wanted[dir] = true
		}
		local := filepath.Join(d.path, filepath.FromSlash(rel))
		switch entry.Type {
		case TypeDirectory:
			created, err := ensureDir(local)
			if err != nil {
				return err
			}
			if created {
				*changed = append(*changed, local)
			}
		case TypeFile:
			updated, err := d.syncFile(ctx, rel, local, entry.Checksum)
			if err != nil {
				return err
			}
			if updated {
				*changed = append(*changed, local)
			}
		default:
			return fmt.Errorf("unknown type %q for %q", entry.Type, entry.RelativePath)
		}
	}
	return d.purge(wanted, changed)
}

func (d *Downloader) listing(ctx context.Context) ([]Entry, error) {
	resp, err := d.client.Get(ctx, d.source, &agenthttp.RequestOptions{
		Header: map[string][]string{"Accept": {"application/json"}},
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success() {
		return nil, fmt.Errorf("listing %s returned %d %s", d.source.Redacted(), resp.StatusCode, resp.Reason)
	}
	var entries []Entry
	if err := json.Unmarshal(resp.Body, &entries); err != nil {
		return nil, fmt.Errorf("invalid listing from %s: %w", d.source.Redacted(), err)
	}
	return entries, nil
}

func (d *Downloader) ignored(rel string) bool {
	for _, pattern := range d.ignore {
		if matched, _ := doublestar.Match(pattern, rel); matched {
			return true
		}
		for elem := range strings.SplitSeq(rel, "/") {
			if matched, _ := doublestar.Match(pattern, elem); matched {
				return true
			}
		}
	}
	return false
}

func (d *Downloader) syncFile(ctx context.Context, rel, local, checksum string) (bool, error) {
	current, err := fileChecksum(local)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err == nil && checksum != "" && strings.EqualFold(current, checksum) {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return false, err
	}
	content := d.source.JoinPath(rel)
	var params agenthttp.Params
	query, err := params.Add("content", 1).Encode()
	if err != nil {
		return false, err
	}
	content.RawQuery = query
	var written bool
	err = d.client.GetStream(ctx, content, nil, func(resp *agenthttp.StreamResponse) error {
		if !resp.Success() {
			return fmt.Errorf("fetching %s returned %d %s", content.Redacted(), resp.StatusCode, resp.Reason)
		}
		var err error
		written, err = writeFile(local, resp.Body, current)
		return err
	})
	return written, err
}

// purge removes local files and directories that are not wanted.
func (d *Downloader) purge(wanted map[string]bool, changed *[]string) error {
	var extraneous []string
	err := filepath.WalkDir(d.path, func(local string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(d.path, local)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if d.ignored(rel) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !wanted[rel] {
			extraneous = append(extraneous, local)
			if entry.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	slices.Sort(extraneous)
	for _, local := range extraneous {
		if err := os.RemoveAll(local); err != nil {
			return err
		}
		*changed = append(*changed, local)
	}
	return nil
}

func ensureDir(local string) (bool, error) {
	info, err := os.Stat(local)
	switch {
	case err == nil && info.IsDir():
		return false, nil
	case err == nil:
		// A file is in the way.
		if err := os.Remove(local); err != nil {
			return false, err
		}
	case !errors.Is(err, fs.ErrNotExist):
		return false, err
	}
	return true, os.MkdirAll(local, 0o755)
}

func fileChecksum(local string) (string, error) {
	f, err := os.Open(local)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", nil
	}
	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// writeFile replaces local with the content of r, going through a
// temporary file so readers never see a partial file. It reports whether
// the content differs from the previous checksum.
func writeFile(local string, r io.Reader, previous string) (bool, error) {
	tmp, err := os.CreateTemp(filepath.Dir(local), "."+filepath.Base(local)+".*")
	if err != nil {
		return false, err
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hash), r); err != nil {
		_ = tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if hex.EncodeToString(hash.Sum(nil)) == previous {
		return false, nil
	}
	if info, err := os.Stat(local); err == nil && info.IsDir() {
		if err := os.RemoveAll(local); err != nil {
			return false, err
		}
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return false, err
	}
	return true, os.Rename(tmp.Name(), local)
}
