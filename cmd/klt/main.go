/*
Copyright The ORAS Authors.
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

// Command klt builds and publishes an OCI image by layering a local
// directory and a patched execution config on top of a remote base image.
// The recipe file it parses is consumed by the image package only after
// recipe.Validate normalizes it into an in-memory value.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kleinladungstraeger/klt/image"
	"github.com/kleinladungstraeger/klt/recipe"
	"github.com/kleinladungstraeger/klt/registry"
	"github.com/kleinladungstraeger/klt/registry/remote"
	"github.com/kleinladungstraeger/klt/registry/remote/auth"
)

func main() {
	// SIGINT/SIGTERM cancel the build's context: in-flight uploads abort
	// and partially uploaded blobs are left for the registry to garbage
	// collect. No compensating delete is issued.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		verbose     int
		digestFile  string
		concurrency int64
		plainHTTP   bool
	)

	cmd := &cobra.Command{
		Use:          "klt [--digest-file PATH] RECIPE.toml",
		Short:        "Build and publish an OCI image from a base image and a local layer",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetLevel(log.InfoLevel)
			if verbose > 1 {
				log.SetLevel(log.DebugLevel)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd.Context(), args[0], digestFile, concurrency, plainHTTP)
		},
	}

	cmd.PersistentFlags().IntVarP(&verbose, "verbose", "v", 1, "set log level")
	cmd.Flags().StringVar(&digestFile, "digest-file", "", "write the published manifest digest to this path")
	cmd.Flags().Int64Var(&concurrency, "concurrency", 0, "bounded parallelism for base-layer copies (default 4)")
	cmd.Flags().BoolVar(&plainHTTP, "plain-http", false, "use HTTP instead of HTTPS for all registries (loopback registries get HTTP automatically)")
	return cmd
}

func runBuild(ctx context.Context, recipePath, digestFile string, concurrency int64, plainHTTP bool) error {
	logger := log.StandardLogger()

	r, err := recipe.Load(recipePath)
	if err != nil {
		return err
	}
	v, err := r.Validate()
	if err != nil {
		return err
	}

	baseClient := remote.NewHTTPClient(auth.StaticCredential(v.BaseAuth))
	baseRepo := remote.NewRepository(v.BaseRef, baseClient, plainHTTP || isLoopback(v.BaseRef.Host()))

	targetRef := registry.Reference{Registry: v.TargetRegistry, Repository: v.TargetRepo}
	targetClient := remote.NewHTTPClient(auth.StaticCredential(v.TargetAuth))
	targetRepo := remote.NewRepository(targetRef, targetClient, plainHTTP || isLoopback(targetRef.Host()))

	asm := image.NewAssembler(
		image.Source{Repo: baseRepo, Selector: v.BaseRef.ReferenceOrDefault()},
		image.Target{Repo: targetRepo, Tags: v.TargetTags},
		logger,
	)

	logger.WithFields(log.Fields{
		"base":   v.BaseRef.String(),
		"target": fmt.Sprintf("%s/%s", v.TargetRegistry, v.TargetRepo),
		"tags":   v.TargetTags,
	}).Info("starting build")

	digest, err := asm.BuildAndPublish(ctx, image.BuildOptions{
		AppLayerDir:     v.AppLayerDir,
		AppLayerPrefix:  v.AppLayerPrefix,
		ExecutionConfig: v.ExecutionConfig,
		Annotations:     v.Annotations,
		Concurrency:     concurrency,
	})
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}

	logger.WithField("digest", digest.String()).Info("published manifest")

	if digestFile != "" {
		if err := writeDigestFile(digestFile, digest.String()); err != nil {
			return fmt.Errorf("write digest file: %w", err)
		}
	}
	return nil
}

// isLoopback reports whether host (with optional port) is localhost or a
// loopback IP; such registries are spoken to over plain HTTP.
func isLoopback(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// writeDigestFile writes digest to path atomically (write, then rename).
// The file contains a single trailing LF. The temp file is
// created in path's own directory, not the system temp dir, so the final
// rename stays on one filesystem (a cross-device rename fails with EXDEV).
func writeDigestFile(path, digest string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "klt-digest-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(digest + "\n"); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
