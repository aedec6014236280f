// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package output

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/sirupsen/logrus"
)

// DirStager stages outputs as files under a local directory.
type DirStager struct {
	Dir string
}

// Stage implements Stager. The file is written under a temporary
// name and renamed into place when complete.
func (ds DirStager) Stage(ctx context.Context, name string, r io.Reader) (string, error) {
	dst := filepath.Join(ds.Dir, filepath.FromSlash(name))
	err := os.MkdirAll(filepath.Dir(dst), 0755)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp")
	if err != nil {
		return "", err
	}
	defer os.Remove(f.Name())
	_, err = io.Copy(f, r)
	if err != nil {
		f.Close()
		return "", err
	}
	err = f.Close()
	if err != nil {
		return "", err
	}
	return dst, os.Rename(f.Name(), dst)
}

// NewStager returns the stager described by the configuration: S3 if
// Output.S3.Bucket is set, otherwise a DirStager using
// Output.StagingDir.
func NewStager(ctx context.Context, cfg *jobexec.Config, logger logrus.FieldLogger) (Stager, error) {
	if cfg.Output.S3.Bucket != "" {
		return NewS3Stager(ctx, cfg.Output.S3, logger)
	}
	return DirStager{Dir: cfg.Output.StagingDir}, nil
}

// LocalSource reads outputs from the local filesystem, for jobs run
// by the local provider.
type LocalSource struct{}

// ListDir implements Source.
func (LocalSource) ListDir(ctx context.Context, dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, ent := range ents {
		names = append(names, ent.Name())
	}
	return names, nil
}

// Fetch implements Source.
func (LocalSource) Fetch(ctx context.Context, path string, w io.Writer) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(w, f)
}
