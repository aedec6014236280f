// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package output

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
)

const (
	s3uploaderPartSize         = 16 * 1024 * 1024
	s3uploaderWriteConcurrency = 4
)

// S3Stager uploads outputs to an S3 bucket.
type S3Stager struct {
	Bucket string
	Prefix string

	client   *s3.Client
	uploader *manager.Uploader
	logger   logrus.FieldLogger
}

// NewS3Stager returns an S3Stager for the given bucket settings. If
// no access key is configured, the default AWS credential chain
// (environment, instance profile, ...) is used.
func NewS3Stager(ctx context.Context, sc jobexec.S3StagingConfig, logger logrus.FieldLogger) (*S3Stager, error) {
	region := sc.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if sc.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.StaticCredentialsProvider{
			Value: aws.Credentials{
				AccessKeyID:     sc.AccessKeyID,
				SecretAccessKey: sc.SecretAccessKey,
				Source:          "jobexec configuration",
			},
		}))
	}
	awscfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	client := s3.NewFromConfig(awscfg, func(o *s3.Options) {
		if sc.Endpoint != "" {
			o.BaseEndpoint = aws.String(sc.Endpoint)
		}
		o.UsePathStyle = sc.UsePathStyle
	})
	return &S3Stager{
		Bucket: sc.Bucket,
		Prefix: sc.Prefix,
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = s3uploaderPartSize
			u.Concurrency = s3uploaderWriteConcurrency
		}),
		logger: logger.WithField("Bucket", sc.Bucket),
	}, nil
}

// Stage implements Stager. The returned location is an s3:// URL.
func (st *S3Stager) Stage(ctx context.Context, name string, r io.Reader) (string, error) {
	key := path.Join(st.Prefix, name)
	_, err := st.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(st.Bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return "", translateError(err)
	}
	st.logger.WithField("Key", key).Debug("uploaded output")
	return "s3://" + st.Bucket + "/" + key, nil
}

func translateError(err error) error {
	if cerr := (interface{ CanceledError() bool })(nil); errors.As(err, &cerr) && cerr.CanceledError() {
		// *aws.RequestCanceledError and *smithy.CanceledError
		// implement this interface.
		return context.Canceled
	}
	var aerr smithy.APIError
	if errors.As(err, &aerr) {
		return fmt.Errorf("S3 %s: %s: %w", aerr.ErrorCode(), aerr.ErrorMessage(), err)
	}
	return err
}
