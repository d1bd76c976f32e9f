// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
)

type s3Store struct {
	Endpoint        string
	Region          string
	Bucket          string
	Key             string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool

	svc    *s3.Client
	logger logrus.FieldLogger
}

func newS3Store(params json.RawMessage, logger logrus.FieldLogger) (Store, error) {
	st := &s3Store{logger: logger}
	if err := json.Unmarshal(params, st); err != nil {
		return nil, err
	}
	if st.Bucket == "" {
		return nil, errors.New("s3 snapshot store: Bucket must not be empty")
	}
	if st.Key == "" {
		st.Key = "cloudscheduler/snapshot.json"
	}
	if st.Region == "" {
		// Region is required by the sdk even when Endpoint
		// points elsewhere.
		st.Region = "us-east-1"
	}
	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(st.Region),
		config.WithCredentialsCacheOptions(func(o *aws.CredentialsCacheOptions) {
			o.ExpiryWindow = 5 * time.Minute
		}),
		func(o *config.LoadOptions) error {
			if st.AccessKeyID == "" && st.SecretAccessKey == "" {
				// Use default sdk behavior (IAM / IMDS)
				return nil
			}
			st.logger.Debug("using static credentials")
			o.Credentials = credentials.StaticCredentialsProvider{
				Value: aws.Credentials{
					AccessKeyID:     st.AccessKeyID,
					SecretAccessKey: st.SecretAccessKey,
					Source:          "cloudscheduler configuration",
				},
			}
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error loading aws client config: %w", err)
	}
	st.svc = s3.NewFromConfig(cfg, func(o *s3.Options) {
		if st.Endpoint != "" {
			o.BaseEndpoint = aws.String(st.Endpoint)
		}
		o.UsePathStyle = st.UsePathStyle
	})
	return st, nil
}

func (st *s3Store) translateError(err error) error {
	var aerr smithy.APIError
	if errors.As(err, &aerr) {
		switch aerr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return fmt.Errorf("s3://%s/%s: %w", st.Bucket, st.Key, os.ErrNotExist)
		}
	}
	return err
}

func (st *s3Store) Load(ctx context.Context) ([]byte, error) {
	resp, err := st.svc.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(st.Bucket),
		Key:    aws.String(st.Key),
	})
	if err != nil {
		return nil, st.translateError(err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (st *s3Store) Save(ctx context.Context, data []byte) error {
	_, err := st.svc.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(st.Bucket),
		Key:           aws.String(st.Key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	})
	return st.translateError(err)
}
