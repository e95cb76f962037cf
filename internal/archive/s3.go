// Copyright 2025 James Ross
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"go.uber.org/zap"
)

// S3Exporter appends archived job records to newline-delimited JSON objects
// in S3, partitioned by completion date, adapted from the teacher's
// S3Exporter (long-term-archives/s3_exporter.go) down to the
// single-batch-upload path this sweeper actually needs.
type S3Exporter struct {
	bucket   string
	prefix   string
	uploader *s3manager.Uploader
	log      *zap.Logger
}

// NewS3Exporter builds an S3Exporter for bucket in region, uploading under
// keyPrefix. Credentials are resolved the default AWS SDK way (env vars,
// shared config, instance role).
func NewS3Exporter(bucket, region, keyPrefix string, log *zap.Logger) (*S3Exporter, error) {
	if log == nil {
		log = zap.NewNop()
	}
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("archive: create aws session: %w", err)
	}
	return &S3Exporter{
		bucket:   bucket,
		prefix:   keyPrefix,
		uploader: s3manager.NewUploader(sess),
		log:      log,
	}, nil
}

func (e *S3Exporter) Export(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("archive: marshal record %s: %w", r.JobID, err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	key := e.keyFor(records[0])
	_, err := e.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("archive: upload to s3://%s/%s: %w", e.bucket, key, err)
	}

	e.log.Info("archived job exported to s3",
		zap.String("job_id", records[0].JobID), zap.String("key", key))
	return nil
}

func (e *S3Exporter) keyFor(r Record) string {
	partition := r.ArchivedAt.Format("year=2006/month=01/day=02")
	filename := fmt.Sprintf("%s_%d.json", r.JobID, r.ArchivedAt.UnixNano())
	return filepath.Join(e.prefix, partition, filename)
}

func (e *S3Exporter) Close() error { return nil }
