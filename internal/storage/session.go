// Package storage talks to the S3 compatible object store that holds user
// images. Credentials are short lived, so a fresh Session is opened per
// logical operation instead of holding one client for the process lifetime.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/sirupsen/logrus"

	"github.com/datadove/tryon-preview-engine/internal/broker"
	"github.com/datadove/tryon-preview-engine/internal/config"
	"github.com/datadove/tryon-preview-engine/internal/database"
	"github.com/datadove/tryon-preview-engine/internal/fault"
)

// placeholderName is written into a user's folder when its last image is
// deleted, so the folder itself survives on stores that drop empty prefixes.
const placeholderName = ".keep"

// Factory opens object store sessions using freshly brokered credentials.
type Factory struct {
	cfg     config.StorageConfig
	broker  *broker.Client
	records database.RetentionStore
	logger  *logrus.Entry
}

// NewFactory creates a session factory over the credential broker.
func NewFactory(cfg config.StorageConfig, b *broker.Client, records database.RetentionStore) *Factory {
	return &Factory{
		cfg:     cfg,
		broker:  b,
		records: records,
		logger:  logrus.WithField("module", "storage"),
	}
}

// Open fetches credentials and builds a session bound to the brokered bucket.
func (f *Factory) Open(ctx context.Context) (*Session, error) {
	creds, err := f.broker.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	awsConfig := &aws.Config{
		Region:           aws.String(f.cfg.Region),
		Endpoint:         aws.String(f.cfg.Endpoint),
		S3ForcePathStyle: aws.Bool(f.cfg.PathStyle),
		Credentials:      credentials.NewStaticCredentials(creds.AccessKey, creds.SecretKey, ""),
		MaxRetries:       aws.Int(3),
		HTTPClient: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fault.New(fault.StorageUnavailable, fmt.Errorf("creating object store session: %w", err))
	}

	return &Session{
		client:   s3.New(sess),
		bucket:   creds.Bucket,
		endpoint: f.cfg.Endpoint,
		records:  f.records,
		logger:   f.logger,
	}, nil
}

// Session is a short lived handle on the object store for one logical
// operation.
type Session struct {
	client   s3iface.S3API
	bucket   string
	endpoint string
	records  database.RetentionStore
	logger   *logrus.Entry
}

// Bucket returns the brokered bucket name.
func (s *Session) Bucket() string {
	return s.bucket
}

// PublicURL returns the path style URL under which an object is reachable.
func (s *Session) PublicURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(s.endpoint, "/"), s.bucket, key)
}

// Upload stores a JPEG under key and records it for retention tracking.
// The retention record is best effort; a stored image is never rolled back
// because bookkeeping failed.
func (s *Session) Upload(ctx context.Context, ownerID int64, key string, data []byte) (string, error) {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String("image/jpeg"),
		ACL:                  aws.String(s3.ObjectCannedACLPrivate),
		ServerSideEncryption: aws.String(s3.ServerSideEncryptionAes256),
	})
	if err != nil {
		return "", fault.New(fault.StorageWriteError, fmt.Errorf("uploading %s: %w", key, err))
	}

	publicURL := s.PublicURL(key)
	rec := database.ImageRecord{
		KeyHash:   database.HashKey(key),
		OwnerID:   ownerID,
		ObjectKey: key,
		ImageURL:  publicURL,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.records.RecordUpload(rec); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"key":      key,
			"owner_id": ownerID,
		}).Warn("Failed to record upload for retention tracking")
	}

	return publicURL, nil
}

// ListUserImages returns the public URLs of a user's stored images, newest
// first. Listing failures degrade to an empty result so a storage outage
// never breaks page rendering.
func (s *Session) ListUserImages(ctx context.Context, prefix string) []string {
	keys := s.ListUserKeys(ctx, prefix)
	urls := make([]string, 0, len(keys))
	for _, key := range keys {
		urls = append(urls, s.PublicURL(key))
	}
	return urls
}

// ListUserKeys returns the object keys under a user's prefix, newest first,
// excluding the folder placeholder.
func (s *Session) ListUserKeys(ctx context.Context, prefix string) []string {
	var keys []string
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	err := s.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			if path.Base(key) == placeholderName {
				continue
			}
			keys = append(keys, key)
		}
		return true
	})
	if err != nil {
		s.logger.WithError(err).WithField("prefix", prefix).Warn("Failed to list user images")
		return nil
	}

	// Keys start with an epoch second, so a reverse lexical sort within one
	// folder is newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	return keys
}

// Delete removes an object and its retention record. When the user's folder
// becomes empty a placeholder object is written to keep the folder alive.
// Returns false when nothing was deleted.
func (s *Session) Delete(ctx context.Context, ownerPrefix, key string) (bool, error) {
	if !strings.HasPrefix(key, ownerPrefix) {
		return false, nil
	}

	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, fault.New(fault.StorageWriteError, fmt.Errorf("deleting %s: %w", key, err))
	}

	if err := s.records.DeleteRecord(database.HashKey(key)); err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("Failed to delete retention record")
	}

	s.ensurePlaceholder(ctx, ownerPrefix)
	return true, nil
}

// ensurePlaceholder writes the .keep object when the prefix has no other
// objects left.
func (s *Session) ensurePlaceholder(ctx context.Context, prefix string) {
	out, err := s.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int64(1),
	})
	if err != nil {
		s.logger.WithError(err).WithField("prefix", prefix).Warn("Failed to check folder contents")
		return
	}
	if aws.Int64Value(out.KeyCount) > 0 {
		return
	}

	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(prefix + placeholderName),
		Body:   bytes.NewReader([]byte{}),
		ACL:    aws.String(s3.ObjectCannedACLPrivate),
	})
	if err != nil {
		s.logger.WithError(err).WithField("prefix", prefix).Warn("Failed to write folder placeholder")
	}
}

// GetObject fetches an object's bytes, mapping a missing key to ImageNotFound.
func (s *Session) GetObject(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
			return nil, fault.New(fault.ImageNotFound, err)
		}
		return nil, fault.New(fault.StorageUnavailable, fmt.Errorf("fetching %s: %w", key, err))
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fault.New(fault.StorageUnavailable, fmt.Errorf("reading %s: %w", key, err))
	}
	return data, nil
}
