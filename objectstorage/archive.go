// Package objectstorage keeps zstd-compressed copies of raw messages in an
// S3 compatible bucket.
package objectstorage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/google/uuid"
	"github.com/valyala/gozstd"

	"github.com/masa23/newsfunnel/config"
)

const compressedSuffix = ".zstd"

var ErrNotFound = errors.New("object not found")

type Archive struct {
	client s3iface.S3API
	bucket string
	now    func() time.Time
}

func NewArchive(client s3iface.S3API, bucket string) *Archive {
	return &Archive{client: client, bucket: bucket, now: time.Now}
}

// NewClient builds an S3 client from the ObjectStorage configuration.
func NewClient(conf config.ObjectStorage) (*s3.S3, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String(conf.Region),
		Endpoint:         aws.String(conf.Endpoint),
		S3ForcePathStyle: aws.Bool(conf.Endpoint != ""),
		Credentials: credentials.NewChainCredentials([]credentials.Provider{
			&credentials.StaticProvider{
				Value: credentials.Value{
					AccessKeyID:     conf.AccessKey,
					SecretAccessKey: conf.SecretKey,
				},
			},
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 session: %w", err)
	}
	return s3.New(sess), nil
}

// GenerateObjectKey returns a key under the account's prefix.
// <account>/YYYY/MM/DD/HH/mm/ss/UUID.zstd
func (a *Archive) GenerateObjectKey(accountID uint64) string {
	now := a.now().UTC()
	return fmt.Sprintf("%d/%04d/%02d/%02d/%02d/%02d/%02d/%s%s",
		accountID,
		now.Year(), now.Month(), now.Day(),
		now.Hour(), now.Minute(), now.Second(),
		uuid.New().String(), compressedSuffix)
}

// Put compresses raw and stores it under a new key, which is returned.
func (a *Archive) Put(ctx context.Context, accountID uint64, raw []byte) (string, error) {
	key := a.GenerateObjectKey(accountID)
	_, err := a.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(gozstd.Compress(nil, raw)),
		ContentType: aws.String("application/zstd"),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return key, nil
}

// Get returns the stored message, decompressed.
func (a *Archive) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := a.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	if !strings.HasSuffix(key, compressedSuffix) {
		return buf, nil
	}
	raw, err := gozstd.Decompress(nil, buf)
	if err != nil {
		return nil, fmt.Errorf("decompress object %s: %w", key, err)
	}
	return raw, nil
}

// Delete removes key. Deleting a missing object is not an error.
func (a *Archive) Delete(ctx context.Context, key string) error {
	_, err := a.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s from bucket %s: %w", key, a.bucket, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
