package schemastore

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/datastelsel/datapi/core/logger"
)

// S3Configuration configures the S3 document source
type S3Configuration struct {
	AccessID      string
	AccessKey     string
	AWSBucketName string
	AWSRegion     string
	KeyPrefix     string
}

// S3 reads dataset documents from an AWS S3 bucket. Every .json object
// below the key prefix counts as one document.
type S3 struct {
	config aws.Config
	bucket string
	prefix string
}

// NewS3 returns a new S3 source
func NewS3(s3Config S3Configuration) (*S3, error) {
	if s3Config.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	options := []func(*config.LoadOptions) error{
		config.WithRegion(s3Config.AWSRegion),
	}
	if s3Config.AccessID != "" {
		options = append(options,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(s3Config.AccessID, s3Config.AccessKey, "")))
	}
	config, err := config.LoadDefaultConfig(context.TODO(), options...)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("S3 schema source enabled for bucket", s3Config.AWSBucketName)
	s := S3{config, s3Config.AWSBucketName, s3Config.KeyPrefix}
	return &s, nil
}

// ListDatasetDocuments implements Source. Documents come back in
// lexical key order.
func (s *S3) ListDatasetDocuments(ctx context.Context) ([][]byte, error) {
	client := s3.NewFromConfig(s.config)

	var keys []string
	var continuationToken *string
	for {
		input := &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            aws.String(s.prefix),
			ContinuationToken: continuationToken,
		}
		resp, err := client.ListObjectsV2(ctx, input)
		if err != nil {
			logger.FromContext(ctx).Errorln("could not list objects from bucket", s.bucket)
			return nil, err
		}
		for _, item := range resp.Contents {
			if strings.HasSuffix(*item.Key, ".json") {
				keys = append(keys, *item.Key)
			}
		}
		continuationToken = resp.NextContinuationToken
		if resp.NextContinuationToken == nil {
			break
		}
	}
	sort.Strings(keys)

	downloader := manager.NewDownloader(client)
	docs := make([][]byte, 0, len(keys))
	for _, key := range keys {
		buf := manager.NewWriteAtBuffer([]byte{})
		_, err := downloader.Download(ctx, buf, &s3.GetObjectInput{
			Bucket: &s.bucket,
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("cannot download %s: %s", key, err.Error())
		}
		logger.FromContext(ctx).Debugln("downloaded dataset document", key)
		docs = append(docs, buf.Bytes())
	}
	return docs, nil
}
