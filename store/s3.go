package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hrfmtzk/mail-digest/model"
)

// S3Options configures the S3-backed message store.
type S3Options struct {
	Bucket string
	Prefix string
	Region string
}

// S3Store reads raw messages written by the mail-receiving path into an
// S3 bucket. The object's LastModified instant serves as the receipt
// timestamp, since the upstream writes each message exactly once on
// arrival.
type S3Store struct {
	client *s3.Client
	opts   S3Options
}

// NewS3 builds an S3Store using the default AWS credential chain.
func NewS3(ctx context.Context, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is empty")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &S3Store{client: s3.NewFromConfig(cfg), opts: opts}, nil
}

// NewS3WithClient builds an S3Store around an existing client.
func NewS3WithClient(client *s3.Client, opts S3Options) *S3Store {
	return &S3Store{client: client, opts: opts}
}

func (s *S3Store) List(ctx context.Context, window model.RunWindow) ([]model.RawMessageRef, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.opts.Bucket),
		Prefix: aws.String(s.opts.Prefix),
	})

	var refs []model.RawMessageRef
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, model.FatalErr(model.FailStoreUnavailable, fmt.Errorf("list s3://%s/%s: %w", s.opts.Bucket, s.opts.Prefix, err))
		}
		for _, obj := range page.Contents {
			receivedAt := aws.ToTime(obj.LastModified)
			if !window.Contains(receivedAt) {
				continue
			}
			refs = append(refs, model.RawMessageRef{
				ID:         aws.ToString(obj.Key),
				ReceivedAt: receivedAt,
				Size:       aws.ToInt64(obj.Size),
			})
		}
	}

	sortRefs(refs)
	return refs, nil
}

func (s *S3Store) Fetch(ctx context.Context, ref model.RawMessageRef) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(ref.ID),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, model.ItemErr(model.FailObjectNotFound, fmt.Errorf("get %s: %w", ref.ID, err))
		}
		return nil, model.ItemErr(model.FailObjectReadError, fmt.Errorf("get %s: %w", ref.ID, err))
	}
	return out.Body, nil
}

func (s *S3Store) Close() error {
	return nil
}
