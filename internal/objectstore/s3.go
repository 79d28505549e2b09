package objectstore

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// S3Config configures an S3 store. Credentials come from the SDK default chain.
type S3Config struct {
	Bucket string
	Region string
	// Endpoint overrides the service URL (S3-compatible stores); enables
	// path-style addressing.
	Endpoint string
	// ACL is a canned ACL applied to uploads, empty for the bucket default.
	ACL string
}

// S3 stores artifacts in a bucket.
type S3 struct {
	client s3iface.S3API
	bucket string
	acl    string
}

// NewS3 opens a session from cfg.
func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: s3 bucket is required")
	}
	awsCfg := &aws.Config{
		Retryer: client.DefaultRetryer{NumMaxRetries: 5},
	}
	if cfg.Region != "" {
		awsCfg.Region = aws.String(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}
	return NewS3WithClient(s3.New(sess), cfg.Bucket, cfg.ACL), nil
}

// NewS3WithClient wraps an existing client.
func NewS3WithClient(c s3iface.S3API, bucket, acl string) *S3 {
	return &S3{client: c, bucket: bucket, acl: acl}
}

func (s *S3) Upload(ctx context.Context, localPath, key string, meta map[string]string) (Ref, error) {
	if err := validKey(key); err != nil {
		return Ref{}, err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return Ref{}, err
	}
	defer f.Close()

	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
	}
	if len(meta) > 0 {
		in.Metadata = aws.StringMap(meta)
	}
	if s.acl != "" {
		in.ACL = aws.String(s.acl)
	}
	ref := Ref{Bucket: s.bucket, Key: key}
	if _, err := s.client.PutObjectWithContext(ctx, in); err != nil {
		return Ref{}, fmt.Errorf("putting S3 object %s: %w", ref, err)
	}
	return ref, nil
}

func (s *S3) Delete(ctx context.Context, ref Ref) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return fmt.Errorf("deleting S3 object %s: %w", ref, err)
	}
	return nil
}

func (s *S3) Copy(ctx context.Context, src, dst Ref) error {
	in := &s3.CopyObjectInput{
		Bucket:            aws.String(dst.Bucket),
		Key:               aws.String(dst.Key),
		CopySource:        aws.String(src.Bucket + "/" + (&url.URL{Path: src.Key}).EscapedPath()),
		MetadataDirective: aws.String(s3.MetadataDirectiveCopy),
	}
	if s.acl != "" {
		in.ACL = aws.String(s.acl)
	}
	if _, err := s.client.CopyObjectWithContext(ctx, in); err != nil {
		return fmt.Errorf("copying S3 object %s to %s: %w", src, dst, err)
	}
	return nil
}
