// Package archive uploads the chat transcript of ended parties to S3 as JSONL.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/onnwee/watchparty/config"
	"github.com/onnwee/watchparty/party"
	"github.com/onnwee/watchparty/telemetry"
)

// ObjectPutter is the subset of *s3.Client used for uploads.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes transcripts to a bucket.
type S3Archiver struct {
	client     ObjectPutter
	bucket     string
	maxRetries int
	backoff    func(attempt int) time.Duration
}

// New builds an S3 archiver from config. Credentials come from the role ARN
// (STS assume-role), else static keys, else the default chain.
func New(ctx context.Context, cfg config.ArchiveConfig) (*S3Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	if cfg.RoleARN != "" {
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(awsCfg), cfg.RoleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = "watchparty-archive"
		})
		awsCfg.Credentials = aws.NewCredentialsCache(provider)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.MaxRetries), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client ObjectPutter, bucket string, maxRetries int) *S3Archiver {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &S3Archiver{
		client:     client,
		bucket:     bucket,
		maxRetries: maxRetries,
		backoff:    func(attempt int) time.Duration { return time.Duration(1<<uint(attempt)) * time.Second },
	}
}

// Key returns the object key of a transcript: parties/yyyy/mm/dd/<id>.jsonl,
// dated by the end time in UTC.
func Key(t party.Transcript) string {
	d := t.EndedAt.UTC()
	return fmt.Sprintf("parties/%04d/%02d/%02d/%s.jsonl", d.Year(), d.Month(), d.Day(), t.PartyID)
}

type line struct {
	PartyID   string       `json:"partyId"`
	Channel   string       `json:"channel"`
	Author    string       `json:"author"`
	Text      string       `json:"text"`
	Origin    party.Origin `json:"origin"`
	Timestamp time.Time    `json:"timestamp"`
}

// Encode renders a transcript as JSONL, one message per line.
func Encode(t party.Transcript) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, m := range t.Messages {
		if err := enc.Encode(line{PartyID: t.PartyID, Channel: t.Channel, Author: m.Author, Text: m.Text, Origin: m.Origin, Timestamp: m.Timestamp}); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Archive uploads t, retrying with exponential backoff.
func (a *S3Archiver) Archive(ctx context.Context, t party.Transcript) error {
	body, err := Encode(t)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	key := Key(t)
	ctx, span := telemetry.StartSpan(ctx, "archive", "upload-transcript", telemetry.PartyAttr(t.PartyID))
	defer span.End()
	var lastErr error
	telemetry.TimeFunc(telemetry.ArchiveDuration, func() {
		for attempt := 0; attempt <= a.maxRetries; attempt++ {
			_, lastErr = a.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:      aws.String(a.bucket),
				Key:         aws.String(key),
				Body:        bytes.NewReader(body),
				ContentType: aws.String("application/x-ndjson"),
				Metadata: map[string]string{
					"party-id":   t.PartyID,
					"channel":    t.Channel,
					"guild-id":   t.GuildID,
					"created-at": t.CreatedAt.UTC().Format(time.RFC3339),
				},
			})
			if lastErr == nil {
				return
			}
			if attempt < a.maxRetries {
				wait := a.backoff(attempt)
				slog.Warn("transcript upload failed, retrying",
					slog.String("party", t.PartyID), slog.Int("attempt", attempt+1), slog.Duration("backoff", wait), slog.Any("err", lastErr))
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					lastErr = ctx.Err()
					return
				}
			}
		}
	})
	if lastErr != nil {
		telemetry.ArchiveUpload("error")
		telemetry.RecordError(span, lastErr)
		return fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, lastErr)
	}
	telemetry.ArchiveUpload("ok")
	telemetry.SetSpanSuccess(span)
	slog.Info("transcript archived", slog.String("party", t.PartyID), slog.String("key", key), slog.Int("messages", len(t.Messages)))
	return nil
}

// Nop discards transcripts; used when no bucket is configured.
type Nop struct{}

func (Nop) Archive(context.Context, party.Transcript) error { return nil }
