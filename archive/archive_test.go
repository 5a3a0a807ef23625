package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/onnwee/watchparty/party"
)

type fakeS3 struct {
	fails int
	calls int
	key   string
	body  []byte
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.calls++
	if f.calls <= f.fails {
		return nil, errors.New("503 slow down")
	}
	f.key = aws.ToString(in.Key)
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func transcript() party.Transcript {
	ts := time.Date(2026, 2, 3, 22, 0, 0, 0, time.UTC)
	return party.Transcript{
		PartyID: "abc123", Channel: "carol", GuildID: "g",
		CreatedAt: ts, EndedAt: ts.Add(3 * time.Hour),
		Messages: []party.ChatMessage{
			{Author: "bob", Text: "hi", Timestamp: ts, Origin: party.OriginAudience},
			{Author: "kickfan", Text: "yo", Timestamp: ts.Add(time.Minute), Origin: party.OriginPlatform},
		},
	}
}

func TestKeyUsesEndDate(t *testing.T) {
	if got := Key(transcript()); got != "parties/2026/02/04/abc123.jsonl" {
		t.Fatalf("Key = %q", got)
	}
}

func TestArchiveRetriesAndWritesJSONL(t *testing.T) {
	s3c := &fakeS3{fails: 2}
	a := NewWithClient(s3c, "bucket", 3)
	a.backoff = func(int) time.Duration { return time.Millisecond }

	if err := a.Archive(context.Background(), transcript()); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if s3c.calls != 3 {
		t.Fatalf("calls = %d, want 3", s3c.calls)
	}
	sc := bufio.NewScanner(bytes.NewReader(s3c.body))
	var lines []line
	for sc.Scan() {
		var l line
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		lines = append(lines, l)
	}
	if len(lines) != 2 || lines[1].Origin != party.OriginPlatform || lines[0].PartyID != "abc123" {
		t.Fatalf("lines = %+v", lines)
	}
}

func TestArchiveGivesUp(t *testing.T) {
	s3c := &fakeS3{fails: 10}
	a := NewWithClient(s3c, "bucket", 1)
	a.backoff = func(int) time.Duration { return time.Millisecond }
	if err := a.Archive(context.Background(), transcript()); err == nil {
		t.Fatal("expected error")
	}
	if s3c.calls != 2 {
		t.Fatalf("calls = %d, want 2", s3c.calls)
	}
}

func TestNop(t *testing.T) {
	if err := (Nop{}).Archive(context.Background(), transcript()); err != nil {
		t.Fatal(err)
	}
}
