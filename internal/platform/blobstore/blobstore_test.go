package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func TestCleanKey(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
	}{
		{"study/image.enc", false},
		{"a", false},
		{"", true},
		{"/etc/passwd", true},
		{"../escape", true},
		{"study/../../escape", true},
		{"study//image.enc", true},
		{"study/./image.enc", true},
		{`study\image.enc`, true},
	}
	for _, tt := range tests {
		_, err := CleanKey(tt.key)
		if (err != nil) != tt.wantErr {
			t.Errorf("CleanKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidKey) {
			t.Errorf("CleanKey(%q) expected ErrInvalidKey, got %v", tt.key, err)
		}
	}
}

// exerciseStore runs the common Store contract against s.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if err := s.Put(ctx, "study-1/image.enc", []byte("ciphertext")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(ctx, "study-1/image.enc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "ciphertext" {
		t.Errorf("expected 'ciphertext', got %q", got)
	}

	if err := s.Put(ctx, "study-1/image.enc", []byte("v2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = s.Get(ctx, "study-1/image.enc")
	if string(got) != "v2" {
		t.Errorf("expected overwrite to win, got %q", got)
	}

	if err := s.Put(ctx, "study-1/empty.enc", nil); err != nil {
		t.Fatalf("put empty: %v", err)
	}
	if got, err := s.Get(ctx, "study-1/empty.enc"); err != nil || len(got) != 0 {
		t.Errorf("expected empty blob, got %q, %v", got, err)
	}

	if _, err := s.Get(ctx, "missing/image.enc"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
	if err := s.Put(ctx, "../escape", []byte("x")); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}

	if err := s.Delete(ctx, "study-1/image.enc"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "study-1/image.enc"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "study-1/image.enc"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound on second delete, got %v", err)
	}
}

func TestInMemoryStore(t *testing.T) {
	exerciseStore(t, NewInMemoryStore())
}

func TestLocalStore(t *testing.T) {
	root := t.TempDir()
	s, err := NewLocalStore(root)
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	exerciseStore(t, s)
}

func TestLocalStore_Layout(t *testing.T) {
	root := t.TempDir()
	s, err := NewLocalStore(root)
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	if err := s.Put(context.Background(), "abc/metadata.enc", []byte("x")); err != nil {
		t.Fatalf("put: %v", err)
	}

	p := filepath.Join(root, "abc", "metadata.enc")
	if s.Location("abc/metadata.enc") != p {
		t.Errorf("expected location %s, got %s", p, s.Location("abc/metadata.enc"))
	}
	info, err := os.Stat(p)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		t.Errorf("expected owner-only permissions, got %v", info.Mode().Perm())
	}
	entries, _ := os.ReadDir(filepath.Join(root, "abc"))
	if len(entries) != 1 {
		t.Errorf("expected no leftover temp files, got %d entries", len(entries))
	}
}

func TestLocalStore_CancelledContext(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Put(ctx, "a/b", []byte("x")); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

type mockS3 struct {
	objects map[string][]byte
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := m.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	k := *in.Bucket + "/" + *in.Key
	if _, ok := m.objects[k]; !ok {
		return nil, &types.NoSuchKey{}
	}
	delete(m.objects, k)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	mock := &mockS3{objects: map[string][]byte{}}
	s := &S3Store{client: mock, bucket: "studies", prefix: "radpipe"}
	ctx := context.Background()

	if err := s.Put(ctx, "id-1/image.enc", []byte("sealed")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok := mock.objects["studies/radpipe/id-1/image.enc"]; !ok {
		t.Errorf("expected prefixed object key, have %v", mock.objects)
	}
	got, err := s.Get(ctx, "id-1/image.enc")
	if err != nil || string(got) != "sealed" {
		t.Fatalf("get: %q, %v", got, err)
	}
	if _, err := s.Get(ctx, "id-2/image.enc"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
	if loc := s.Location("id-1/image.enc"); loc != "s3://studies/radpipe/id-1/image.enc" {
		t.Errorf("unexpected location %s", loc)
	}
	if err := s.Delete(ctx, "id-1/image.enc"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, Config{Backend: "local", LocalPath: t.TempDir()})
	if err != nil {
		t.Fatalf("local: %v", err)
	}
	if _, ok := s.(*LocalStore); !ok {
		t.Errorf("expected *LocalStore, got %T", s)
	}
	if _, err := New(ctx, Config{Backend: "memory"}); err != nil {
		t.Errorf("memory: %v", err)
	}
	if _, err := New(ctx, Config{Backend: "s3"}); err == nil || !strings.Contains(err.Error(), "bucket") {
		t.Errorf("expected missing bucket error, got %v", err)
	}
	if _, err := New(ctx, Config{Backend: "ftp"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}
