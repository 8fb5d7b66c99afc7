package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func TestLocalPutDelete(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLocal(filepath.Join(dir, "media"), "/media/")
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	url, err := l.Put(context.Background(), "cat.jpg", "image/jpeg", []byte("data"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if url != "/media/cat.jpg" {
		t.Errorf("url = %q, want /media/cat.jpg", url)
	}
	if _, err := os.Stat(filepath.Join(dir, "media", "cat.jpg")); err != nil {
		t.Fatal("object should exist after Put")
	}
	if err := l.Delete(context.Background(), "cat.jpg"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "media", "cat.jpg")); !os.IsNotExist(err) {
		t.Error("object should be gone after Delete")
	}
	if err := l.Delete(context.Background(), "cat.jpg"); err != nil {
		t.Errorf("deleting a missing object should succeed, got %v", err)
	}
}

func TestLocalRejectsTraversal(t *testing.T) {
	l, err := NewLocal(t.TempDir(), "/media")
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"../escape.jpg", "/abs.jpg", "a/../../b", "", `a\b`} {
		if _, err := l.Put(context.Background(), key, "image/jpeg", nil); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Put(%q) err = %v, want ErrInvalidKey", key, err)
		}
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(l.Dir), "escape.jpg")); err == nil {
		t.Error("traversal wrote outside the root")
	}
}

type fakeS3 struct {
	puts    map[string][]byte
	deletes []string
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, _ := io.ReadAll(in.Body)
	f.puts[*in.Key] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.deletes = append(f.deletes, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3PutDelete(t *testing.T) {
	fake := &fakeS3{puts: map[string][]byte{}}
	s := NewS3WithClient(fake, "bucket", "https://cdn.example.com/")
	url, err := s.Put(context.Background(), "thumbs/cat.jpg", "image/jpeg", []byte("jpg"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if url != "https://cdn.example.com/thumbs/cat.jpg" {
		t.Errorf("url = %q", url)
	}
	if string(fake.puts["thumbs/cat.jpg"]) != "jpg" {
		t.Errorf("uploaded body = %q", fake.puts["thumbs/cat.jpg"])
	}
	if err := s.Delete(context.Background(), "thumbs/cat.jpg"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(fake.deletes) != 1 || fake.deletes[0] != "thumbs/cat.jpg" {
		t.Errorf("deletes = %v", fake.deletes)
	}
}
