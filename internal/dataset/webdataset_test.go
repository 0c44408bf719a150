package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

type shardEntry struct {
	key       string
	imageExt  string
	caption   string
	embedding []float32
}

func TestStreamShardPairsCaptions(t *testing.T) {
	shard := filepath.Join(t.TempDir(), "shard-000000.tar")
	writeShard(t, shard, []shardEntry{
		{key: "000001", imageExt: ".jpg", caption: "a red square\n"},
		{key: "000002", imageExt: ".png", caption: "two dogs"},
	})

	samples := drain(t, shard, TextCaption, 4)
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	if samples[0].Key != "000001" || samples[0].Caption != "a red square" {
		t.Fatalf("unexpected first sample %+v", samples[0])
	}
	if string(samples[1].Image) != "000002" {
		t.Fatalf("image payload %q", samples[1].Image)
	}
}

func TestStreamShardPairsEmbeddings(t *testing.T) {
	shard := filepath.Join(t.TempDir(), "shard-000000.tar")
	writeShard(t, shard, []shardEntry{
		{key: "k", imageExt: ".jpg", caption: "ignored", embedding: []float32{0.5, -1, 2}},
	})

	samples := drain(t, shard, TextEmbedding, 0)
	if len(samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(samples))
	}
	emb := samples[0].Embedding
	if len(emb) != 3 || emb[0] != 0.5 || emb[1] != -1 || emb[2] != 2 {
		t.Fatalf("embedding %v", emb)
	}
	if samples[0].Caption != "" {
		t.Fatalf("caption should not be paired in embedding mode, got %q", samples[0].Caption)
	}
}

func TestStreamShardIncompleteSample(t *testing.T) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	addTarPayload(t, tw, "lonely.jpg", []byte("x"))
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	shard := filepath.Join(t.TempDir(), "shard-000000.tar")
	if err := os.WriteFile(shard, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
	if _, err := CountShard(context.Background(), shard, TextCaption); err == nil {
		t.Fatal("expected error for image without caption")
	}
}

func TestStreamShardPendingOverflow(t *testing.T) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for i := 0; i < 3; i++ {
		addTarPayload(t, tw, fmt.Sprintf("k%d.jpg", i), []byte("x"))
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	shard := filepath.Join(t.TempDir(), "shard-000000.tar")
	if err := os.WriteFile(shard, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
	samples, errCh := StreamShard(context.Background(), shard, TextCaption, 2)
	for range samples {
	}
	if err := <-errCh; !errors.Is(err, ErrPendingOverflow) {
		t.Fatalf("expected ErrPendingOverflow, got %v", err)
	}
}

func TestDecodeEmbeddingRejectsTruncated(t *testing.T) {
	if _, err := decodeEmbedding([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for 3-byte payload")
	}
}

func drain(t *testing.T, shard string, text TextKind, pendingCap int) []Sample {
	t.Helper()
	samplesCh, errCh := StreamShard(context.Background(), shard, text, pendingCap)
	var samples []Sample
	for sample := range samplesCh {
		samples = append(samples, sample)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("StreamShard returned error: %v", err)
	}
	return samples
}

func writeShard(t *testing.T, path string, entries []shardEntry) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for _, e := range entries {
		ext := e.imageExt
		if ext == "" {
			ext = ".jpg"
		}
		addTarPayload(t, tw, e.key+ext, []byte(e.key))
		addTarPayload(t, tw, e.key+".txt", []byte(e.caption))
		if e.embedding != nil {
			addTarPayload(t, tw, e.key+".emb", EncodeEmbedding(e.embedding))
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
}

// writeCaptionShard writes n samples keyed prefix-0..prefix-(n-1).
func writeCaptionShard(t *testing.T, path, prefix string, n int) {
	t.Helper()
	entries := make([]shardEntry, n)
	for i := range entries {
		key := fmt.Sprintf("%s-%d", prefix, i)
		entries[i] = shardEntry{key: key, caption: "caption " + key}
	}
	writeShard(t, path, entries)
}

func addTarPayload(t *testing.T, tw *tar.Writer, name string, data []byte) {
	t.Helper()
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := tw.Write(data); err != nil {
		t.Fatalf("write data: %v", err)
	}
}
