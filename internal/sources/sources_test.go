package sources

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/go-cmp/cmp"

	"rulebrief/internal/schema"
)

const trackerCSV = "\ufeffRule, Incidnet No # ,Name of the Shift Engineer,Severity,Status,False / True Positive\n" +
	"Rule 002,208307,Sarvesh,High,Closed,False Positive\n" +
	",,,,,\n" +
	"Rule 014,,Aman,,,\n" +
	"Rule 014,211000,Aman,Medium,Closed,True Positive\n"

func TestSplitTrackerCSV(t *testing.T) {
	received := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	docs, err := SplitTrackerCSV("tracker.csv", []byte(trackerCSV), received)
	if err != nil {
		t.Fatalf("SplitTrackerCSV() error = %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("SplitTrackerCSV() returned %d rows, want 2", len(docs))
	}

	first := docs[0]
	if first.ID != "tracker.csv#row2" || first.Provenance != "tracker.csv:row 2" {
		t.Errorf("first row id/provenance = %q %q", first.ID, first.Provenance)
	}
	if first.Kind != schema.KindTracker || !first.ReceivedAt.Equal(received) {
		t.Errorf("first row kind/received = %s %v", first.Kind, first.ReceivedAt)
	}
	want := `{"false / true positive":"False Positive","incidnet no #":"208307","name of the shift engineer":"Sarvesh","rule":"Rule 002","severity":"High","status":"Closed"}`
	if first.Content != want {
		t.Errorf("first row content mismatch:\n got %s\nwant %s", first.Content, want)
	}
	if docs[1].ID != "tracker.csv#row5" {
		t.Errorf("second row id = %q, want tracker.csv#row5", docs[1].ID)
	}
}

func TestSplitTrackerCSV_Empty(t *testing.T) {
	docs, err := SplitTrackerCSV("empty.csv", nil, time.Time{})
	if err != nil || docs != nil {
		t.Errorf("SplitTrackerCSV(empty) = %v, %v", docs, err)
	}
}

func TestDirStore_List(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	files := []struct {
		name    string
		content string
		mod     time.Time
	}{
		{"Rule_002_writeup.md", "# Alert: Rule 002 - Bypass\n- **Engineer**: Sarvesh\n", base.Add(2 * time.Hour)},
		{"tracker.csv", trackerCSV, base},
		{"notes/rule-280.txt", "Rule 280 severity High", base.Add(time.Hour)},
		{"ignored.pdf", "binary", base},
	}
	for _, f := range files {
		p := filepath.Join(dir, f.name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(f.content), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(p, f.mod, f.mod); err != nil {
			t.Fatal(err)
		}
	}

	docs, err := NewDirStore(dir, 0, nil).List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	type summary struct {
		ID     string
		RuleID string
		Kind   schema.DocumentKind
		Order  int
	}
	var got []summary
	for _, d := range docs {
		got = append(got, summary{d.ID, d.RuleID, d.Kind, d.Order})
	}
	want := []summary{
		{"tracker.csv#row2", "", schema.KindTracker, 1},
		{"tracker.csv#row5", "", schema.KindTracker, 2},
		{"notes/rule-280.txt", "280", schema.KindWriteup, 3},
		{"Rule_002_writeup.md", "002", schema.KindWriteup, 4},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
}

func TestDirStore_MaxSize(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "big.md"), bytes.Repeat([]byte("x"), 64), 0o644); err != nil {
		t.Fatal(err)
	}
	docs, err := NewDirStore(dir, 16, nil).List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("List() returned %d documents, want oversized file skipped", len(docs))
	}
}

func TestDirStore_MissingDir(t *testing.T) {
	if _, err := NewDirStore(filepath.Join(t.TempDir(), "absent"), 0, nil).List(context.Background()); err == nil {
		t.Error("List() should fail for a missing directory")
	}
}

// fakeS3 serves a fixed listing in pages of one object.
type fakeS3 struct {
	objects map[string]string
	keys    []string
	mod     map[string]time.Time
	getErr  error
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	start := 0
	if in.ContinuationToken != nil {
		for i, k := range f.keys {
			if k == *in.ContinuationToken {
				start = i
			}
		}
	}
	var out s3.ListObjectsV2Output
	for i := start; i < len(f.keys) && i < start+1; i++ {
		k := f.keys[i]
		if !strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			continue
		}
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(f.objects[k]))),
			LastModified: aws.Time(f.mod[k]),
		})
	}
	if start+1 < len(f.keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(f.keys[start+1])
	}
	return &out, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func TestS3Store_List(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := &fakeS3{
		keys: []string{"sources/rule_183.md", "sources/tracker.csv", "sources/readme.pdf"},
		objects: map[string]string{
			"sources/rule_183.md": "Rule 183 engineer: Ravi",
			"sources/tracker.csv": trackerCSV,
			"sources/readme.pdf":  "skip",
		},
		mod: map[string]time.Time{
			"sources/rule_183.md": base.Add(time.Hour),
			"sources/tracker.csv": base,
			"sources/readme.pdf":  base,
		},
	}
	cfg := DefaultS3Config()
	cfg.Bucket = "soc-docs"
	store := newS3Store(fake, cfg, nil)

	docs, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	var ids []string
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	want := []string{"tracker.csv#row2", "tracker.csv#row5", "rule_183.md"}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("List() ids mismatch (-want +got):\n%s", diff)
	}
	if docs[2].RuleID != "183" || docs[2].Order != 3 {
		t.Errorf("write-up doc = rule %q order %d", docs[2].RuleID, docs[2].Order)
	}

	m := store.Metrics()
	if m.ObjectsRead != 2 || m.Errors != 0 {
		t.Errorf("Metrics() = %+v", m)
	}
}

func TestS3Store_DownloadError(t *testing.T) {
	fake := &fakeS3{
		keys:    []string{"sources/a.md"},
		objects: map[string]string{"sources/a.md": "x"},
		mod:     map[string]time.Time{},
		getErr:  errors.New("access denied"),
	}
	cfg := DefaultS3Config()
	cfg.Bucket = "soc-docs"
	store := newS3Store(fake, cfg, nil)

	if _, err := store.List(context.Background()); err == nil {
		t.Error("List() should fail when an object cannot be downloaded")
	}
	if store.Metrics().Errors != 1 {
		t.Errorf("Errors = %d, want 1", store.Metrics().Errors)
	}
}

func TestS3Config_Validate(t *testing.T) {
	cfg := DefaultS3Config()
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should require a bucket")
	}
	cfg.Bucket = "soc-docs"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestForRule(t *testing.T) {
	docs := []schema.RawSourceDocument{
		{ID: "a", RuleID: "002"},
		{ID: "b", RuleID: "280"},
		{ID: "c"},
		{ID: "d", RuleID: "2"},
	}

	var got []string
	for _, d := range ForRule(docs, "002") {
		got = append(got, d.ID)
	}
	if diff := cmp.Diff([]string{"a", "c", "d"}, got); diff != "" {
		t.Errorf("ForRule() mismatch (-want +got):\n%s", diff)
	}
}
