package target

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func put(t *testing.T, tgt Target, key, body string) {
	t.Helper()
	if err := tgt.Put(context.Background(), key, strings.NewReader(body), PutOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("Put(%q): %v", key, err)
	}
}

func read(t *testing.T, tgt Target, key string) string {
	t.Helper()
	data, _, err := ReadAll(context.Background(), tgt, key)
	if err != nil {
		t.Fatalf("ReadAll(%q): %v", key, err)
	}
	return string(data)
}

func TestMemoryTarget_PutGet(t *testing.T) {
	mt := NewMemoryTarget("test")
	put(t, mt, "txt/a/file.txt", "hello")

	if got := read(t, mt, "txt/a/file.txt"); got != "hello" {
		t.Errorf("body = %q, want %q", got, "hello")
	}
	if ct, _ := mt.ContentType("txt/a/file.txt"); ct != "text/plain" {
		t.Errorf("content type = %q", ct)
	}

	// Overwrite bumps the generation.
	meta1, _ := mt.Head(context.Background(), "txt/a/file.txt")
	put(t, mt, "txt/a/file.txt", "world")
	meta2, _ := mt.Head(context.Background(), "txt/a/file.txt")
	if meta2.Generation <= meta1.Generation || meta2.ETag == meta1.ETag {
		t.Errorf("overwrite did not change version: %+v -> %+v", meta1, meta2)
	}
	if meta2.Size != 5 {
		t.Errorf("Size = %d, want 5", meta2.Size)
	}
}

func TestMemoryTarget_GetNotFound(t *testing.T) {
	mt := NewMemoryTarget("test")
	if _, _, err := mt.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing: err = %v, want ErrNotFound", err)
	}
	if _, err := mt.Head(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Head missing: err = %v, want ErrNotFound", err)
	}
}

func TestMemoryTarget_Delete(t *testing.T) {
	mt := NewMemoryTarget("test")
	put(t, mt, "k", "v")

	if err := mt.Delete(context.Background(), "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := mt.Head(context.Background(), "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("object still present after Delete")
	}
	if err := mt.Delete(context.Background(), "k"); err != nil {
		t.Errorf("Delete of missing object: %v", err)
	}
}

func TestMemoryTarget_List(t *testing.T) {
	mt := NewMemoryTarget("test")
	for _, k := range []string{"b/2", "a/1", "b/1", "c"} {
		put(t, mt, k, k)
	}

	items, err := mt.List(context.Background(), "b/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var keys []string
	for _, it := range items {
		keys = append(keys, it.Key)
	}
	if diff := cmp.Diff([]string{"b/1", "b/2"}, keys); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a/1", "b/1", "b/2", "c"}, mt.Keys()); diff != "" {
		t.Errorf("Keys mismatch (-want +got):\n%s", diff)
	}
}

func TestMemoryTarget_ConditionalPut(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		exists  bool
		cond    func(meta ObjectMeta) WriteCondition
		wantErr func(error) bool
	}{
		{
			name:   "matching etag",
			exists: true,
			cond:   func(m ObjectMeta) WriteCondition { return WriteCondition{IfMatch: m.ETag} },
		},
		{
			name:    "stale etag",
			exists:  true,
			cond:    func(ObjectMeta) WriteCondition { return WriteCondition{IfMatch: `"999"`} },
			wantErr: func(err error) bool { return errors.Is(err, ErrPreconditionFailed) },
		},
		{
			name:   "matching generation",
			exists: true,
			cond:   func(m ObjectMeta) WriteCondition { return WriteCondition{Generation: m.Generation} },
		},
		{
			name:    "stale generation",
			exists:  true,
			cond:    func(m ObjectMeta) WriteCondition { return WriteCondition{Generation: m.Generation + 10} },
			wantErr: func(err error) bool { return errors.Is(err, ErrPreconditionFailed) },
		},
		{
			name:   "version from meta",
			exists: true,
			cond:   func(m ObjectMeta) WriteCondition { return m.Condition() },
		},
		{
			name: "create only on absent object",
			cond: func(ObjectMeta) WriteCondition { return WriteCondition{} },
		},
		{
			name:   "create only on present object",
			exists: true,
			cond:   func(ObjectMeta) WriteCondition { return WriteCondition{} },
			wantErr: func(err error) bool {
				var cme *ConcurrentModificationError
				return errors.As(err, &cme)
			},
		},
		{
			name:   "if-none-match star on present object",
			exists: true,
			cond:   func(ObjectMeta) WriteCondition { return WriteCondition{IfMatch: "*"} },
			wantErr: func(err error) bool {
				var cme *ConcurrentModificationError
				return errors.As(err, &cme)
			},
		},
		{
			name:   "lease on present object",
			exists: true,
			cond:   func(ObjectMeta) WriteCondition { return WriteCondition{LeaseID: "lease-1"} },
		},
		{
			name:    "lease on absent object",
			cond:    func(ObjectMeta) WriteCondition { return WriteCondition{LeaseID: "lease-1"} },
			wantErr: func(err error) bool { return errors.Is(err, ErrNotFound) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := NewMemoryTarget("test")
			var meta ObjectMeta
			if tt.exists {
				put(t, mt, "ACTIVE", "old")
				meta, _ = mt.Head(ctx, "ACTIVE")
			}

			err := mt.ConditionalPut(ctx, "ACTIVE", strings.NewReader("new"), tt.cond(meta), PutOptions{})
			if tt.wantErr != nil {
				if !tt.wantErr(err) {
					t.Fatalf("ConditionalPut err = %v, not the expected error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ConditionalPut: %v", err)
			}
			if got := read(t, mt, "ACTIVE"); got != "new" {
				t.Errorf("body = %q, want new", got)
			}
		})
	}
}

func TestMemoryTarget_Fault(t *testing.T) {
	mt := NewMemoryTarget("test")
	boom := errors.New("boom")
	mt.SetFault(func(op, key string) error {
		if op == "put" && strings.HasSuffix(key, ".bad") {
			return boom
		}
		return nil
	})

	if err := mt.Put(context.Background(), "x.bad", strings.NewReader(""), PutOptions{}); !errors.Is(err, boom) {
		t.Errorf("Put x.bad: err = %v, want boom", err)
	}
	put(t, mt, "x.good", "")

	mt.SetFault(nil)
	put(t, mt, "x.bad", "")
}

func TestSharedMemoryTarget(t *testing.T) {
	t.Cleanup(ResetSharedMemoryTargets)

	a := SharedMemoryTarget("shared")
	b := SharedMemoryTarget("shared")
	if a != b {
		t.Fatal("same name returned different targets")
	}
	if SharedMemoryTarget("other") == a {
		t.Fatal("different names returned the same target")
	}

	ResetSharedMemoryTargets()
	if SharedMemoryTarget("shared") == a {
		t.Fatal("reset did not drop the target")
	}
}

// flaky fails the first n operations of kind op with err.
func flaky(mt *MemoryTarget, op string, n int32, err error) *atomic.Int32 {
	var calls atomic.Int32
	mt.SetFault(func(o, _ string) error {
		if o != op {
			return nil
		}
		if calls.Add(1) <= n {
			return err
		}
		return nil
	})
	return &calls
}

func TestRetryTarget_NoRetryOnSuccess(t *testing.T) {
	mt := NewMemoryTarget("test")
	put(t, mt, "k", "v")
	calls := flaky(mt, "get", 0, nil)

	rt := NewRetryTarget(mt, RetryOptions{MaxRetries: 3})
	if got := read(t, rt, "k"); got != "v" {
		t.Errorf("body = %q", got)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestRetryTarget_RetriesTransientErrors(t *testing.T) {
	mt := NewMemoryTarget("test")
	calls := flaky(mt, "put", 2, errors.New("connection reset"))

	rt := NewRetryTarget(mt, RetryOptions{MaxRetries: 5, Backoff: BackoffLinear})
	put(t, rt, "k", "payload")

	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	// The body is replayed on every attempt.
	mt.SetFault(nil)
	if got := read(t, mt, "k"); got != "payload" {
		t.Errorf("stored body = %q, want payload", got)
	}
}

func TestRetryTarget_GivesUp(t *testing.T) {
	mt := NewMemoryTarget("test")
	transient := errors.New("503")
	calls := flaky(mt, "head", 100, transient)

	rt := NewRetryTarget(mt, RetryOptions{MaxRetries: 2})
	if _, err := rt.Head(context.Background(), "k"); !errors.Is(err, transient) {
		t.Errorf("err = %v, want the transient error", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestRetryTarget_FinalErrors(t *testing.T) {
	for _, final := range []error{ErrNotFound, ErrPreconditionFailed, ErrLeaseConflict} {
		t.Run(final.Error(), func(t *testing.T) {
			mt := NewMemoryTarget("test")
			calls := flaky(mt, "delete", 100, final)

			rt := NewRetryTarget(mt, RetryOptions{MaxRetries: 5})
			if err := rt.Delete(context.Background(), "k"); !errors.Is(err, final) {
				t.Errorf("err = %v, want %v", err, final)
			}
			if calls.Load() != 1 {
				t.Errorf("calls = %d, want 1 (no retries)", calls.Load())
			}
		})
	}
}

func TestRetryTarget_ContextCancelled(t *testing.T) {
	mt := NewMemoryTarget("test")
	flaky(mt, "list", 100, errors.New("timeout"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rt := NewRetryTarget(mt, RetryOptions{MaxRetries: 10})
	start := time.Now()
	if _, err := rt.List(ctx, ""); err == nil {
		t.Fatal("List with cancelled context succeeded")
	}
	if time.Since(start) > time.Second {
		t.Error("retry loop did not stop on cancellation")
	}
}

func TestRetryTarget_Backoff(t *testing.T) {
	rt := NewRetryTarget(NewMemoryTarget("x"), RetryOptions{Backoff: "bogus"})
	if rt.opts.Backoff != BackoffExponential {
		t.Errorf("Backoff = %q, want exponential default", rt.opts.Backoff)
	}
	for attempt := 0; attempt < 20; attempt++ {
		d := rt.calcBackoff(attempt)
		if d <= 0 || d > 38*time.Second {
			t.Errorf("calcBackoff(%d) = %v out of range", attempt, d)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "memory", cfg: Config{Name: "m", Type: TypeMemory}},
		{name: "s3", cfg: Config{Name: "s", Type: TypeS3, Bucket: "b", KMSKeyID: "k"}},
		{name: "gcs missing bucket", cfg: Config{Name: "g", Type: TypeGCS}, wantErr: "bucket is required"},
		{name: "azure missing account", cfg: Config{Name: "a", Type: TypeAzure, ContainerName: "c"}, wantErr: "storage_account"},
		{name: "unknown type", cfg: Config{Name: "x", Type: "ftp"}, wantErr: "unsupported type"},
		{name: "missing name", cfg: Config{Type: TypeMemory}, wantErr: "name is required"},
		{name: "kms on gcs", cfg: Config{Name: "g", Type: TypeGCS, Bucket: "b", KMSKeyID: "k"}, wantErr: "kms_key_id"},
		{name: "bad backoff", cfg: Config{Name: "m", Type: TypeMemory, RetryBackoff: "cubic"}, wantErr: "retry_backoff"},
		{name: "negative retries", cfg: Config{Name: "m", Type: TypeMemory, MaxRetries: -1}, wantErr: "max_retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestNew(t *testing.T) {
	t.Cleanup(ResetSharedMemoryTargets)

	if _, err := New(context.Background(), Config{Name: "x", Type: "ftp"}, nil); err == nil {
		t.Fatal("New with unsupported type: expected error, got nil")
	}

	tgt, err := New(context.Background(), Config{Name: "backup", Type: TypeMemory}, nil)
	if err != nil {
		t.Fatalf("New memory: %v", err)
	}
	if tgt != SharedMemoryTarget("backup") {
		t.Error("memory target is not the shared instance")
	}
}

func TestNormalizePrefix(t *testing.T) {
	for in, want := range map[string]string{
		"":            "",
		"/":           "",
		"backups":     "backups/",
		"backups/":    "backups/",
		"/a/b//":      "a/b/",
		"hot/deploy/": "hot/deploy/",
	} {
		if got := normalizePrefix(in); got != want {
			t.Errorf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}
