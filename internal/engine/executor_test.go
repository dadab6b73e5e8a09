package engine

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gablilli/drivesync/internal/events"
	"github.com/gablilli/drivesync/internal/remote"
	"github.com/gablilli/drivesync/internal/store"
)

// fakeClient implements RemoteClient in memory for executor tests.
type fakeClient struct {
	mu sync.Mutex

	chunkSize    int64
	encrypt      *remote.EncryptMetadata
	createErr    error
	chunkErrs    map[int]error // consumed per chunk index
	finalizeErr  error
	downloadBody []byte
	downloadErr  error
	listFiles    []remote.FileInfo
	listErr      error

	chunks          map[int][]byte
	sessionsCreated int
	sessionsDeleted int
	filesDeleted    []string
	downloadOffsets []int64
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		chunkSize: 4,
		chunkErrs: make(map[int]error),
		chunks:    make(map[int][]byte),
	}
}

func (f *fakeClient) CreateSession(_ context.Context, uri string, size int64, _ time.Time) (*remote.TransferSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return nil, f.createErr
	}

	f.sessionsCreated++

	return &remote.TransferSession{
		Credential: remote.UploadCredential{
			SessionID:  uuid.NewString(),
			UploadURL:  "https://upload.example.com/" + uri,
			Credential: "opaque",
		},
		ChunkSize:  f.chunkSize,
		PolicyType: "local",
		Encrypt:    f.encrypt,
		ExpiresAt:  time.Now().Add(time.Hour),
	}, nil
}

func (f *fakeClient) UploadChunk(_ context.Context, _ *remote.UploadCredential, index int, chunk io.Reader, _ int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.chunkErrs[index]; ok {
		delete(f.chunkErrs, index)
		return "", err
	}

	data, err := io.ReadAll(chunk)
	if err != nil {
		return "", err
	}

	f.chunks[index] = data

	return "etag-" + uuid.NewString()[:8], nil
}

func (f *fakeClient) Finalize(context.Context, *remote.UploadCredential, string) (*remote.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.finalizeErr != nil {
		return nil, f.finalizeErr
	}

	return &remote.FileInfo{ETag: "final-etag"}, nil
}

func (f *fakeClient) DeleteSession(context.Context, *remote.UploadCredential) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sessionsDeleted++

	return nil
}

func (f *fakeClient) DownloadRange(_ context.Context, _ string, offset, length int64, w io.Writer) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.downloadOffsets = append(f.downloadOffsets, offset)

	if f.downloadErr != nil {
		return 0, f.downloadErr
	}

	end := offset + length
	if end > int64(len(f.downloadBody)) {
		end = int64(len(f.downloadBody))
	}

	n, err := w.Write(f.downloadBody[offset:end])

	return int64(n), err
}

func (f *fakeClient) GetFileInfo(context.Context, string) (*remote.FileInfo, error) {
	return nil, remote.ErrNotFound
}

func (f *fakeClient) ListAll(context.Context, string) ([]remote.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listErr != nil {
		return nil, f.listErr
	}

	return f.listFiles, nil
}

func (f *fakeClient) DeleteFile(_ context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.filesDeleted = append(f.filesDeleted, uri)

	return nil
}

func (f *fakeClient) GetCapacity(context.Context) (*remote.Capacity, error) {
	return &remote.Capacity{Used: 1, Total: 2}, nil
}

func (f *fakeClient) GetStoragePolicy(context.Context) (*remote.StoragePolicy, error) {
	return &remote.StoragePolicy{Name: "default", Type: "local"}, nil
}

func (f *fakeClient) uploadedContent() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	var buf bytes.Buffer
	for i := 0; i < len(f.chunks); i++ {
		buf.Write(f.chunks[i])
	}

	return buf.Bytes()
}

type executorFixture struct {
	executor *Executor
	client   *fakeClient
	store    *store.Store
	root     string
	events   <-chan events.Event
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()

	root := t.TempDir()
	logger := discardLogger()

	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), logger)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	t.Cleanup(func() { st.Close() })

	bus := events.NewBus(64, logger)
	t.Cleanup(bus.Close)

	ch, cancel := bus.Subscribe()
	t.Cleanup(cancel)

	client := newFakeClient()

	cfg := ExecutorConfig{
		ChunkSize:      4,
		RetryBudget:    2,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
		HistoryLimit:   100,
	}

	executor := NewExecutor("d1", root, "cloudreve://my/root", client, st, bus, cfg, logger)

	return &executorFixture{
		executor: executor,
		client:   client,
		store:    st,
		root:     root,
		events:   ch,
	}
}

func (fx *executorFixture) writeLocal(t *testing.T, path string, content []byte) FileState {
	t.Helper()

	fsPath := filepath.Join(fx.root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(fsPath), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	if err := os.WriteFile(fsPath, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fp, err := FingerprintFile(fsPath)
	if err != nil {
		t.Fatalf("FingerprintFile: %v", err)
	}

	info, err := os.Stat(fsPath)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	return FileState{
		Path:        path,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		Fingerprint: fp,
		Exists:      true,
	}
}

func uploadTask(path string, local FileState) *Task {
	return &Task{
		ID:      NewTaskID(),
		DriveID: "d1",
		Action:  Action{Kind: ActionUpload, Path: path, Local: local},
	}
}

func TestUploadHappyPath(t *testing.T) {
	t.Parallel()

	fx := newExecutorFixture(t)
	ctx := context.Background()
	content := []byte("hello chunked world") // 19 bytes, 5 chunks of 4

	local := fx.writeLocal(t, "docs/hello.txt", content)

	if err := fx.executor.Execute(ctx, uploadTask("docs/hello.txt", local)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := fx.client.uploadedContent(); !bytes.Equal(got, content) {
		t.Errorf("uploaded %q, want %q", got, content)
	}

	// Session is gone after finalization.
	sess, err := fx.store.GetSessionByPath(ctx, "d1", "docs/hello.txt")
	if err != nil {
		t.Fatalf("GetSessionByPath: %v", err)
	}

	if sess != nil {
		t.Errorf("session still present after upload: %+v", sess)
	}

	// Baseline committed with the finalize etag.
	meta, err := fx.store.GetMetadata(ctx, "d1", "docs/hello.txt")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}

	if meta == nil || meta.ETag != "final-etag" || meta.Fingerprint != local.Fingerprint {
		t.Errorf("baseline = %+v", meta)
	}

	// Task history records completion.
	tasks, err := fx.store.ListRecentTasks(ctx, "d1", 10)
	if err != nil {
		t.Fatalf("ListRecentTasks: %v", err)
	}

	if len(tasks) != 1 || tasks[0].Status != store.TaskStatusCompleted {
		t.Errorf("task history = %+v", tasks)
	}
}

func TestUploadTransientFailureKeepsSession(t *testing.T) {
	t.Parallel()

	fx := newExecutorFixture(t)
	ctx := context.Background()

	local := fx.writeLocal(t, "a.bin", []byte("0123456789ab"))

	// Chunk 1 fails more times than the retry budget allows.
	transient := &remote.APIError{StatusCode: 503, Err: remote.ErrServerError}
	fx.client.chunkErrs[1] = transient
	fx.client.chunkSize = 4
	fx.executor.cfg.RetryBudget = 0

	err := fx.executor.Execute(ctx, uploadTask("a.bin", local))
	if err == nil {
		t.Fatal("expected upload to fail")
	}

	// Session survives with chunk 0 recorded, ready for resume.
	sess, getErr := fx.store.GetSessionByPath(ctx, "d1", "a.bin")
	if getErr != nil {
		t.Fatalf("GetSessionByPath: %v", getErr)
	}

	if sess == nil {
		t.Fatal("session was dropped after a transient failure")
	}

	if sess.NextChunkIndex() != 1 {
		t.Errorf("NextChunkIndex = %d, want 1", sess.NextChunkIndex())
	}
}

func TestUploadResumeSkipsCompletedChunks(t *testing.T) {
	t.Parallel()

	fx := newExecutorFixture(t)
	ctx := context.Background()
	content := []byte("0123456789ab")

	local := fx.writeLocal(t, "a.bin", content)

	// First attempt dies on chunk 1.
	fx.client.chunkErrs[1] = &remote.APIError{StatusCode: 503, Err: remote.ErrServerError}
	fx.executor.cfg.RetryBudget = 0

	if err := fx.executor.Execute(ctx, uploadTask("a.bin", local)); err == nil {
		t.Fatal("expected first attempt to fail")
	}

	created := fx.client.sessionsCreated

	// Second attempt resumes: no new session, chunks 1 and 2 complete.
	fx.executor.cfg.RetryBudget = 2

	if err := fx.executor.Execute(ctx, uploadTask("a.bin", local)); err != nil {
		t.Fatalf("resume attempt: %v", err)
	}

	if fx.client.sessionsCreated != created {
		t.Errorf("resume created a new session")
	}

	if got := fx.client.uploadedContent(); !bytes.Equal(got, content) {
		t.Errorf("uploaded %q, want %q", got, content)
	}
}

func TestUploadPermanentFailureInvalidatesSession(t *testing.T) {
	t.Parallel()

	fx := newExecutorFixture(t)
	ctx := context.Background()

	local := fx.writeLocal(t, "a.bin", []byte("0123"))
	fx.client.finalizeErr = &remote.APIError{StatusCode: 403, Err: remote.ErrPermissionDenied}

	err := fx.executor.Execute(ctx, uploadTask("a.bin", local))
	if !errors.Is(err, remote.ErrPermissionDenied) {
		t.Fatalf("Execute error = %v, want ErrPermissionDenied", err)
	}

	sess, getErr := fx.store.GetSessionByPath(ctx, "d1", "a.bin")
	if getErr != nil {
		t.Fatalf("GetSessionByPath: %v", getErr)
	}

	if sess != nil {
		t.Error("session kept after a permanent failure")
	}

	if fx.client.sessionsDeleted != 1 {
		t.Errorf("server-side session deletes = %d, want 1", fx.client.sessionsDeleted)
	}
}

func TestUploadBlockedByPendingConflict(t *testing.T) {
	t.Parallel()

	fx := newExecutorFixture(t)
	ctx := context.Background()

	local := fx.writeLocal(t, "a.txt", []byte("x"))

	meta := &store.FileMetadataRecord{
		DriveID: "d1", LocalPath: "a.txt", RemoteURI: "cloudreve://my/root/a.txt",
		Size: 1, Fingerprint: "f", ModTime: time.Now(),
	}
	if err := fx.store.UpsertMetadata(ctx, meta); err != nil {
		t.Fatalf("UpsertMetadata: %v", err)
	}

	if err := fx.store.SetConflictState(ctx, "d1", "a.txt", store.ConflictPending); err != nil {
		t.Fatalf("SetConflictState: %v", err)
	}

	err := fx.executor.Execute(ctx, uploadTask("a.txt", local))
	if !errors.Is(err, ErrConflictPending) {
		t.Errorf("Execute error = %v, want ErrConflictPending", err)
	}

	if fx.client.sessionsCreated != 0 {
		t.Error("session created despite pending conflict")
	}
}

func TestUploadEncrypted(t *testing.T) {
	t.Parallel()

	fx := newExecutorFixture(t)
	ctx := context.Background()

	key := make([]byte, 32)
	iv := make([]byte, 16)
	rand.Read(key) //nolint:errcheck // crypto/rand.Read never fails
	rand.Read(iv)  //nolint:errcheck

	fx.client.encrypt = &remote.EncryptMetadata{
		Key: base64.StdEncoding.EncodeToString(key),
		IV:  base64.StdEncoding.EncodeToString(iv),
	}
	fx.client.chunkSize = 16

	content := []byte("exactly thirty-two bytes of text")
	local := fx.writeLocal(t, "secret.txt", content)

	if err := fx.executor.Execute(ctx, uploadTask("secret.txt", local)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	uploaded := fx.client.uploadedContent()
	if bytes.Equal(uploaded, content) {
		t.Fatal("content uploaded unencrypted despite encryption policy")
	}

	cipher, err := NewChunkCipher(fx.client.encrypt)
	if err != nil {
		t.Fatalf("NewChunkCipher: %v", err)
	}

	if err := cipher.XORAt(uploaded, 0); err != nil {
		t.Fatalf("XORAt: %v", err)
	}

	if !bytes.Equal(uploaded, content) {
		t.Error("decrypted upload does not match original content")
	}
}

func TestDownloadStagesThenRenames(t *testing.T) {
	t.Parallel()

	fx := newExecutorFixture(t)
	ctx := context.Background()
	content := []byte("remote file content")

	fx.client.downloadBody = content

	task := &Task{
		ID:      NewTaskID(),
		DriveID: "d1",
		Action: Action{
			Kind: ActionDownload,
			Path: "docs/remote.txt",
			Remote: FileState{
				Path: "docs/remote.txt", Size: int64(len(content)),
				ETag: "e9", Exists: true,
			},
		},
	}

	if err := fx.executor.Execute(ctx, task); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	fsPath := filepath.Join(fx.root, "docs", "remote.txt")

	got, err := os.ReadFile(fsPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if !bytes.Equal(got, content) {
		t.Errorf("downloaded %q, want %q", got, content)
	}

	if _, err := os.Stat(fsPath + partialSuffix); !errors.Is(err, os.ErrNotExist) {
		t.Error("staging file left behind")
	}

	meta, err := fx.store.GetMetadata(ctx, "d1", "docs/remote.txt")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}

	if meta == nil || meta.ETag != "e9" {
		t.Errorf("baseline = %+v", meta)
	}
}

func TestDownloadFailureLeavesNoTarget(t *testing.T) {
	t.Parallel()

	fx := newExecutorFixture(t)
	ctx := context.Background()

	fx.client.downloadErr = &remote.APIError{StatusCode: 500, Err: remote.ErrServerError}

	task := &Task{
		ID:      NewTaskID(),
		DriveID: "d1",
		Action: Action{
			Kind:   ActionDownload,
			Path:   "fail.txt",
			Remote: FileState{Path: "fail.txt", Size: 10, Exists: true},
		},
	}

	if err := fx.executor.Execute(ctx, task); err == nil {
		t.Fatal("expected download to fail")
	}

	if _, err := os.Stat(filepath.Join(fx.root, "fail.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Error("target file exists after failed download")
	}
}

func downloadTask(path, etag string, size int64) *Task {
	return &Task{
		ID:      NewTaskID(),
		DriveID: "d1",
		Action: Action{
			Kind:   ActionDownload,
			Path:   path,
			Remote: FileState{Path: path, Size: size, ETag: etag, Exists: true},
		},
	}
}

func TestDownloadPersistsSessionAndProgress(t *testing.T) {
	t.Parallel()

	fx := newExecutorFixture(t)
	ctx := context.Background()
	content := []byte("ten chars!")

	fx.client.downloadBody = content

	if err := fx.executor.Execute(ctx, downloadTask("big.bin", "e1", int64(len(content)))); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// 10 bytes at chunk size 4: ranges from 0, 4, and 8.
	want := []int64{0, 4, 8}
	fx.client.mu.Lock()
	got := append([]int64(nil), fx.client.downloadOffsets...)
	fx.client.mu.Unlock()

	if len(got) != len(want) {
		t.Fatalf("ranged requests = %v, want %v", got, want)
	}

	for i, offset := range want {
		if got[i] != offset {
			t.Errorf("request %d at offset %d, want %d", i, got[i], offset)
		}
	}

	// The completed transfer leaves no session behind.
	rec, err := fx.store.GetSessionByPath(ctx, "d1", "big.bin")
	if err != nil {
		t.Fatalf("GetSessionByPath: %v", err)
	}

	if rec != nil {
		t.Errorf("session survived completion: %+v", rec)
	}
}

func TestDownloadResumesFromPersistedSession(t *testing.T) {
	t.Parallel()

	fx := newExecutorFixture(t)
	ctx := context.Background()
	content := []byte("0123456789")

	fx.client.downloadBody = content

	// A prior run fetched the first chunk before dying.
	staging := filepath.Join(fx.root, "part.bin"+partialSuffix)
	if err := os.WriteFile(staging, content[:4], 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rec := &store.SessionRecord{
		ID: "sess-dl", TaskID: "t1", DriveID: "d1",
		LocalPath: "part.bin", RemoteURI: "cloudreve://my/root/part.bin",
		FileSize: 10, ChunkSize: 4, SessionData: "e1",
		Direction: store.SessionDownload,
		Chunks:    []store.ChunkProgress{{Index: 0, Loaded: 4}},
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := fx.store.SaveSession(ctx, rec); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	if err := fx.executor.Execute(ctx, downloadTask("part.bin", "e1", 10)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	fx.client.mu.Lock()
	offsets := append([]int64(nil), fx.client.downloadOffsets...)
	fx.client.mu.Unlock()

	for _, offset := range offsets {
		if offset == 0 {
			t.Errorf("already-fetched chunk re-downloaded: offsets %v", offsets)
		}
	}

	got, err := os.ReadFile(filepath.Join(fx.root, "part.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if !bytes.Equal(got, content) {
		t.Errorf("resumed download produced %q, want %q", got, content)
	}
}

func TestDownloadSessionDiscardedOnRemoteChange(t *testing.T) {
	t.Parallel()

	fx := newExecutorFixture(t)
	ctx := context.Background()
	content := []byte("fresh body")

	fx.client.downloadBody = content

	staging := filepath.Join(fx.root, "stale.bin"+partialSuffix)
	if err := os.WriteFile(staging, []byte("old "), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rec := &store.SessionRecord{
		ID: "sess-stale", TaskID: "t1", DriveID: "d1",
		LocalPath: "stale.bin", RemoteURI: "cloudreve://my/root/stale.bin",
		FileSize: 10, ChunkSize: 4, SessionData: "old-etag",
		Direction: store.SessionDownload,
		Chunks:    []store.ChunkProgress{{Index: 0, Loaded: 4}},
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := fx.store.SaveSession(ctx, rec); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	// The remote file changed since the partial was fetched: everything
	// restarts from byte zero.
	if err := fx.executor.Execute(ctx, downloadTask("stale.bin", "e2", 10)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	fx.client.mu.Lock()
	first := fx.client.downloadOffsets[0]
	fx.client.mu.Unlock()

	if first != 0 {
		t.Errorf("first ranged request at offset %d, want 0", first)
	}

	got, err := os.ReadFile(filepath.Join(fx.root, "stale.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if !bytes.Equal(got, content) {
		t.Errorf("downloaded %q, want %q", got, content)
	}
}

func TestDownloadKeepsSessionOnTransientFailure(t *testing.T) {
	t.Parallel()

	fx := newExecutorFixture(t)
	ctx := context.Background()

	fx.client.downloadErr = &remote.APIError{StatusCode: 500, Err: remote.ErrServerError}

	if err := fx.executor.Execute(ctx, downloadTask("keep.bin", "e1", 10)); err == nil {
		t.Fatal("expected download to fail")
	}

	rec, err := fx.store.GetSessionByPath(ctx, "d1", "keep.bin")
	if err != nil {
		t.Fatalf("GetSessionByPath: %v", err)
	}

	if rec == nil || rec.Direction != store.SessionDownload {
		t.Fatalf("session after transient failure = %+v, want download session", rec)
	}
}

func TestDeleteRemote(t *testing.T) {
	t.Parallel()

	fx := newExecutorFixture(t)
	ctx := context.Background()

	meta := &store.FileMetadataRecord{
		DriveID: "d1", LocalPath: "gone.txt",
		RemoteURI: "cloudreve://my/root/gone.txt",
		Size:      1, Fingerprint: "f", ModTime: time.Now(),
	}
	if err := fx.store.UpsertMetadata(ctx, meta); err != nil {
		t.Fatalf("UpsertMetadata: %v", err)
	}

	task := &Task{
		ID:      NewTaskID(),
		DriveID: "d1",
		Action:  Action{Kind: ActionDeleteRemote, Path: "gone.txt"},
	}

	if err := fx.executor.Execute(ctx, task); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(fx.client.filesDeleted) != 1 {
		t.Errorf("remote deletes = %v, want one", fx.client.filesDeleted)
	}

	got, err := fx.store.GetMetadata(ctx, "d1", "gone.txt")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}

	if got != nil {
		t.Error("baseline kept after remote delete")
	}
}

func TestRecordConflictMarksPendingOnce(t *testing.T) {
	t.Parallel()

	fx := newExecutorFixture(t)
	ctx := context.Background()

	local := fx.writeLocal(t, "both.txt", []byte("local version"))

	task := &Task{
		ID:      NewTaskID(),
		DriveID: "d1",
		Action:  Action{Kind: ActionConflict, Path: "both.txt", Local: local},
	}

	if err := fx.executor.Execute(ctx, task); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Running the same conflict again is a no-op, not a transition error.
	task.ID = NewTaskID()
	if err := fx.executor.Execute(ctx, task); err != nil {
		t.Fatalf("second Execute: %v", err)
	}

	conflicts, err := fx.store.ListConflicts(ctx, "d1")
	if err != nil {
		t.Fatalf("ListConflicts: %v", err)
	}

	if len(conflicts) != 1 || conflicts[0].ConflictState != store.ConflictPending {
		t.Errorf("conflicts = %+v", conflicts)
	}
}

func TestTaskHistoryTypesMatchActions(t *testing.T) {
	t.Parallel()

	fx := newExecutorFixture(t)
	ctx := context.Background()

	local := fx.writeLocal(t, "clash.txt", []byte("mine"))

	conflict := &Task{
		ID:      NewTaskID(),
		DriveID: "d1",
		Action:  Action{Kind: ActionConflict, Path: "clash.txt", Local: local},
	}
	if err := fx.executor.Execute(ctx, conflict); err != nil {
		t.Fatalf("Execute conflict: %v", err)
	}

	fx.writeLocal(t, "stale.txt", []byte("old"))

	del := &Task{
		ID:      NewTaskID(),
		DriveID: "d1",
		Action:  Action{Kind: ActionDeleteLocal, Path: "stale.txt"},
	}
	if err := fx.executor.Execute(ctx, del); err != nil {
		t.Fatalf("Execute delete: %v", err)
	}

	tasks, err := fx.store.ListRecentTasks(ctx, "d1", 10)
	if err != nil {
		t.Fatalf("ListRecentTasks: %v", err)
	}

	types := make(map[string]string, len(tasks))
	for _, rec := range tasks {
		types[rec.ID] = rec.TaskType
	}

	if got := types[conflict.ID]; got != store.TaskTypeConflict {
		t.Errorf("conflict task recorded as %q", got)
	}

	if got := types[del.ID]; got != store.TaskTypeDelete {
		t.Errorf("local delete task recorded as %q", got)
	}
}
