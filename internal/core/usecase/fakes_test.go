package usecase

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mstepanov/invoice-ingest/internal/core/domain"
)

type fakeDocumentRepo struct {
	mu   sync.Mutex
	docs map[string]*domain.Document

	createErr error
}

func newFakeDocumentRepo() *fakeDocumentRepo {
	return &fakeDocumentRepo{docs: map[string]*domain.Document{}}
}

func (f *fakeDocumentRepo) Create(_ context.Context, doc *domain.Document) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *doc
	f.docs[doc.ID] = &copied
	return nil
}

func (f *fakeDocumentRepo) GetByID(_ context.Context, id string) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get document", errors.New(id))
	}
	copied := *doc
	return &copied, nil
}

func (f *fakeDocumentRepo) UpdateStatus(_ context.Context, id string, status domain.DocumentStatus, errMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "update status", errors.New(id))
	}
	doc.Status = status
	doc.Error = errMessage
	return nil
}

func (f *fakeDocumentRepo) SaveResult(_ context.Context, id string, fields domain.FieldMap, lowConfidence bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "save result", errors.New(id))
	}
	doc.Fields = fields
	doc.LowConfidence = lowConfidence
	return nil
}

func (f *fakeDocumentRepo) SoftDelete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "soft delete", errors.New(id))
	}
	now := time.Now().UTC()
	doc.Status = domain.StatusDeleted
	doc.DeletedAt = &now
	return nil
}

func (f *fakeDocumentRepo) Restore(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok || doc.Status != domain.StatusDeleted {
		return domain.WrapError(domain.ErrNotFound, "restore", errors.New(id))
	}
	doc.Status = domain.StatusReady
	doc.DeletedAt = nil
	return nil
}

type fakeFingerprintStore struct {
	mu           sync.Mutex
	fingerprints map[string]*domain.Fingerprint

	unregistered []string
}

func newFakeFingerprintStore() *fakeFingerprintStore {
	return &fakeFingerprintStore{fingerprints: map[string]*domain.Fingerprint{}}
}

func (f *fakeFingerprintStore) Lookup(_ context.Context, contentHash string) (*domain.Fingerprint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, ok := f.fingerprints[contentHash]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "lookup fingerprint", errors.New(contentHash))
	}
	copied := *fp
	return &copied, nil
}

func (f *fakeFingerprintStore) Register(_ context.Context, contentHash string, size int64, documentID string) (*domain.Fingerprint, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.fingerprints[contentHash]; ok {
		copied := *existing
		return &copied, false, nil
	}
	fp := &domain.Fingerprint{
		ContentHash:         contentHash,
		SizeBytes:           size,
		FirstSeenAt:         time.Now().UTC(),
		CanonicalDocumentID: documentID,
		Status:              domain.FingerprintActive,
	}
	f.fingerprints[contentHash] = fp
	copied := *fp
	return &copied, true, nil
}

func (f *fakeFingerprintStore) Reactivate(_ context.Context, contentHash, newDocumentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, ok := f.fingerprints[contentHash]
	if !ok || fp.Status != domain.FingerprintSoftDeleted {
		return domain.WrapError(domain.ErrNotFound, "reactivate fingerprint", errors.New(contentHash))
	}
	fp.Status = domain.FingerprintActive
	fp.CanonicalDocumentID = newDocumentID
	return nil
}

func (f *fakeFingerprintStore) SoftDelete(_ context.Context, contentHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, ok := f.fingerprints[contentHash]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "soft delete fingerprint", errors.New(contentHash))
	}
	fp.Status = domain.FingerprintSoftDeleted
	return nil
}

func (f *fakeFingerprintStore) Unregister(_ context.Context, contentHash, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fp, ok := f.fingerprints[contentHash]; ok && fp.CanonicalDocumentID == documentID {
		delete(f.fingerprints, contentHash)
		f.unregistered = append(f.unregistered, contentHash)
	}
	return nil
}

type fakeObjectStorage struct {
	mu      sync.Mutex
	objects map[string][]byte

	saveErr error
}

func newFakeObjectStorage() *fakeObjectStorage {
	return &fakeObjectStorage{objects: map[string][]byte{}}
}

func (f *fakeObjectStorage) Save(_ context.Context, key string, data io.Reader) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = raw
	return nil
}

func (f *fakeObjectStorage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.objects[key]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "open object", errors.New(key))
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (f *fakeObjectStorage) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

type enqueuedTask struct {
	Queue    string
	Kind     domain.TaskKind
	Payload  []byte
	Priority int
	Delay    time.Duration
}

type fakeQueueStore struct {
	mu    sync.Mutex
	tasks []enqueuedTask

	terminal   []domain.QueueItem
	enqueueErr error
}

func (f *fakeQueueStore) Enqueue(_ context.Context, queue string, kind domain.TaskKind, payload []byte, priority int, delay time.Duration) (string, error) {
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, enqueuedTask{Queue: queue, Kind: kind, Payload: payload, Priority: priority, Delay: delay})
	return uuid.NewString(), nil
}

func (f *fakeQueueStore) Claim(context.Context, []string, string, time.Duration) (*domain.QueueItem, error) {
	return nil, nil
}

func (f *fakeQueueStore) RenewLease(context.Context, string, string, time.Duration) error { return nil }
func (f *fakeQueueStore) Complete(context.Context, string) error                          { return nil }
func (f *fakeQueueStore) Fail(context.Context, string, bool, string) error                { return nil }
func (f *fakeQueueStore) ReapExpired(context.Context) (int, error)                        { return 0, nil }
func (f *fakeQueueStore) PurgeTerminal(context.Context, time.Duration) (int, error)       { return 0, nil }

func (f *fakeQueueStore) ListTerminal(context.Context, time.Time) ([]domain.QueueItem, error) {
	return f.terminal, nil
}

type fakeEventBus struct {
	mu        sync.Mutex
	wakes     []string
	completed []NotifyTaskPayload

	publishErr error
}

func (f *fakeEventBus) PublishWake(_ context.Context, queue string) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wakes = append(f.wakes, queue)
	return nil
}

func (f *fakeEventBus) PublishCompleted(_ context.Context, documentID string, status domain.DocumentStatus) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, NotifyTaskPayload{DocumentID: documentID, Status: status})
	return nil
}

func (f *fakeEventBus) SubscribeWake(context.Context, string, func()) (func(), error) {
	return func() {}, nil
}

type fakeSniffer struct {
	pages   int
	hasText bool
	err     error
}

func (f *fakeSniffer) Sniff(context.Context, string, []byte) (int, bool, error) {
	return f.pages, f.hasText, f.err
}

type fakeOcrJobStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.OcrJob

	advanceErr map[domain.OcrPhase]error
}

func newFakeOcrJobStore() *fakeOcrJobStore {
	return &fakeOcrJobStore{jobs: map[string]*domain.OcrJob{}}
}

func (f *fakeOcrJobStore) Create(_ context.Context, job *domain.OcrJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *job
	f.jobs[job.ID] = &copied
	return nil
}

func (f *fakeOcrJobStore) GetLatestByDocument(_ context.Context, documentID string) (*domain.OcrJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *domain.OcrJob
	for _, job := range f.jobs {
		if job.DocumentID != documentID {
			continue
		}
		if latest == nil || job.SubmittedAt.After(latest.SubmittedAt) {
			latest = job
		}
	}
	if latest == nil {
		return nil, domain.WrapError(domain.ErrNotFound, "latest ocr job", errors.New(documentID))
	}
	copied := *latest
	return &copied, nil
}

func (f *fakeOcrJobStore) AdvancePhase(_ context.Context, jobID string, from, to domain.OcrPhase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.advanceErr[from]; ok {
		return err
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "advance phase", errors.New(jobID))
	}
	if job.Phase != from {
		return domain.WrapError(domain.ErrStalePhase, "advance phase", errors.New(string(job.Phase)))
	}
	job.Phase = to
	return nil
}

func (f *fakeOcrJobStore) MarkPolled(_ context.Context, jobID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[jobID]; ok {
		job.LastPolledAt = &at
	}
	return nil
}

func (f *fakeOcrJobStore) SaveResult(_ context.Context, jobID string, result domain.FieldMap, lowConfidence bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "save result", errors.New(jobID))
	}
	if job.Phase != domain.PhasePolling {
		return domain.WrapError(domain.ErrStalePhase, "save result", errors.New(string(job.Phase)))
	}
	job.Phase = domain.PhaseDone
	job.Result = result
	job.LowConfidence = lowConfidence
	return nil
}

func (f *fakeOcrJobStore) MarkFailed(_ context.Context, jobID string, from domain.OcrPhase, failure domain.OcrFailure, cause string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "mark failed", errors.New(jobID))
	}
	if job.Phase != from {
		return domain.WrapError(domain.ErrStalePhase, "mark failed", errors.New(string(job.Phase)))
	}
	job.Phase = domain.PhaseFailed
	job.Failure = failure
	job.Error = cause
	return nil
}

func (f *fakeOcrJobStore) SetVendorBatch(_ context.Context, jobID, batchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[jobID]; ok {
		job.VendorBatchID = batchID
	}
	return nil
}

func (f *fakeOcrJobStore) single() *domain.OcrJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range f.jobs {
		copied := *job
		return &copied
	}
	return nil
}

type fakeVendor struct {
	allocateErr error
	uploadErrs  []error
	statuses    []domain.VendorBatchStatus
	statusErrs  []error
	fields      domain.FieldMap
	complete    bool
	fetchErr    error

	uploads int
	polls   int
}

func (f *fakeVendor) AllocateBatch(context.Context, string, int64) (domain.VendorBatch, error) {
	if f.allocateErr != nil {
		return domain.VendorBatch{}, f.allocateErr
	}
	return domain.VendorBatch{BatchID: "b-1", UploadURL: "https://files.example/u/b-1"}, nil
}

func (f *fakeVendor) UploadContent(_ context.Context, _ string, content io.Reader, _ int64) error {
	_, _ = io.Copy(io.Discard, content)
	i := f.uploads
	f.uploads++
	if i < len(f.uploadErrs) {
		return f.uploadErrs[i]
	}
	return nil
}

func (f *fakeVendor) BatchStatus(context.Context, string) (domain.VendorBatchStatus, error) {
	i := f.polls
	f.polls++
	if i < len(f.statusErrs) && f.statusErrs[i] != nil {
		return domain.VendorBatchStatus{}, f.statusErrs[i]
	}
	if i < len(f.statuses) {
		return f.statuses[i], nil
	}
	if len(f.statuses) > 0 {
		return f.statuses[len(f.statuses)-1], nil
	}
	return domain.VendorBatchStatus{State: domain.VendorWaiting}, nil
}

func (f *fakeVendor) FetchResult(context.Context, string) (domain.FieldMap, bool, error) {
	if f.fetchErr != nil {
		return nil, false, f.fetchErr
	}
	return f.fields, f.complete, nil
}

type stubExporter struct {
	name     string
	exported int
}

func (s *stubExporter) Export(_ context.Context, items []domain.QueueItem) (io.Reader, string, error) {
	s.exported = len(items)
	return strings.NewReader("report"), s.name, nil
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// fakeClock advances by step on every Now() read and fires After()
// immediately, so poll loops run deterministically without sleeping.
// The durations passed to After() are recorded for inspection.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	step   time.Duration
	sleeps []time.Duration
}

func newFakeClock(start time.Time, step time.Duration) *fakeClock {
	return &fakeClock{now: start, step: step}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.now
	c.now = c.now.Add(c.step)
	return current
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

func (c *fakeClock) sleepsCopy() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}
