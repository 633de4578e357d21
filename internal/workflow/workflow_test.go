package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/picvault/picvault/internal/ai"
	"github.com/picvault/picvault/internal/logging"
	"github.com/picvault/picvault/internal/publish"
	"github.com/picvault/picvault/internal/state"
	"github.com/picvault/picvault/internal/storage"
	"github.com/picvault/picvault/internal/tenant"
)

// fakeStore is an in-memory storage.Store with per-operation call counters.
type fakeStore struct {
	mu sync.Mutex

	entries  []storage.Entry
	files    map[string][]byte
	sidecars map[string]string
	stateRaw map[string][]byte
	tempURL  string

	listErr         error
	downloadErr     error
	sidecarReadErr  error
	sidecarWriteErr error
	moveErr         error

	calls map[string]int
	moves []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		files:    map[string][]byte{},
		sidecars: map[string]string{},
		stateRaw: map[string][]byte{},
		tempURL:  "https://cdn.test/tmp-link",
		calls:    map[string]int{},
	}
}

func (s *fakeStore) bump(op string) {
	s.mu.Lock()
	s.calls[op]++
	s.mu.Unlock()
}

func (s *fakeStore) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// mutations sums every call that would change the store.
func (s *fakeStore) mutations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls["WriteSidecarText"] + s.calls["MoveWithSidecars"] +
		s.calls["WriteStateJSON"] + s.calls["EnsureFolder"]
}

func (s *fakeStore) ListImages(ctx context.Context, folder string) ([]string, error) {
	s.bump("ListImages")
	names := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		names = append(names, e.Name)
	}
	return names, s.listErr
}

func (s *fakeStore) ListImagesWithHashes(ctx context.Context, folder string) ([]storage.Entry, error) {
	s.bump("ListImagesWithHashes")
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]storage.Entry(nil), s.entries...), nil
}

func (s *fakeStore) Download(ctx context.Context, folder, name string) ([]byte, error) {
	s.bump("Download")
	if s.downloadErr != nil {
		return nil, s.downloadErr
	}
	data, ok := s.files[name]
	if !ok {
		return nil, &storage.Error{Kind: storage.KindNotFound, Op: "download", Detail: name}
	}
	return data, nil
}

func (s *fakeStore) TempLink(ctx context.Context, folder, name string) (string, error) {
	s.bump("TempLink")
	return s.tempURL, nil
}

func (s *fakeStore) WriteSidecarText(ctx context.Context, folder, basename, text string) error {
	s.bump("WriteSidecarText")
	if s.sidecarWriteErr != nil {
		return s.sidecarWriteErr
	}
	s.mu.Lock()
	s.sidecars[basename] = text
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) ReadSidecarText(ctx context.Context, folder, basename string) (string, bool, error) {
	s.bump("ReadSidecarText")
	if s.sidecarReadErr != nil {
		return "", false, s.sidecarReadErr
	}
	s.mu.Lock()
	text, ok := s.sidecars[basename]
	s.mu.Unlock()
	return text, ok, nil
}

func (s *fakeStore) MoveWithSidecars(ctx context.Context, folder, name, targetSubfolder string) error {
	s.bump("MoveWithSidecars")
	if s.moveErr != nil {
		return s.moveErr
	}
	s.mu.Lock()
	s.moves = append(s.moves, name+"->"+targetSubfolder)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) EnsureFolder(ctx context.Context, folder string) error {
	s.bump("EnsureFolder")
	return nil
}

func (s *fakeStore) ReadStateJSON(ctx context.Context, folder, name string) ([]byte, bool, error) {
	s.bump("ReadStateJSON")
	s.mu.Lock()
	data, ok := s.stateRaw[name]
	s.mu.Unlock()
	return data, ok, nil
}

func (s *fakeStore) WriteStateJSON(ctx context.Context, folder, name string, data []byte) error {
	s.bump("WriteStateJSON")
	s.mu.Lock()
	s.stateRaw[name] = data
	s.mu.Unlock()
	return nil
}

var _ storage.Store = (*fakeStore)(nil)

// fakeAI counts calls and serves canned results.
type fakeAI struct {
	mu           sync.Mutex
	analyzeCalls int
	captionCalls int
	analyzeErr   error
	captionErr   error
	analysis     *ai.Analysis
	pair         ai.CaptionPair
	lastURL      string
	lastSpec     ai.CaptionSpec
}

func newFakeAI() *fakeAI {
	return &fakeAI{
		analysis: &ai.Analysis{
			Description: "studio portrait in warm light",
			Tags:        []string{"portrait", "warm"},
			SDCaption:   "studio portrait, warm light, shallow depth",
		},
		pair: ai.CaptionPair{
			Caption:   "Warm light, quiet evening.",
			SDCaption: "studio portrait, warm light, shallow depth",
		},
	}
}

func (f *fakeAI) Analyze(ctx context.Context, cfg tenant.AI, imageURL string) (*ai.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzeCalls++
	f.lastURL = imageURL
	if f.analyzeErr != nil {
		return nil, f.analyzeErr
	}
	cp := *f.analysis
	return &cp, nil
}

func (f *fakeAI) CreateCaptionPair(ctx context.Context, cfg tenant.AI, analysis *ai.Analysis, spec ai.CaptionSpec) (*ai.CaptionPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captionCalls++
	f.lastSpec = spec
	if f.captionErr != nil {
		return nil, f.captionErr
	}
	cp := f.pair
	return &cp, nil
}

func (f *fakeAI) calls() (analyze, caption int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.analyzeCalls, f.captionCalls
}

// stubPublisher records publish invocations and returns a fixed outcome.
type stubPublisher struct {
	name  string
	ok    bool
	fail  string
	calls *atomic.Int32
}

func newStub(name string, ok bool, fail string) *stubPublisher {
	return &stubPublisher{name: name, ok: ok, fail: fail, calls: new(atomic.Int32)}
}

func (p *stubPublisher) Name() string  { return p.name }
func (p *stubPublisher) Enabled() bool { return true }

func (p *stubPublisher) Publish(ctx context.Context, img publish.ImageRef, caption string, meta publish.Meta) publish.Result {
	p.calls.Add(1)
	if p.ok {
		return publish.Result{Platform: p.name, Success: true, PostID: "post-" + p.name}
	}
	return publish.Result{Platform: p.name, Success: false, Error: p.fail}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOrchestrator(store *fakeStore, aiSvc Analyzer, pubs ...publish.Publisher) *Orchestrator {
	o := New(Options{Store: store, AI: aiSvc, Logger: discardLogger(), Timeout: 5 * time.Second})
	o.now = func() time.Time { return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC) }
	o.randIntN = func(int) int { return 0 }
	o.buildPublishers = func(*tenant.Config) []publish.Publisher { return pubs }
	return o
}

func testConfig() *tenant.Config {
	return &tenant.Config{
		TenantID: "demo",
		Features: tenant.Features{
			AnalyzeCaptionEnabled: true,
			PublishEnabled:        true,
			KeepEnabled:           true,
			RemoveEnabled:         true,
		},
		Storage: tenant.Storage{
			Provider:      "dropbox",
			Root:          "/demo/queue",
			ArchiveFolder: "posted",
			KeepFolder:    "keep",
			RemoveFolder:  "remove",
		},
		Publishers: []tenant.Publisher{
			{Type: tenant.TypeTelegram, Enabled: true, Credential: "t", ChatID: "1"},
		},
		AI:          tenant.AI{Model: "gpt-4o", MaxTokens: 300, APIKey: "k"},
		Captionfile: tenant.Captionfile{SDCaptionVersion: "v2", ModelVersion: "gpt-4o", ExtendedMetadataEnabled: true},
		Content:     tenant.Content{Archive: true, Style: "moody", MaxCaptionLength: 220},
	}
}

// validSidecar is a rehydratable sidecar fixture for a.jpg.
const validSidecar = `studio portrait, warm light, shallow depth
# ---
# image_file: a.jpg
# content_hash: ch-a
# sha256: deadbeef
# created: 2026-03-01T10:00:00Z
# sd_caption_version: v2
# model_version: gpt-4o
# caption: Cached caption from the sidecar.
`

func seedImage(store *fakeStore, name, contentHash string, data []byte) {
	store.entries = append(store.entries, storage.Entry{Name: name, ContentHash: contentHash})
	store.files[name] = data
}

func seedPostedState(t *testing.T, store *fakeStore, sha []string, content []string) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"sha256_hashes":          sha,
		"dropbox_content_hashes": content,
	})
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	store.stateRaw[state.Filename] = raw
}

func TestExecuteNoNewImages(t *testing.T) {
	store := newFakeStore()
	seedImage(store, "a.jpg", "ch-a", []byte("alpha"))
	seedImage(store, "b.jpg", "ch-b", []byte("beta"))
	seedPostedState(t, store, nil, []string{"ch-a", "ch-b"})
	aiSvc := newFakeAI()
	o := testOrchestrator(store, aiSvc)

	res, err := o.Execute(context.Background(), testConfig(), ExecuteRequest{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != StatusNoNewImages {
		t.Errorf("Status = %q, want %q", res.Status, StatusNoNewImages)
	}
	if got := store.count("Download"); got != 0 {
		t.Errorf("Download calls = %d, want 0", got)
	}
	if got := store.count("TempLink"); got != 0 {
		t.Errorf("TempLink calls = %d, want 0", got)
	}
	if a, c := aiSvc.calls(); a != 0 || c != 0 {
		t.Errorf("AI calls = %d/%d, want 0/0", a, c)
	}
	if res.CorrelationID == "" {
		t.Error("CorrelationID empty")
	}
}

func TestExecuteHappyPathFreshAnalysis(t *testing.T) {
	store := newFakeStore()
	seedImage(store, "a.jpg", "ch-a", []byte("alpha-bytes"))
	aiSvc := newFakeAI()
	tg := newStub("telegram", true, "")
	em := newStub("email", true, "")
	o := testOrchestrator(store, aiSvc, tg, em)

	res, err := o.Execute(context.Background(), testConfig(), ExecuteRequest{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != StatusPublished {
		t.Fatalf("Status = %q, want %q", res.Status, StatusPublished)
	}
	if !res.AnySuccess || !res.Archived {
		t.Errorf("AnySuccess/Archived = %t/%t, want true/true", res.AnySuccess, res.Archived)
	}
	if res.CacheHit {
		t.Error("CacheHit = true, want false on first analysis")
	}
	if res.Caption != "Warm light, quiet evening." {
		t.Errorf("Caption = %q", res.Caption)
	}
	if res.SHA256 != sha256Hex([]byte("alpha-bytes")) {
		t.Errorf("SHA256 = %q", res.SHA256)
	}

	wantCalls := map[string]int{
		"ListImagesWithHashes": 1,
		"Download":             1,
		"TempLink":             1,
		"WriteSidecarText":     1,
		"MoveWithSidecars":     1,
		"WriteStateJSON":       1,
	}
	for op, want := range wantCalls {
		if got := store.count(op); got != want {
			t.Errorf("%s calls = %d, want %d", op, got, want)
		}
	}
	if a, c := aiSvc.calls(); a != 1 || c != 1 {
		t.Errorf("AI calls = %d/%d, want 1/1", a, c)
	}
	if tg.calls.Load() != 1 || em.calls.Load() != 1 {
		t.Errorf("publisher calls = %d/%d, want 1/1", tg.calls.Load(), em.calls.Load())
	}
	if len(store.moves) != 1 || store.moves[0] != "a.jpg->posted" {
		t.Errorf("moves = %v, want [a.jpg->posted]", store.moves)
	}

	var posted struct {
		SHA     []string `json:"sha256_hashes"`
		Content []string `json:"dropbox_content_hashes"`
	}
	if err := json.Unmarshal(store.stateRaw[state.Filename], &posted); err != nil {
		t.Fatalf("unmarshal posted state: %v", err)
	}
	if len(posted.SHA) != 1 || posted.SHA[0] != res.SHA256 {
		t.Errorf("state sha256_hashes = %v", posted.SHA)
	}
	if len(posted.Content) != 1 || posted.Content[0] != "ch-a" {
		t.Errorf("state dropbox_content_hashes = %v", posted.Content)
	}

	text := store.sidecars["a"]
	if !strings.HasPrefix(text, "studio portrait, warm light, shallow depth\n") {
		t.Errorf("sidecar does not start with sd caption:\n%s", text)
	}
	if !strings.Contains(text, "# caption: Warm light, quiet evening.\n") {
		t.Errorf("sidecar missing caption line:\n%s", text)
	}
}

func TestExecuteDuplicateSHA(t *testing.T) {
	store := newFakeStore()
	data := []byte("same-bytes")
	seedImage(store, "a.jpg", "ch-new", data)
	seedPostedState(t, store, []string{sha256Hex(data)}, nil)
	aiSvc := newFakeAI()
	o := testOrchestrator(store, aiSvc, newStub("telegram", true, ""))

	res, err := o.Execute(context.Background(), testConfig(), ExecuteRequest{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != StatusDuplicate {
		t.Errorf("Status = %q, want %q", res.Status, StatusDuplicate)
	}
	if got := store.count("Download"); got != 1 {
		t.Errorf("Download calls = %d, want 1", got)
	}
	if a, c := aiSvc.calls(); a != 0 || c != 0 {
		t.Errorf("AI calls = %d/%d, want 0/0", a, c)
	}
	if got := store.mutations(); got != 0 {
		t.Errorf("mutating calls = %d, want 0", got)
	}
}

func TestExecutePreviewTouchesNothing(t *testing.T) {
	store := newFakeStore()
	seedImage(store, "a.jpg", "ch-a", []byte("alpha"))
	aiSvc := newFakeAI()
	tg := newStub("telegram", true, "")
	o := testOrchestrator(store, aiSvc, tg)

	res, err := o.Execute(context.Background(), testConfig(), ExecuteRequest{PreviewMode: true})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != StatusPreview {
		t.Errorf("Status = %q, want %q", res.Status, StatusPreview)
	}
	if a, c := aiSvc.calls(); a != 1 || c != 1 {
		t.Errorf("AI calls = %d/%d, want 1/1 (preview still analyzes)", a, c)
	}
	if got := store.mutations(); got != 0 {
		t.Errorf("mutating calls = %d, want 0", got)
	}
	if tg.calls.Load() != 0 {
		t.Errorf("publisher calls = %d, want 0", tg.calls.Load())
	}
	for _, want := range []string{"file: a.jpg", "content_hash: ch-a", "--- sidecar ---"} {
		if !strings.Contains(res.Preview, want) {
			t.Errorf("Preview missing %q:\n%s", want, res.Preview)
		}
	}
}

func TestExecuteDryRunTouchesNothing(t *testing.T) {
	store := newFakeStore()
	seedImage(store, "a.jpg", "ch-a", []byte("alpha"))
	aiSvc := newFakeAI()
	tg := newStub("telegram", true, "")
	em := newStub("email", true, "")
	o := testOrchestrator(store, aiSvc, tg, em)

	res, err := o.Execute(context.Background(), testConfig(), ExecuteRequest{DryRun: true})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != StatusDryRun {
		t.Errorf("Status = %q, want %q", res.Status, StatusDryRun)
	}
	if got := store.mutations(); got != 0 {
		t.Errorf("mutating calls = %d, want 0", got)
	}
	if tg.calls.Load() != 0 || em.calls.Load() != 0 {
		t.Errorf("publisher calls = %d/%d, want 0/0", tg.calls.Load(), em.calls.Load())
	}
	if len(res.PerPlatform) != 2 {
		t.Fatalf("PerPlatform len = %d, want 2", len(res.PerPlatform))
	}
	for _, r := range res.PerPlatform {
		if r.Success || r.Error != "dry run" {
			t.Errorf("PerPlatform[%s] = %+v, want dry run marker", r.Platform, r)
		}
	}
	if res.AnySuccess || res.Archived {
		t.Errorf("AnySuccess/Archived = %t/%t, want false/false", res.AnySuccess, res.Archived)
	}
}

func TestExecutePartialPublishFailure(t *testing.T) {
	store := newFakeStore()
	seedImage(store, "a.jpg", "ch-a", []byte("alpha"))
	aiSvc := newFakeAI()
	okA := newStub("telegram", true, "")
	bad := newStub("email", false, "smtp timeout")
	okC := newStub("discord", true, "")
	o := testOrchestrator(store, aiSvc, okA, bad, okC)

	res, err := o.Execute(context.Background(), testConfig(), ExecuteRequest{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != StatusPublished {
		t.Errorf("Status = %q, want %q", res.Status, StatusPublished)
	}
	if !res.AnySuccess || !res.Archived {
		t.Errorf("AnySuccess/Archived = %t/%t, want true/true", res.AnySuccess, res.Archived)
	}
	if len(res.PerPlatform) != 3 {
		t.Fatalf("PerPlatform len = %d, want 3", len(res.PerPlatform))
	}
	byName := map[string]publish.Result{}
	for _, r := range res.PerPlatform {
		byName[r.Platform] = r
	}
	if !byName["telegram"].Success || !byName["discord"].Success {
		t.Error("expected telegram and discord to succeed")
	}
	if byName["email"].Success || byName["email"].Error != "smtp timeout" {
		t.Errorf("email result = %+v, want recorded failure", byName["email"])
	}
}

func TestExecuteAllPublishersFail(t *testing.T) {
	store := newFakeStore()
	seedImage(store, "a.jpg", "ch-a", []byte("alpha"))
	o := testOrchestrator(store, newFakeAI(),
		newStub("telegram", false, "bad token"),
		newStub("email", false, "smtp down"))

	res, err := o.Execute(context.Background(), testConfig(), ExecuteRequest{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != StatusPublishFailed {
		t.Errorf("Status = %q, want %q", res.Status, StatusPublishFailed)
	}
	if res.Archived {
		t.Error("Archived = true, want false when nothing succeeded")
	}
	if got := store.count("MoveWithSidecars"); got != 0 {
		t.Errorf("MoveWithSidecars calls = %d, want 0", got)
	}
	if got := store.count("WriteStateJSON"); got != 0 {
		t.Errorf("WriteStateJSON calls = %d, want 0", got)
	}
}

func TestExecutePublishDisabled(t *testing.T) {
	store := newFakeStore()
	seedImage(store, "a.jpg", "ch-a", []byte("alpha"))
	tg := newStub("telegram", true, "")
	o := testOrchestrator(store, newFakeAI(), tg)
	cfg := testConfig()
	cfg.Features.PublishEnabled = false

	res, err := o.Execute(context.Background(), cfg, ExecuteRequest{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != StatusPublishSkipped {
		t.Errorf("Status = %q, want %q", res.Status, StatusPublishSkipped)
	}
	if tg.calls.Load() != 0 {
		t.Errorf("publisher calls = %d, want 0", tg.calls.Load())
	}
	if res.Archived {
		t.Error("Archived = true, want false without a publish success")
	}
}

func TestExecuteSidecarCacheHitSkipsAI(t *testing.T) {
	store := newFakeStore()
	seedImage(store, "a.jpg", "ch-a", []byte("alpha"))
	store.sidecars["a"] = validSidecar
	aiSvc := newFakeAI()
	o := testOrchestrator(store, aiSvc, newStub("telegram", true, ""))

	res, err := o.Execute(context.Background(), testConfig(), ExecuteRequest{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.CacheHit {
		t.Error("CacheHit = false, want true")
	}
	if a, c := aiSvc.calls(); a != 0 || c != 0 {
		t.Errorf("AI calls = %d/%d, want 0/0 on cache hit", a, c)
	}
	if res.Caption != "Cached caption from the sidecar." {
		t.Errorf("Caption = %q", res.Caption)
	}
	if res.SDCaption != "studio portrait, warm light, shallow depth" {
		t.Errorf("SDCaption = %q", res.SDCaption)
	}
	if got := store.count("WriteSidecarText"); got != 0 {
		t.Errorf("WriteSidecarText calls = %d, want 0 (nothing fresh)", got)
	}
}

func TestExecuteForceRefreshReanalyzes(t *testing.T) {
	store := newFakeStore()
	seedImage(store, "a.jpg", "ch-a", []byte("alpha"))
	store.sidecars["a"] = validSidecar
	aiSvc := newFakeAI()
	o := testOrchestrator(store, aiSvc, newStub("telegram", true, ""))

	res, err := o.Execute(context.Background(), testConfig(), ExecuteRequest{ForceRefresh: true})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.CacheHit {
		t.Error("CacheHit = true, want false under force refresh")
	}
	if a, c := aiSvc.calls(); a != 1 || c != 1 {
		t.Errorf("AI calls = %d/%d, want 1/1", a, c)
	}
	if got := store.count("WriteSidecarText"); got != 1 {
		t.Errorf("WriteSidecarText calls = %d, want 1", got)
	}
}

func TestExecuteAnalyzeDisabledUsesCachedSidecar(t *testing.T) {
	store := newFakeStore()
	seedImage(store, "a.jpg", "ch-a", []byte("alpha"))
	store.sidecars["a"] = validSidecar
	aiSvc := newFakeAI()
	o := testOrchestrator(store, aiSvc, newStub("telegram", true, ""))
	cfg := testConfig()
	cfg.Features.AnalyzeCaptionEnabled = false

	res, err := o.Execute(context.Background(), cfg, ExecuteRequest{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if a, c := aiSvc.calls(); a != 0 || c != 0 {
		t.Errorf("AI calls = %d/%d, want 0/0 with the feature off", a, c)
	}
	if !res.CacheHit {
		t.Error("CacheHit = false, want true from existing sidecar")
	}
	if res.Caption != "Cached caption from the sidecar." {
		t.Errorf("Caption = %q", res.Caption)
	}
	if res.Status != StatusPublished {
		t.Errorf("Status = %q, want %q", res.Status, StatusPublished)
	}
}

func TestExecuteSelectFilename(t *testing.T) {
	tests := []struct {
		name string
		pick string
		want string
	}{
		{"pinned candidate wins", "c.jpg", "c.jpg"},
		{"absent pick falls back to random", "zz.jpg", "a.jpg"},
		{"empty pick stays random", "", "a.jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			seedImage(store, "a.jpg", "ch-a", []byte("alpha"))
			seedImage(store, "b.jpg", "ch-b", []byte("beta"))
			seedImage(store, "c.jpg", "ch-c", []byte("gamma"))
			o := testOrchestrator(store, newFakeAI(), newStub("telegram", true, ""))

			res, err := o.Execute(context.Background(), testConfig(), ExecuteRequest{SelectFilename: tt.pick})
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if res.Filename != tt.want {
				t.Errorf("Filename = %q, want %q", res.Filename, tt.want)
			}
		})
	}
}

func TestExecuteSelectFilenameSkipsPostedPin(t *testing.T) {
	store := newFakeStore()
	seedImage(store, "a.jpg", "ch-a", []byte("alpha"))
	seedImage(store, "b.jpg", "ch-b", []byte("beta"))
	seedPostedState(t, store, nil, []string{"ch-b"})
	o := testOrchestrator(store, newFakeAI(), newStub("telegram", true, ""))

	res, err := o.Execute(context.Background(), testConfig(), ExecuteRequest{SelectFilename: "b.jpg"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Filename != "a.jpg" {
		t.Errorf("Filename = %q, want fallback a.jpg (b.jpg already posted)", res.Filename)
	}
}

func TestExecuteSidecarWriteFailureNonFatal(t *testing.T) {
	store := newFakeStore()
	seedImage(store, "a.jpg", "ch-a", []byte("alpha"))
	store.sidecarWriteErr = errors.New("dropbox 503")
	o := testOrchestrator(store, newFakeAI(), newStub("telegram", true, ""))

	res, err := o.Execute(context.Background(), testConfig(), ExecuteRequest{})
	if err != nil {
		t.Fatalf("Execute() error = %v, want nil despite sidecar failure", err)
	}
	if res.Status != StatusPublished || !res.Archived {
		t.Errorf("Status/Archived = %q/%t, want published/true", res.Status, res.Archived)
	}
}

func TestExecuteArchiveFailureSkipsState(t *testing.T) {
	store := newFakeStore()
	seedImage(store, "a.jpg", "ch-a", []byte("alpha"))
	store.moveErr = errors.New("dropbox conflict")
	o := testOrchestrator(store, newFakeAI(), newStub("telegram", true, ""))

	res, err := o.Execute(context.Background(), testConfig(), ExecuteRequest{})
	if err != nil {
		t.Fatalf("Execute() error = %v, want nil despite archive failure", err)
	}
	if res.Status != StatusPublished {
		t.Errorf("Status = %q, want %q", res.Status, StatusPublished)
	}
	if res.Archived {
		t.Error("Archived = true, want false")
	}
	if got := store.count("WriteStateJSON"); got != 0 {
		t.Errorf("WriteStateJSON calls = %d, want 0 when the move failed", got)
	}
}

func TestExecuteArchiveDisabled(t *testing.T) {
	store := newFakeStore()
	seedImage(store, "a.jpg", "ch-a", []byte("alpha"))
	o := testOrchestrator(store, newFakeAI(), newStub("telegram", true, ""))
	cfg := testConfig()
	cfg.Content.Archive = false

	res, err := o.Execute(context.Background(), cfg, ExecuteRequest{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Archived {
		t.Error("Archived = true, want false with archiving off")
	}
	if got := store.count("MoveWithSidecars"); got != 0 {
		t.Errorf("MoveWithSidecars calls = %d, want 0", got)
	}
}

func TestExecuteKeepsIncomingCorrelationID(t *testing.T) {
	store := newFakeStore()
	o := testOrchestrator(store, newFakeAI())
	ctx := logging.WithCorrelationID(context.Background(), "req-42")

	res, err := o.Execute(ctx, testConfig(), ExecuteRequest{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.CorrelationID != "req-42" {
		t.Errorf("CorrelationID = %q, want req-42", res.CorrelationID)
	}
}

func TestAnalyzeImageCacheHit(t *testing.T) {
	store := newFakeStore()
	seedImage(store, "a.jpg", "ch-a", []byte("alpha"))
	store.sidecars["a"] = validSidecar
	aiSvc := newFakeAI()
	o := testOrchestrator(store, aiSvc)

	res, err := o.AnalyzeImage(context.Background(), testConfig(), "a.jpg", false)
	if err != nil {
		t.Fatalf("AnalyzeImage() error = %v", err)
	}
	if !res.CacheHit {
		t.Error("CacheHit = false, want true")
	}
	if res.SidecarWritten {
		t.Error("SidecarWritten = true, want false on cache hit")
	}
	if a, c := aiSvc.calls(); a != 0 || c != 0 {
		t.Errorf("AI calls = %d/%d, want 0/0", a, c)
	}
	if got := store.count("Download"); got != 0 {
		t.Errorf("Download calls = %d, want 0", got)
	}
	if res.Caption != "Cached caption from the sidecar." {
		t.Errorf("Caption = %q", res.Caption)
	}
}

func TestAnalyzeImageForceRefresh(t *testing.T) {
	store := newFakeStore()
	seedImage(store, "a.jpg", "ch-a", []byte("alpha"))
	store.sidecars["a"] = validSidecar
	aiSvc := newFakeAI()
	o := testOrchestrator(store, aiSvc)

	res, err := o.AnalyzeImage(context.Background(), testConfig(), "a.jpg", true)
	if err != nil {
		t.Fatalf("AnalyzeImage() error = %v", err)
	}
	if res.CacheHit {
		t.Error("CacheHit = true, want false under force refresh")
	}
	if !res.SidecarWritten {
		t.Error("SidecarWritten = false, want true")
	}
	if a, c := aiSvc.calls(); a != 1 || c != 1 {
		t.Errorf("AI calls = %d/%d, want exactly 1/1", a, c)
	}
	if got := store.count("WriteSidecarText"); got != 1 {
		t.Errorf("WriteSidecarText calls = %d, want 1", got)
	}
	if !strings.Contains(store.sidecars["a"], "Warm light, quiet evening.") {
		t.Error("sidecar was not rewritten with the fresh caption")
	}
}

func TestAnalyzeImageCorruptSidecarReanalyzes(t *testing.T) {
	store := newFakeStore()
	seedImage(store, "a.jpg", "ch-a", []byte("alpha"))
	store.sidecars["a"] = "garbage\nnot a sidecar\n# ---"
	aiSvc := newFakeAI()
	o := testOrchestrator(store, aiSvc)

	res, err := o.AnalyzeImage(context.Background(), testConfig(), "a.jpg", false)
	if err != nil {
		t.Fatalf("AnalyzeImage() error = %v", err)
	}
	if res.CacheHit {
		t.Error("CacheHit = true, want false for an unparseable sidecar")
	}
	if a, _ := aiSvc.calls(); a != 1 {
		t.Errorf("Analyze calls = %d, want 1", a)
	}
}

func TestAnalyzeImageNotFound(t *testing.T) {
	store := newFakeStore()
	seedImage(store, "a.jpg", "ch-a", []byte("alpha"))
	o := testOrchestrator(store, newFakeAI())

	_, err := o.AnalyzeImage(context.Background(), testConfig(), "missing.jpg", false)
	if !storage.IsNotFound(err) {
		t.Errorf("error = %v, want not_found", err)
	}
}

func TestAnalyzeImageFeatureDisabled(t *testing.T) {
	o := testOrchestrator(newFakeStore(), newFakeAI())
	cfg := testConfig()
	cfg.Features.AnalyzeCaptionEnabled = false

	_, err := o.AnalyzeImage(context.Background(), cfg, "a.jpg", false)
	if !errors.Is(err, ErrFeatureDisabled) {
		t.Errorf("error = %v, want ErrFeatureDisabled", err)
	}
}

func TestAnalyzeImageRejectsBadFilenames(t *testing.T) {
	o := testOrchestrator(newFakeStore(), newFakeAI())
	for _, name := range []string{"", "../a.jpg", "sub/a.jpg", `sub\a.jpg`} {
		if _, err := o.AnalyzeImage(context.Background(), testConfig(), name, false); !errors.Is(err, ErrInvalidFilename) {
			t.Errorf("AnalyzeImage(%q) error = %v, want ErrInvalidFilename", name, err)
		}
	}
}

func TestCaptionSpecFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Publishers = append(cfg.Publishers,
		tenant.Publisher{Type: tenant.TypeEmail, Enabled: true, Recipient: "x@y.z"},
		tenant.Publisher{Type: tenant.TypeDiscord, Enabled: false})
	cfg.Content.Hashtags = []string{"#art"}

	spec := captionSpec(cfg)
	if spec.Platform != "telegram,email" {
		t.Errorf("Platform = %q, want %q", spec.Platform, "telegram,email")
	}
	if spec.Style != "moody" || spec.MaxLength != 220 {
		t.Errorf("Style/MaxLength = %q/%d", spec.Style, spec.MaxLength)
	}
	if len(spec.Hashtags) != 1 || spec.Hashtags[0] != "#art" {
		t.Errorf("Hashtags = %v", spec.Hashtags)
	}
}

func TestKeepImage(t *testing.T) {
	store := newFakeStore()
	o := testOrchestrator(store, newFakeAI())

	res, err := o.KeepImage(context.Background(), testConfig(), "a.jpg", false)
	if err != nil {
		t.Fatalf("KeepImage() error = %v", err)
	}
	if res.Action != ActionKeep || res.Filename != "a.jpg" {
		t.Errorf("result = %+v", res)
	}
	if res.DestinationFolder != "/demo/queue/keep" {
		t.Errorf("DestinationFolder = %q", res.DestinationFolder)
	}
	if res.PreviewOnly {
		t.Error("PreviewOnly = true on a live move")
	}
	if len(store.moves) != 1 || store.moves[0] != "a.jpg->keep" {
		t.Errorf("moves = %v, want [a.jpg->keep]", store.moves)
	}
}

func TestRemoveImagePreview(t *testing.T) {
	store := newFakeStore()
	o := testOrchestrator(store, newFakeAI())

	res, err := o.RemoveImage(context.Background(), testConfig(), "a.jpg", true)
	if err != nil {
		t.Fatalf("RemoveImage() error = %v", err)
	}
	if !res.PreviewOnly || res.Action != ActionRemove {
		t.Errorf("result = %+v", res)
	}
	if res.DestinationFolder != "/demo/queue/remove" {
		t.Errorf("DestinationFolder = %q", res.DestinationFolder)
	}
	if got := store.mutations(); got != 0 {
		t.Errorf("mutating calls = %d, want 0 in preview", got)
	}
}

func TestCurationFeatureGates(t *testing.T) {
	o := testOrchestrator(newFakeStore(), newFakeAI())
	cfg := testConfig()
	cfg.Features.KeepEnabled = false
	cfg.Features.RemoveEnabled = false

	if _, err := o.KeepImage(context.Background(), cfg, "a.jpg", false); !errors.Is(err, ErrFeatureDisabled) {
		t.Errorf("KeepImage error = %v, want ErrFeatureDisabled", err)
	}
	if _, err := o.RemoveImage(context.Background(), cfg, "a.jpg", false); !errors.Is(err, ErrFeatureDisabled) {
		t.Errorf("RemoveImage error = %v, want ErrFeatureDisabled", err)
	}
}

func TestCurationRejectsBadInputs(t *testing.T) {
	store := newFakeStore()
	o := testOrchestrator(store, newFakeAI())

	if _, err := o.KeepImage(context.Background(), testConfig(), "../a.jpg", false); !errors.Is(err, ErrInvalidFilename) {
		t.Errorf("traversal filename error = %v, want ErrInvalidFilename", err)
	}

	cfg := testConfig()
	cfg.Storage.RemoveFolder = "nested/remove"
	if _, err := o.RemoveImage(context.Background(), cfg, "a.jpg", false); err == nil {
		t.Error("nested subfolder accepted, want error")
	}
	if got := store.mutations(); got != 0 {
		t.Errorf("mutating calls = %d, want 0 after rejected input", got)
	}
}

func TestFormatPreviewWithoutSidecar(t *testing.T) {
	out := formatPreview(storage.Entry{Name: "a.jpg", ContentHash: "ch"}, "sha",
		&analysisOutcome{sdCaption: "line one", caption: "Cap"})
	if !strings.Contains(out, "sd_caption: line one") {
		t.Errorf("preview missing sd_caption fallback:\n%s", out)
	}
	if strings.Contains(out, "--- sidecar ---") {
		t.Errorf("preview shows sidecar block without text:\n%s", out)
	}
}

func TestValidateFilename(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"a.jpg", false},
		{"IMG_0042.JPEG", false},
		{"", true},
		{"../a.jpg", true},
		{"x/y.jpg", true},
		{`x\y.jpg`, true},
		{"..", true},
	}
	for _, tt := range tests {
		err := validateFilename(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateFilename(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}
