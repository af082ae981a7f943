package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linkguard/linkguard/internal/classifier"
	"github.com/linkguard/linkguard/internal/download"
	"github.com/linkguard/linkguard/internal/features"
	"github.com/linkguard/linkguard/internal/risk"
	"github.com/linkguard/linkguard/internal/verify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedScorer struct {
	p   float64
	err error
}

func (f fixedScorer) Score(features.Vector) (classifier.Score, error) {
	if f.err != nil {
		return classifier.Score{}, f.err
	}
	return classifier.Score{Malicious: f.p, Benign: 1 - f.p}, nil
}

type fakeBackend struct {
	name      string
	kind      verify.Kind
	submitErr error
	report    *verify.ScanReport
	hang      bool

	submits atomic.Int32
}

func (b *fakeBackend) Name() string      { return b.name }
func (b *fakeBackend) Kind() verify.Kind { return b.kind }

func (b *fakeBackend) Submit(ctx context.Context, url string) (string, error) {
	b.submits.Add(1)
	if b.submitErr != nil {
		return "", b.submitErr
	}
	return "id-" + b.name, nil
}

func (b *fakeBackend) Fetch(ctx context.Context, id string) (*verify.ScanReport, error) {
	if b.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	r := *b.report
	return &r, nil
}

type fakeAnalyzer struct {
	downloadable bool
}

func (f fakeAnalyzer) Analyze(ctx context.Context, url string) download.Analysis {
	ft, cat := download.Classify(url)
	return download.Analysis{URL: url, IsDownloadable: f.downloadable, Method: "header", FileType: ft, Category: cat}
}

type recordingObserver struct {
	mu          sync.Mutex
	predictions []*risk.Verdict
	downloads   []*risk.DownloadVerdict
}

func (r *recordingObserver) ObservePrediction(_ context.Context, v *risk.Verdict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predictions = append(r.predictions, v)
}

func (r *recordingObserver) ObserveDownload(_ context.Context, v *risk.DownloadVerdict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downloads = append(r.downloads, v)
}

func instantOrchestrator() *verify.Orchestrator {
	return verify.NewOrchestrator(verify.OrchestratorConfig{Policy: verify.RetryPolicy{MaxRetries: 3}})
}

func vt(stats verify.Stats) *fakeBackend {
	return &fakeBackend{name: "virustotal", kind: verify.KindVendor, report: &verify.ScanReport{Stats: stats}}
}

func ptr(v float64) *float64 { return &v }

func newService(t *testing.T, cfg Config) *Service {
	t.Helper()
	if cfg.Orchestrator == nil {
		cfg.Orchestrator = instantOrchestrator()
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"  http://www.stock888.cn/  ", "http://www.stock888.cn/", false},
		{"example.com", "example.com", false},
		{"", "", true},
		{"   ", "", true},
		{"http://", "", true},
		{"http://a b.com", "", true},
		{"http://a.com/\x00", "", true},
		{"http://a.com/" + strings.Repeat("a", MaxURLLength), "", true},
		{"http://a.com/\xff", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ValidateURL(tt.in)
			if tt.wantErr {
				var ie *InputError
				require.True(t, errors.As(err, &ie), "want InputError, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{Scorer: fixedScorer{}, Threshold: ptr(1.5)})
	require.Error(t, err)

	s, err := New(Config{Scorer: fixedScorer{}})
	require.NoError(t, err)
	assert.Equal(t, risk.DefaultThreshold, s.Threshold())
}

func TestPredict_MaliciousConfirmed(t *testing.T) {
	obs := &recordingObserver{}
	backend := vt(verify.Stats{Malicious: 5, Harmless: 60})
	s := newService(t, Config{
		Scorer:      fixedScorer{p: 0.8},
		URLBackends: []verify.Backend{backend},
		Observers:   []Observer{obs},
	})

	v, err := s.Predict(context.Background(), "http://www.stock888.cn/")
	require.NoError(t, err)

	assert.Equal(t, risk.LabelMalicious, v.Prediction)
	assert.Equal(t, risk.LabelMalicious, v.Verification)
	assert.Equal(t, risk.RiskMalicious, v.RiskLabel)
	b, ok := v.Backend("virustotal")
	require.True(t, ok)
	assert.Equal(t, risk.LabelMalicious, b.Label)
	assert.Equal(t, 5, b.Stats.Malicious)
	assert.Equal(t, int32(1), backend.submits.Load())

	require.Len(t, obs.predictions, 1)
	assert.Same(t, v, obs.predictions[0])
}

func TestPredict_SafeSkipsVerification(t *testing.T) {
	backend := vt(verify.Stats{Malicious: 50})
	s := newService(t, Config{
		Scorer:      fixedScorer{p: 0.1},
		Threshold:   ptr(0.4),
		URLBackends: []verify.Backend{backend},
	})

	v, err := s.Predict(context.Background(), "https://example.org/doc.pdf")
	require.NoError(t, err)
	assert.Equal(t, risk.LabelSafe, v.Prediction)
	assert.Equal(t, risk.LabelNotChecked, v.Verification)
	assert.Empty(t, v.Backends)
	assert.Equal(t, int32(0), backend.submits.Load())
}

func TestPredict_ThresholdConfigurable(t *testing.T) {
	backend := vt(verify.Stats{})
	s := newService(t, Config{
		Scorer:      fixedScorer{p: 0.5},
		Threshold:   ptr(0.6),
		URLBackends: []verify.Backend{backend},
	})
	v, err := s.Predict(context.Background(), "http://a.com")
	require.NoError(t, err)
	assert.False(t, v.IsMalicious)
	assert.Equal(t, 0.6, v.Threshold)
	assert.Equal(t, int32(0), backend.submits.Load())
}

func TestPredict_ZeroThresholdFlagsEverything(t *testing.T) {
	backend := vt(verify.Stats{Harmless: 70})
	s := newService(t, Config{
		Scorer:      fixedScorer{p: 0.1},
		Threshold:   ptr(0),
		URLBackends: []verify.Backend{backend},
	})
	assert.Equal(t, 0.0, s.Threshold())

	v, err := s.Predict(context.Background(), "https://example.org/doc.pdf")
	require.NoError(t, err)
	assert.True(t, v.IsMalicious)
	assert.Equal(t, 0.0, v.Threshold)
	assert.Equal(t, risk.LabelMalicious, v.Prediction)
	assert.Equal(t, int32(1), backend.submits.Load())
}

func TestPredict_SubmissionFailureFailsClosed(t *testing.T) {
	backend := &fakeBackend{name: "virustotal", kind: verify.KindVendor, submitErr: errors.New("dial tcp: connection refused")}
	s := newService(t, Config{
		Scorer:      fixedScorer{p: 0.55},
		URLBackends: []verify.Backend{backend},
	})

	v, err := s.Predict(context.Background(), "http://a.com")
	require.NoError(t, err)
	assert.Equal(t, risk.LabelMalicious, v.Verification)
	require.Len(t, v.Errors, 1)
	assert.Contains(t, v.Errors[0], "connection refused")

	b, _ := v.Backend("virustotal")
	assert.Equal(t, verify.FailureSubmission, b.Failure)
	assert.Equal(t, verify.Stats{}, b.Stats)
}

func TestPredict_DeadlineStillProducesVerdict(t *testing.T) {
	hanging := &fakeBackend{name: "virustotal", kind: verify.KindVendor, hang: true}
	s := newService(t, Config{
		Scorer:      fixedScorer{p: 0.9},
		Deadline:    50 * time.Millisecond,
		URLBackends: []verify.Backend{hanging},
	})

	start := time.Now()
	v, err := s.Predict(context.Background(), "http://a.com")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	b, _ := v.Backend("virustotal")
	assert.Equal(t, verify.FailureCanceled, b.Failure)
	assert.Equal(t, risk.LabelMalicious, v.Verification)
}

func TestPredict_InputError(t *testing.T) {
	s := newService(t, Config{Scorer: fixedScorer{p: 0.9}})
	_, err := s.Predict(context.Background(), "")
	var ie *InputError
	assert.True(t, errors.As(err, &ie))
}

func TestPredict_ModelError(t *testing.T) {
	s := newService(t, Config{Scorer: fixedScorer{err: errors.New("shape mismatch")}})
	_, err := s.Predict(context.Background(), "http://a.com")

	var me *classifier.ModelError
	require.True(t, errors.As(err, &me))
	assert.Contains(t, err.Error(), "shape mismatch")
}

func TestPredict_RealModel(t *testing.T) {
	m, err := classifier.Load(filepath.Join("..", "classifier", "testdata", "model.json"))
	require.NoError(t, err)

	backend := vt(verify.Stats{Malicious: 1, Suspicious: 1})
	s := newService(t, Config{Scorer: m, Threshold: ptr(0.4), URLBackends: []verify.Backend{backend}})

	// Fixture model scores this at sigmoid(-0.1), just above 0.4.
	v, err := s.Predict(context.Background(), "http://www.stock888.cn/")
	require.NoError(t, err)
	assert.InDelta(t, 0.4750, v.MaliciousProbability, 1e-4)
	assert.Equal(t, risk.LabelMalicious, v.Prediction)
	assert.Equal(t, risk.LabelMalicious, v.Verification)

	// And this at sigmoid(-0.8), below threshold.
	v, err = s.Predict(context.Background(), "https://example.org")
	require.NoError(t, err)
	assert.Equal(t, risk.LabelSafe, v.Prediction)
	assert.Equal(t, risk.LabelNotChecked, v.Verification)
}

func TestPredict_Concurrent(t *testing.T) {
	s := newService(t, Config{
		Scorer:      fixedScorer{p: 0.8},
		URLBackends: []verify.Backend{vt(verify.Stats{Malicious: 3})},
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.Predict(context.Background(), "http://a.com")
			assert.NoError(t, err)
			assert.Equal(t, risk.RiskMalicious, v.RiskLabel)
		}()
	}
	wg.Wait()
}

func TestCheckDownload_Downloadable(t *testing.T) {
	threat := 100
	vendor := vt(verify.Stats{Harmless: 70})
	sandbox := &fakeBackend{
		name:   "sandbox",
		kind:   verify.KindSandbox,
		report: &verify.ScanReport{ThreatScore: &threat, SandboxVerdict: "malicious"},
	}
	obs := &recordingObserver{}
	s := newService(t, Config{
		Scorer:           fixedScorer{},
		Analyzer:         fakeAnalyzer{downloadable: true},
		DownloadBackends: []verify.Backend{vendor, sandbox},
		Observers:        []Observer{obs},
	})

	v, err := s.CheckDownload(context.Background(), "http://122.114.193.75/demon.x64.exe.dll")
	require.NoError(t, err)
	assert.True(t, v.IsDownloadable)
	assert.Equal(t, risk.LevelHigh, v.RiskLevel)
	assert.Equal(t, "malicious", v.SandboxVerdict)
	assert.Equal(t, "dll", v.Analysis.FileType)
	assert.Len(t, v.Backends, 2)
	assert.Len(t, obs.downloads, 1)
}

func TestCheckDownload_NotDownloadable(t *testing.T) {
	vendor := vt(verify.Stats{Malicious: 10})
	s := newService(t, Config{
		Scorer:           fixedScorer{},
		Analyzer:         fakeAnalyzer{downloadable: false},
		DownloadBackends: []verify.Backend{vendor},
	})

	v, err := s.CheckDownload(context.Background(), "https://example.org/")
	require.NoError(t, err)
	assert.False(t, v.IsDownloadable)
	assert.Empty(t, v.RiskLevel)
	assert.Equal(t, int32(0), vendor.submits.Load())
}

func TestCheckDownload_InputError(t *testing.T) {
	s := newService(t, Config{Scorer: fixedScorer{}})
	_, err := s.CheckDownload(context.Background(), " ")
	var ie *InputError
	assert.True(t, errors.As(err, &ie))
}

type mapFeeds map[string]string

func (m mapFeeds) Check(host string) (risk.FeedMatch, bool) {
	feed, ok := m[host]
	if !ok {
		return risk.FeedMatch{}, false
	}
	return risk.FeedMatch{Feed: feed, Domain: host}, true
}

func TestPredict_ThreatFeedAnnotatesWithoutChangingLabels(t *testing.T) {
	s := newService(t, Config{
		Scorer: fixedScorer{p: 0.1},
		Feeds:  mapFeeds{"www.stock888.cn": "urlhaus"},
	})

	v, err := s.Predict(context.Background(), "www.stock888.cn/login")
	require.NoError(t, err)
	require.NotNil(t, v.ThreatFeed)
	assert.Equal(t, "urlhaus", v.ThreatFeed.Feed)
	assert.Equal(t, risk.LabelSafe, v.Prediction)
	assert.Equal(t, risk.RiskSafe, v.RiskLabel)

	v, err = s.Predict(context.Background(), "https://example.org/")
	require.NoError(t, err)
	assert.Nil(t, v.ThreatFeed)
}

func TestCheckDownload_ThreatFeed(t *testing.T) {
	s := newService(t, Config{
		Scorer:   fixedScorer{},
		Analyzer: fakeAnalyzer{downloadable: false},
		Feeds:    mapFeeds{"122.114.193.75": "urlhaus"},
	})

	v, err := s.CheckDownload(context.Background(), "http://122.114.193.75:8080/demon.x64.exe.dll")
	require.NoError(t, err)
	require.NotNil(t, v.ThreatFeed)
	assert.Equal(t, "122.114.193.75", v.ThreatFeed.Domain)
}

type fakeRegistrations struct {
	reg *risk.Registration
	err error
}

func (f fakeRegistrations) Lookup(_ context.Context, host string) (*risk.Registration, error) {
	if f.err != nil {
		return nil, f.err
	}
	reg := *f.reg
	reg.Domain = host
	return &reg, nil
}

func TestPredict_RegistrationAnnotatesWithoutChangingLabels(t *testing.T) {
	s := newService(t, Config{
		Scorer:        fixedScorer{p: 0.1},
		Registrations: fakeRegistrations{reg: &risk.Registration{AgeDays: 3, Young: true}},
	})

	v, err := s.Predict(context.Background(), "new-shop.example.com/login")
	require.NoError(t, err)
	require.NotNil(t, v.Registration)
	assert.True(t, v.Registration.Young)
	assert.Equal(t, "new-shop.example.com", v.Registration.Domain)
	assert.Equal(t, risk.LabelSafe, v.Prediction)
	assert.Equal(t, risk.RiskSafe, v.RiskLabel)
}

func TestPredict_RegistrationFailureIsIgnored(t *testing.T) {
	s := newService(t, Config{
		Scorer:        fixedScorer{p: 0.9},
		Registrations: fakeRegistrations{err: errors.New("whois timeout")},
	})

	v, err := s.Predict(context.Background(), "https://example.org/")
	require.NoError(t, err)
	assert.Nil(t, v.Registration)
}

func TestCheckDownload_Registration(t *testing.T) {
	s := newService(t, Config{
		Scorer:        fixedScorer{},
		Analyzer:      fakeAnalyzer{downloadable: false},
		Registrations: fakeRegistrations{reg: &risk.Registration{AgeDays: 400}},
	})

	v, err := s.CheckDownload(context.Background(), "https://files.example.net/report.pdf")
	require.NoError(t, err)
	require.NotNil(t, v.Registration)
	assert.False(t, v.Registration.Young)
	assert.Equal(t, "files.example.net", v.Registration.Domain)
}
