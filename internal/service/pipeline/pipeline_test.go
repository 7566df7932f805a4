package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"serial-voice-ingress/internal/config"
	"serial-voice-ingress/internal/models"
	"serial-voice-ingress/internal/observability/logging"
	"serial-voice-ingress/internal/observability/metrics"
	"serial-voice-ingress/internal/protocol"
	"serial-voice-ingress/internal/serialport"
	"serial-voice-ingress/internal/service/keyword"
	"serial-voice-ingress/internal/service/ring"
	"serial-voice-ingress/internal/service/segment"
	"serial-voice-ingress/internal/service/stt"
)

type fakePublisher struct {
	mu        sync.Mutex
	started   []models.SegmentStarted
	completed []models.SegmentCompleted
	stats     []models.DecoderStats
}

func (p *fakePublisher) PublishSegmentStarted(ctx context.Context, e models.SegmentStarted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = append(p.started, e)
	return nil
}

func (p *fakePublisher) PublishSegmentCompleted(ctx context.Context, e models.SegmentCompleted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, e)
	return nil
}

func (p *fakePublisher) PublishStats(ctx context.Context, e models.DecoderStats) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = append(p.stats, e)
	return nil
}

type fakeRecorder struct {
	ids []string
}

func (r *fakeRecorder) Write(segmentID string, samples []int16) (string, error) {
	r.ids = append(r.ids, segmentID)
	return "recordings/" + segmentID + ".wav", nil
}

type fakeRecognizer struct {
	reqs []stt.Request
	err  error
}

func (r *fakeRecognizer) Dispatch(ctx context.Context, req stt.Request) error {
	r.reqs = append(r.reqs, req)
	return r.err
}

// blockingSource never delivers data. Read blocks until Close.
type blockingSource struct {
	once   sync.Once
	closed chan struct{}
}

func newBlockingSource() *blockingSource {
	return &blockingSource{closed: make(chan struct{})}
}

func (s *blockingSource) Read(p []byte) (int, error) {
	<-s.closed
	return 0, errors.New("read on closed source")
}

func (s *blockingSource) Available() (int, error) { return 0, nil }

func (s *blockingSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func constant(n int, v int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// pattern returns frames of 10 samples: silent, loud, then silent.
func pattern(silentBefore, loud, silentAfter int) [][]int16 {
	var frames [][]int16
	for i := 0; i < silentBefore; i++ {
		frames = append(frames, constant(10, 0))
	}
	for i := 0; i < loud; i++ {
		frames = append(frames, constant(10, 2000))
	}
	for i := 0; i < silentAfter; i++ {
		frames = append(frames, constant(10, 0))
	}
	return frames
}

func wire(frames [][]int16) []byte {
	var out []byte
	out = append(out, 0x13, 0x37) // leading noise
	for _, f := range frames {
		out = protocol.AppendFrame(out, f)
	}
	return out
}

type fixture struct {
	p     *Pipeline
	pub   *fakePublisher
	rec   *fakeRecorder
	stt   *fakeRecognizer
	m     *metrics.Metrics
	ring  *ring.Ring
	input []byte
}

func newFixture(t *testing.T, src protocol.Source) *fixture {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	f := &fixture{
		pub:  &fakePublisher{},
		rec:  &fakeRecorder{},
		stt:  &fakeRecognizer{},
		m:    m,
		ring: ring.New(100),
	}
	if src == nil {
		src = serialport.NewReplay(bytes.NewReader(nil))
	}
	f.p = New(Config{SessionID: "capture", SampleRateHz: 8000, Metrics: m}, Deps{
		Decoder:    protocol.NewDecoder(src, protocol.DefaultConfig()),
		Ring:       f.ring,
		Engine:     segment.NewEngine(segment.Config{EnergyThreshold: 1000, SilenceLimit: 10}, segment.NewGenerator("capture")),
		Classifier: keyword.New(keyword.Config{MinSamples: 1, EnergyThreshold: 500, ZeroCrossingThreshold: 100}),
		Publisher:  f.pub,
		Recorder:   f.rec,
		Recognizer: f.stt,
	})
	return f
}

func (f *fixture) process(frames [][]int16) []models.SegmentCompleted {
	var done []models.SegmentCompleted
	for _, s := range frames {
		done = append(done, f.p.Process(context.Background(), protocol.Frame{Samples: s})...)
	}
	return done
}

func TestProcess_SegmentLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	done := f.process(pattern(20, 5, 15))

	if len(done) != 1 {
		t.Fatalf("expected 1 completed segment, got %d", len(done))
	}
	seg := done[0]
	if seg.SegmentID != "capture-seg-1" {
		t.Errorf("expected capture-seg-1, got %s", seg.SegmentID)
	}
	// 5 loud frames plus 10 quiet frames until the silence limit.
	if seg.Samples != 150 || seg.StartIndex != 200 {
		t.Errorf("expected 150 samples from 200, got %d from %d", seg.Samples, seg.StartIndex)
	}
	if seg.Reason != string(segment.ReasonSilence) {
		t.Errorf("expected silence close, got %s", seg.Reason)
	}
	if seg.Label != "word-class-B" || !seg.Classified {
		t.Errorf("expected word-class-B, got %q classified=%v", seg.Label, seg.Classified)
	}
	if seg.DurationMs != 18 {
		t.Errorf("expected 18ms, got %d", seg.DurationMs)
	}
	if seg.PeakEnergy != 2000 {
		t.Errorf("expected peak 2000, got %v", seg.PeakEnergy)
	}
	if seg.RecordingPath != "recordings/capture-seg-1.wav" {
		t.Errorf("unexpected recording path %q", seg.RecordingPath)
	}

	if len(f.pub.started) != 1 || f.pub.started[0].StartIndex != 200 || f.pub.started[0].SegmentID != "capture-seg-1" {
		t.Errorf("unexpected start events: %+v", f.pub.started)
	}
	if len(f.pub.completed) != 1 {
		t.Errorf("expected one completed event, got %d", len(f.pub.completed))
	}
	if len(f.stt.reqs) != 1 || f.stt.reqs[0].Label != "word-class-B" || len(f.stt.reqs[0].Samples) != 150 {
		t.Errorf("unexpected recognizer requests: %+v", f.stt.reqs)
	}

	if got := testutil.ToFloat64(f.m.SegmentsCompleted.WithLabelValues("silence")); got != 1 {
		t.Errorf("expected one silence segment metric, got %v", got)
	}
	if got := testutil.ToFloat64(f.m.LabelsTotal.WithLabelValues("word-class-B")); got != 1 {
		t.Errorf("expected one label metric, got %v", got)
	}
	if st := f.p.State(); st.Voice != segment.Idle() || st.Segments != 1 || st.LastLabel != "word-class-B" {
		t.Errorf("unexpected state %+v", st)
	}
}

func TestProcess_RecognizerBusyIsLogged(t *testing.T) {
	var buf bytes.Buffer
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	logging.InitWriter(logging.Config{Level: "debug", Format: "json"}, &buf)
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	f := newFixture(t, nil)
	f.stt.err = stt.ErrBusy

	done := f.process(pattern(2, 5, 15))
	if len(done) != 1 {
		t.Fatalf("expected 1 completed segment, got %d", len(done))
	}
	if len(f.pub.completed) != 1 {
		t.Errorf("a busy recognizer must not block the segment event, got %d events", len(f.pub.completed))
	}

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry["message"] == "Segment not handed to recognizer" {
			found = true
			if entry["level"] != "debug" || entry["segmentId"] != "capture-seg-1" || entry["error"] != stt.ErrBusy.Error() {
				t.Errorf("unexpected log entry %v", entry)
			}
		}
	}
	if !found {
		t.Errorf("expected the rejected dispatch to be logged, got:\n%s", buf.String())
	}
}

func TestProcess_ActiveStateVisible(t *testing.T) {
	f := newFixture(t, nil)

	f.process(pattern(2, 3, 2))

	st := f.p.State()
	if st.Voice != segment.Trailing(2) {
		t.Errorf("expected TRAILING(2), got %s", st.VoiceState)
	}
	if st.SegmentID != "capture-seg-1" {
		t.Errorf("expected open segment id, got %q", st.SegmentID)
	}
	if st.Position != 70 {
		t.Errorf("expected position 70, got %d", st.Position)
	}
}

func TestFlush_ClosesOpenSegment(t *testing.T) {
	f := newFixture(t, nil)
	f.process(pattern(1, 4, 0))

	done := f.p.Flush(context.Background())

	if len(done) != 1 || done[0].Reason != string(segment.ReasonFlush) || done[0].Samples != 40 {
		t.Fatalf("expected one 40-sample flush segment, got %+v", done)
	}
	if again := f.p.Flush(context.Background()); len(again) != 0 {
		t.Errorf("second flush should be empty, got %d", len(again))
	}
}

func TestProcess_BackToBackSegmentsOrdered(t *testing.T) {
	f := newFixture(t, nil)
	frames := append(pattern(0, 2, 10), pattern(0, 2, 10)...)

	done := f.process(frames)

	if len(done) != 2 || done[0].SegmentID != "capture-seg-1" || done[1].SegmentID != "capture-seg-2" {
		t.Fatalf("unexpected segments: %+v", done)
	}
	if done[1].StartIndex != 120 {
		t.Errorf("expected second segment at 120, got %d", done[1].StartIndex)
	}
	if len(f.pub.started) != 2 {
		t.Errorf("expected two start events, got %d", len(f.pub.started))
	}
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	f.process([][]int16{constant(60, 1), constant(60, 2)})

	snap := f.p.Snapshot(0)
	if len(snap) != 100 {
		t.Fatalf("expected full ring of 100, got %d", len(snap))
	}
	if snap[0] != 1 || snap[99] != 2 {
		t.Errorf("expected oldest-first contents, got %d..%d", snap[0], snap[99])
	}
	if last := f.p.Snapshot(5); len(last) != 5 || last[0] != 2 {
		t.Errorf("unexpected tail %v", last)
	}
}

func TestUpdateTuning(t *testing.T) {
	f := newFixture(t, nil)
	tuning := config.Tuning{
		Segmentation: config.SegmentationConfig{EnergyThreshold: 3000, SilenceLimit: 10},
		Classifier:   config.ClassifierConfig{MinSamples: 1, EnergyThreshold: 500, ZeroCrossingThreshold: 100},
	}

	f.p.UpdateTuning(tuning)
	f.p.UpdateTuning(tuning) // replaces the pending value
	if !f.p.ApplyPendingTuning() {
		t.Fatal("expected pending tuning")
	}
	if f.p.ApplyPendingTuning() {
		t.Error("only the latest tuning should be queued")
	}

	f.process(pattern(0, 5, 15))
	if len(f.pub.started) != 0 {
		t.Errorf("2000 is below the new threshold, got %d starts", len(f.pub.started))
	}
}

func TestRun_ReplayToEnd(t *testing.T) {
	frames := pattern(20, 5, 15)
	frames = append(frames, pattern(0, 3, 0)...)
	f := newFixture(t, serialport.NewReplay(bytes.NewReader(wire(frames))))

	err := f.p.Run(context.Background())

	if !errors.Is(err, protocol.ErrSourceClosed) {
		t.Fatalf("expected end of capture, got %v", err)
	}
	if len(f.pub.completed) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(f.pub.completed))
	}
	if f.pub.completed[1].Reason != string(segment.ReasonFlush) {
		t.Errorf("last segment should be flushed, got %s", f.pub.completed[1].Reason)
	}
	if len(f.pub.stats) == 0 || f.pub.stats[len(f.pub.stats)-1].Frames != uint64(len(frames)) {
		t.Errorf("expected final stats with %d frames, got %+v", len(frames), f.pub.stats)
	}
	if got := testutil.ToFloat64(f.m.FramesDecoded); got != float64(len(frames)) {
		t.Errorf("expected %d decoded frames, got %v", len(frames), got)
	}
	if f.p.Running() {
		t.Error("pipeline should not be running after Run returns")
	}
}

func TestRun_CorruptFrameCounted(t *testing.T) {
	data := wire(pattern(1, 0, 0))
	bad := protocol.AppendFrame(nil, constant(10, 5))
	bad[len(bad)-1] ^= 0xFF
	data = append(data, bad...)
	data = protocol.AppendFrame(data, constant(10, 0))
	f := newFixture(t, serialport.NewReplay(bytes.NewReader(data)))

	f.p.Run(context.Background())

	if got := testutil.ToFloat64(f.m.FrameErrors.WithLabelValues("checksum")); got != 1 {
		t.Errorf("expected one checksum error, got %v", got)
	}
	if st := f.p.State(); st.Decoder.Frames != 2 || st.Decoder.Checksum != 1 {
		t.Errorf("unexpected decoder stats %+v", st.Decoder)
	}
}

func TestRun_CancelClosesSource(t *testing.T) {
	src := newBlockingSource()
	f := newFixture(t, src)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- f.p.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !f.p.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := f.p.Run(ctx); !errors.Is(err, ErrRunning) {
		t.Errorf("expected ErrRunning for a second Run, got %v", err)
	}
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("cancel should be a clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	select {
	case <-src.closed:
	default:
		t.Error("source should be closed")
	}
}
