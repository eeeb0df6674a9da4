package api_test

import (
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/MrWong99/earshot/pkg/api"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/engine"
	"github.com/MrWong99/earshot/pkg/epd"
	"github.com/MrWong99/earshot/pkg/wakeup"
)

const (
	rate     = 16000
	frameLen = 160
	loud     = 1000
)

func tone(amp int16, frames int) []int16 {
	out := make([]int16, 0, frames*frameLen)
	for range frames {
		for i := range frameLen {
			if i%2 == 0 {
				out = append(out, amp)
			} else {
				out = append(out, -amp)
			}
		}
	}
	return out
}

func pcm(parts ...[]int16) []byte {
	var all []int16
	for _, p := range parts {
		all = append(all, p...)
	}
	return audio.SamplesToBytes(all)
}

// utterance is 300 ms of silence, 1 s of speech and 1 s of silence.
func utterance() []byte { return pcm(tone(0, 30), tone(loud, 100), tone(0, 100)) }

func startEpd(t *testing.T) api.Handle {
	t.Helper()
	h := api.EpdClientChannelStart("", rate, int(audio.PCM16), int(audio.PCM16), int(epd.Detect), 10, 7, 700)
	if h == 0 {
		t.Fatal("EpdClientChannelStart returned the zero handle")
	}
	t.Cleanup(func() { api.EpdClientChannelRelease(h) })
	return h
}

func TestEpdClientChannel_CreateDestroyCycle(t *testing.T) {
	before := api.EpdClientChannels()
	for _, r := range audio.SupportedSampleRates {
		for _, mode := range []epd.Mode{epd.Detect, epd.Record} {
			for range 20 {
				h := api.EpdClientChannelStart("", r, int(audio.PCM16), int(audio.PCM16), int(mode), 10, 7, 700)
				if h == 0 {
					t.Fatalf("rate %d mode %s: zero handle", r, mode)
				}
				if st := api.EpdClientChannelRelease(h); st != engine.StatusOK {
					t.Fatalf("Release = %d, want 0", st)
				}
				if st := api.EpdClientChannelRelease(h); st != engine.StatusInvalidHandle {
					t.Fatalf("second Release = %d, want %d", st, engine.StatusInvalidHandle)
				}
			}
		}
	}
	if got := api.EpdClientChannels(); got != before {
		t.Errorf("live channels = %d, want %d", got, before)
	}
}

func TestWakeup_CreateDestroyCycle(t *testing.T) {
	before := api.WakeupSessions()
	for _, r := range audio.SupportedSampleRates {
		for _, mode := range []wakeup.Mode{wakeup.Online, wakeup.Verifier, wakeup.OnlineConnected} {
			h := api.WakeupCreate(r, int(mode))
			if h == 0 {
				t.Fatalf("rate %d mode %s: zero handle", r, mode)
			}
			if st := api.WakeupDestroy(h); st != engine.StatusOK {
				t.Fatalf("Destroy = %d, want 0", st)
			}
		}
	}
	if got := api.WakeupSessions(); got != before {
		t.Errorf("live sessions = %d, want %d", got, before)
	}
}

func TestEpdClientChannelStart_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name                                   string
		model                                  string
		rate, in, out, mode, maxS, tout, pause int
	}{
		{"rate", "", 44100, 0, 0, 0, 10, 7, 700},
		{"input type", "", rate, 9, 0, 0, 10, 7, 700},
		{"output type", "", rate, 0, -1, 0, 10, 7, 700},
		{"mode", "", rate, 0, 0, 5, 10, 7, 700},
		{"max speech", "", rate, 0, 0, 0, 0, 7, 700},
		{"timeout", "", rate, 0, 0, 0, 10, 61, 700},
		{"pause", "", rate, 0, 0, 0, 10, 7, 50},
		{"model", "studio", rate, 0, 0, 0, 10, 7, 700},
		{"opus rate", "", 32000, int(audio.Compressed), 0, 0, 10, 7, 700},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if h := api.EpdClientChannelStart(tc.model, tc.rate, tc.in, tc.out, tc.mode, tc.maxS, tc.tout, tc.pause); h != 0 {
				api.EpdClientChannelRelease(h)
				t.Errorf("got handle %d, want 0", h)
			}
		})
	}
}

func TestEpdClientChannelRun_Utterance(t *testing.T) {
	t.Parallel()
	h := startEpd(t)

	if _, _, st := api.EpdClientChannelSpeechBoundary(h, 0, 0); st != engine.StatusBoundaryNotAvailable {
		t.Errorf("boundary before speech: status %d, want %d", st, engine.StatusBoundaryNotAvailable)
	}
	if got := api.EpdClientChannelRun(h, utterance(), false); got != int(epd.SpeechEnded) {
		t.Fatalf("Run = %d, want %d", got, int(epd.SpeechEnded))
	}

	start, end, st := api.EpdClientChannelSpeechBoundary(h, 0, 0)
	if st != engine.StatusOK || start != 4800 || end != 20800 {
		t.Errorf("boundary = (%d, %d, %d), want (4800, 20800, 0)", start, end, st)
	}
	if got := api.EpdClientSpeechStartPoint(h, 100); got != 3200 {
		t.Errorf("start point with 100 ms margin = %d, want 3200", got)
	}
	if got := api.EpdClientSpeechEndPoint(h, 100); got != 22400 {
		t.Errorf("end point with 100 ms margin = %d, want 22400", got)
	}
	if got := api.EpdClientSpeechStartDetectPoint(h); got != 5280 {
		t.Errorf("start detect point = %d, want 5280", got)
	}
	if got := api.EpdClientSpeechEndDetectPoint(h); got != 32000 {
		t.Errorf("end detect point = %d, want 32000", got)
	}

	// The episode repeats its final state until restarted.
	if got := api.EpdClientChannelRun(h, pcm(tone(loud, 5)), false); got != int(epd.SpeechEnded) {
		t.Errorf("Run after end = %d, want %d", got, int(epd.SpeechEnded))
	}
	if st := api.EpdClientChannelRestart(h); st != engine.StatusOK {
		t.Fatalf("Restart = %d", st)
	}
	if got := api.EpdClientChannelRun(h, nil, false); got != int(epd.Silence) {
		t.Errorf("Run after restart = %d, want %d", got, int(epd.Silence))
	}
}

func TestEpdClientChannelOutputData_SizeThenCopy(t *testing.T) {
	t.Parallel()
	h := startEpd(t)
	api.EpdClientChannelRun(h, utterance(), false)

	n := api.EpdClientChannelOutputDataSize(h)
	// From speech start to the end of the frame that ended the episode.
	if n != (32000-4800)*2 {
		t.Fatalf("OutputDataSize = %d, want %d", n, (32000-4800)*2)
	}
	buf := make([]byte, n)
	if got := api.EpdClientChannelOutputData(h, buf); got != n {
		t.Errorf("OutputData = %d, want %d", got, n)
	}
	if got := api.EpdClientChannelOutputDataSize(h); got != 0 {
		t.Errorf("OutputDataSize after copy = %d, want 0", got)
	}
	samples := audio.BytesToSamples(buf)
	if samples[0] != loud || samples[1] != -loud {
		t.Errorf("output starts with %v, want speech", samples[:2])
	}
}

func TestEpdClientChannelRun_EndOfStream(t *testing.T) {
	t.Parallel()
	h := startEpd(t)
	data := pcm(tone(0, 30), tone(loud, 50), tone(loud, 1)[:57])
	if got := api.EpdClientChannelRun(h, data, false); got != int(epd.SpeechActive) {
		t.Fatalf("Run = %d, want %d", got, int(epd.SpeechActive))
	}
	if got := api.EpdClientChannelRun(h, nil, true); got != int(epd.SpeechEnded) {
		t.Fatalf("Run(end of stream) = %d, want %d", got, int(epd.SpeechEnded))
	}
	_, end, _ := api.EpdClientChannelSpeechBoundary(h, 0, 0)
	if end != 81*frameLen {
		t.Errorf("end = %d, want %d", end, 81*frameLen)
	}
}

func TestEpdClientChannelRun_SplitBytes(t *testing.T) {
	t.Parallel()
	h := startEpd(t)
	data := utterance()
	last := 0
	for len(data) > 0 {
		n := min(777, len(data))
		last = api.EpdClientChannelRun(h, data[:n], false)
		if last < 0 {
			t.Fatalf("Run = %d", last)
		}
		data = data[n:]
	}
	if last != int(epd.SpeechEnded) {
		t.Fatalf("final state = %d, want %d", last, int(epd.SpeechEnded))
	}
	if start, end, _ := api.EpdClientChannelSpeechBoundary(h, 0, 0); start != 4800 || end != 20800 {
		t.Errorf("boundary = (%d, %d), want (4800, 20800)", start, end)
	}
}

func TestEpdClientChannelRun_FeatureStream(t *testing.T) {
	t.Parallel()
	h := api.EpdClientChannelStart("", rate, int(audio.FeatureStream), int(audio.FeatureStream), int(epd.Detect), 10, 7, 700)
	if h == 0 {
		t.Fatal("zero handle")
	}
	defer api.EpdClientChannelRelease(h)

	var data []byte
	for i := range 230 {
		db := 0.0
		if i >= 30 && i < 130 {
			db = 60
		}
		u := math.Float32bits(float32(db))
		data = append(data, byte(u), byte(u>>8), byte(u>>16), byte(u>>24))
	}
	if got := api.EpdClientChannelRun(h, data, false); got != int(epd.SpeechEnded) {
		t.Fatalf("Run = %d, want %d", got, int(epd.SpeechEnded))
	}
	if start, end, _ := api.EpdClientChannelSpeechBoundary(h, 0, 0); start != 4800 || end != 20800 {
		t.Errorf("boundary = (%d, %d), want (4800, 20800)", start, end)
	}
	// One float32 per frame from the onset decision to the ending frame.
	if got := api.EpdClientChannelOutputDataSize(h); got != (200-32)*4 {
		t.Errorf("OutputDataSize = %d, want %d", got, (200-32)*4)
	}
}

func TestEpdClientChannel_Thresholds(t *testing.T) {
	t.Parallel()
	h := startEpd(t)
	if got := api.EpdClientSOSThreshold(h); got != 9 {
		t.Errorf("SOS = %v, want 9", got)
	}
	if prev := api.EpdClientSetSOSThreshold(h, 12); prev != 9 {
		t.Errorf("SetSOS returned %v, want 9", prev)
	}
	if got := api.EpdClientSOSThreshold(h); got != 12 {
		t.Errorf("SOS = %v, want 12", got)
	}
	if prev := api.EpdClientSetEOSThreshold(h, 3); prev != 5 {
		t.Errorf("SetEOS returned %v, want 5", prev)
	}
	if got := api.EpdClientSetSOSThreshold(h, 61); got != engine.StatusInvalidConfig {
		t.Errorf("SetSOS(61) = %v, want %d", got, engine.StatusInvalidConfig)
	}
	if got := api.EpdClientSOSThreshold(h); got != 12 {
		t.Errorf("SOS after rejected set = %v, want 12", got)
	}
	if st := api.EpdClientSetNoiseMaskingLevel(h, 97); st != engine.StatusInvalidConfig {
		t.Errorf("SetNoiseMaskingLevel(97) = %d, want %d", st, engine.StatusInvalidConfig)
	}
	if st := api.EpdClientSetModelName(h, "far-field"); st != engine.StatusOK {
		t.Errorf("SetModelName = %d", st)
	}
	if got := api.EpdClientSOSThreshold(h); got != 6 {
		t.Errorf("SOS after far-field = %v, want 6", got)
	}
	if st := api.EpdClientSetMaxSpeechDuration(h, 5, 0, 300); st != engine.StatusOK {
		t.Errorf("SetMaxSpeechDuration = %d", st)
	}
	if st := api.EpdClientSetMaxSpeechDuration(h, 0, 0, 300); st != engine.StatusInvalidConfig {
		t.Errorf("SetMaxSpeechDuration(0 s) = %d, want %d", st, engine.StatusInvalidConfig)
	}
}

func TestEpdClientChannel_Diagnostics(t *testing.T) {
	t.Parallel()
	h := startEpd(t)
	api.EpdClientChannelRun(h, pcm(tone(0, 30), tone(loud, 10), tone(0, 20)), false)

	if got := api.EpdClientConsecutivePauseLength(h); got != 200 {
		t.Errorf("pause length = %d ms, want 200", got)
	}
	if got := api.EpdClientChannelSignalAmplitude(h); got != 0 {
		t.Errorf("signal amplitude = %d, want 0", got)
	}
	info, st := api.EpdClientVADInfo(h)
	if st != engine.StatusOK || info.Speech {
		t.Errorf("VADInfo = (%+v, %d), want a non-speech frame", info, st)
	}
	if got := api.EpdClientInputDataSize(h); got != 60*frameLen*2 {
		t.Errorf("InputDataSize = %d, want %d", got, 60*frameLen*2)
	}
	buf := make([]byte, 4)
	if got := api.EpdClientInputData(h, buf, 30*frameLen*2); got != 4 {
		t.Fatalf("InputData = %d, want 4", got)
	}
	if s := audio.BytesToSamples(buf); s[0] != loud || s[1] != -loud {
		t.Errorf("input at speech start = %v", s)
	}
	if got := api.EpdClientInputData(h, buf, -1); got != engine.StatusInvalidConfig {
		t.Errorf("InputData(offset -1) = %d, want %d", got, engine.StatusInvalidConfig)
	}
}

func TestEpdClientChannel_Save(t *testing.T) {
	t.Parallel()
	h := startEpd(t)
	dir := t.TempDir()
	if st := api.EpdClientSaveEpdSpeechData(h, dir, "speech.wav"); st != engine.StatusBoundaryNotAvailable {
		t.Errorf("save before speech = %d, want %d", st, engine.StatusBoundaryNotAvailable)
	}
	api.EpdClientChannelRun(h, utterance(), false)
	if st := api.EpdClientSaveEpdSpeechData(h, dir, "speech.wav"); st != engine.StatusOK {
		t.Fatalf("SaveEpdSpeechData = %d", st)
	}
	if st := api.EpdClientSaveRecordedSpeechData(h, dir, "input.wav"); st != engine.StatusOK {
		t.Fatalf("SaveRecordedSpeechData = %d", st)
	}
	for _, name := range []string{"speech.wav", "input.wav"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
	if st := api.EpdClientSaveRecordedSpeechData(h, dir, ""); st != engine.StatusIOError {
		t.Errorf("save without file name = %d, want %d", st, engine.StatusIOError)
	}
}

func TestEpdClientChannel_InvalidHandle(t *testing.T) {
	t.Parallel()
	h := api.EpdClientChannelStart("", rate, 0, 0, 0, 10, 7, 700)
	api.EpdClientChannelRelease(h)

	for _, hh := range []api.Handle{0, h, api.Handle(1<<40 | 7)} {
		if got := api.EpdClientChannelRun(hh, utterance(), false); got != engine.StatusInvalidHandle {
			t.Errorf("Run(%d) = %d, want %d", hh, got, engine.StatusInvalidHandle)
		}
		if got := api.EpdClientChannelOutputDataSize(hh); got != engine.StatusInvalidHandle {
			t.Errorf("OutputDataSize(%d) = %d", hh, got)
		}
		if got := api.EpdClientSOSThreshold(hh); got != engine.StatusInvalidHandle {
			t.Errorf("SOSThreshold(%d) = %v", hh, got)
		}
		if got := api.EpdClientChannelReset(hh, 0); got != engine.StatusInvalidHandle {
			t.Errorf("Reset(%d) = %d", hh, got)
		}
		if got := api.EpdClientSpeechStartPoint(hh, 0); got != engine.StatusInvalidHandle {
			t.Errorf("SpeechStartPoint(%d) = %d", hh, got)
		}
	}
}

func TestEpdClientChannel_ResetAndPrerun(t *testing.T) {
	t.Parallel()
	h := startEpd(t)
	api.EpdClientChannelRun(h, utterance(), false)
	if st := api.EpdClientChannelReset(h, 2); st != engine.StatusInvalidConfig {
		t.Errorf("Reset(mode 2) = %d, want %d", st, engine.StatusInvalidConfig)
	}
	if st := api.EpdClientChannelReset(h, int(epd.Record)); st != engine.StatusOK {
		t.Fatalf("Reset = %d", st)
	}
	if got := api.EpdClientInputDataSize(h); got != 0 {
		t.Errorf("InputDataSize after reset = %d, want 0", got)
	}
	if st := api.EpdClientChannelPrerun(h, pcm(tone(0, 10))); st != engine.StatusOK {
		t.Errorf("Prerun = %d", st)
	}
	// Record mode treats everything after the flush window as speech.
	if got := api.EpdClientChannelRun(h, pcm(tone(0, 20)), false); got != int(epd.SpeechActive) {
		t.Errorf("Run in record mode = %d, want %d", got, int(epd.SpeechActive))
	}
}

func TestEpdClientChannelRun_Concurrent(t *testing.T) {
	t.Parallel()
	h := startEpd(t)
	chunk := pcm(tone(loud, 10))

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				got := api.EpdClientChannelRun(h, chunk, false)
				if got < 0 && got != engine.StatusConcurrentAccess {
					t.Errorf("Run = %d, want a state or %d", got, engine.StatusConcurrentAccess)
					return
				}
			}
		}()
	}
	wg.Wait()
	if got := api.EpdClientChannelRun(h, nil, false); got < 0 {
		t.Errorf("Run after concurrent use = %d", got)
	}
}

func keywordAmp(background, value float64) int16 {
	return int16(math.Round(math.Pow(10, (background+value)/20)))
}

func TestWakeup_Lifecycle(t *testing.T) {
	t.Parallel()
	h := api.WakeupCreate(rate, int(wakeup.Online))
	if h == 0 {
		t.Fatal("WakeupCreate returned the zero handle")
	}
	defer api.WakeupDestroy(h)

	m, err := wakeup.DefaultModel()
	if err != nil {
		t.Fatalf("DefaultModel: %v", err)
	}
	const background = 30.0
	var samples []int16
	samples = append(samples, tone(keywordAmp(background, 0), 50)...)
	for _, v := range m.Template {
		samples = append(samples, tone(keywordAmp(background, v), 1)...)
	}
	samples = append(samples, tone(keywordAmp(background, 0), 50)...)

	// Odd chunk sizes exercise re-framing.
	var got int
	for len(samples) > 0 {
		n := min(999, len(samples))
		got = api.WakeupPutAudio(h, samples[:n])
		samples = samples[n:]
	}
	if got != int(wakeup.DetectedReady) {
		t.Fatalf("verdict = %d, want %d", got, int(wakeup.DetectedReady))
	}
	if score := api.WakeupScore(h); score < m.Search.DetectionThreshold {
		t.Errorf("score = %v, want at least %v", score, m.Search.DetectionThreshold)
	}
	if p := api.WakeupPower(h); math.Abs(p-background) > 0.5 {
		t.Errorf("power = %v, want about %v", p, background)
	}
	if st := api.WakeupStartTime(h); st < 350 || st > 650 {
		t.Errorf("start time = %d ms, want about 500", st)
	}
	if end, det := api.WakeupEndTime(h), api.WakeupDetectionTime(h); end > det {
		t.Errorf("end %d ms after detection %d ms", end, det)
	}
	kw, st := api.WakeupDetectedAudio(h)
	if st != engine.StatusOK || len(kw.Samples) == 0 {
		t.Errorf("DetectedAudio = (%d samples, %d)", len(kw.Samples), st)
	}
	if prev := api.WakeupSetStartMargin(h, 200); prev != 100 {
		t.Errorf("SetStartMargin returned %d, want 100", prev)
	}
	if got := api.WakeupStartMargin(h); got != 200 {
		t.Errorf("StartMargin = %d, want 200", got)
	}

	if st := api.WakeupReset(h); st != engine.StatusOK {
		t.Fatalf("Reset = %d", st)
	}
	if score := api.WakeupScore(h); score != 0 {
		t.Errorf("score after reset = %v, want 0", score)
	}
	if got := api.WakeupPutAudio(h, tone(0, 1)); got != int(wakeup.Detecting) {
		t.Errorf("verdict after reset = %d, want %d", got, int(wakeup.Detecting))
	}
	if st := api.WakeupRejectDetection(h); st != engine.StatusOK {
		t.Fatalf("RejectDetection = %d", st)
	}
	if got := api.WakeupPutAudio(h, tone(0, 1)); got != int(wakeup.Rejected) {
		t.Errorf("verdict after reject = %d, want %d", got, int(wakeup.Rejected))
	}
}

func TestWakeup_PartialFrameKeepsVerdict(t *testing.T) {
	t.Parallel()
	h := api.WakeupCreate(rate, int(wakeup.Online))
	defer api.WakeupDestroy(h)
	if got := api.WakeupPutAudio(h, make([]int16, 10)); got != int(wakeup.Detecting) {
		t.Errorf("verdict = %d, want %d", got, int(wakeup.Detecting))
	}
}

func TestWakeup_InvalidHandle(t *testing.T) {
	t.Parallel()
	h := api.WakeupCreate(rate, int(wakeup.Online))
	api.WakeupDestroy(h)
	if got := api.WakeupPutAudio(h, tone(0, 1)); got != int(wakeup.Error) {
		t.Errorf("PutAudio after destroy = %d, want %d", got, int(wakeup.Error))
	}
	if got := api.WakeupScore(h); got != engine.StatusInvalidHandle {
		t.Errorf("Score after destroy = %v, want %d", got, engine.StatusInvalidHandle)
	}
	if got := api.WakeupDestroy(h); got != engine.StatusInvalidHandle {
		t.Errorf("second Destroy = %d, want %d", got, engine.StatusInvalidHandle)
	}
	if got := api.WakeupReset(0); got != engine.StatusInvalidHandle {
		t.Errorf("Reset(0) = %d, want %d", got, engine.StatusInvalidHandle)
	}
}

func TestWakeupCreate_Invalid(t *testing.T) {
	t.Parallel()
	if h := api.WakeupCreate(44100, 0); h != 0 {
		t.Errorf("rate 44100: got handle %d", h)
	}
	if h := api.WakeupCreate(rate, 7); h != 0 {
		t.Errorf("mode 7: got handle %d", h)
	}
	dir := t.TempDir()
	if h := api.WakeupCreateFromFiles(filepath.Join(dir, "x.net"), filepath.Join(dir, "x.search"), rate, 0); h != 0 {
		t.Errorf("missing files: got handle %d", h)
	}
}

func TestVersions(t *testing.T) {
	t.Parallel()
	if got := api.EpdVersion(); got != epd.Version {
		t.Errorf("EpdVersion = %d, want %d", got, epd.Version)
	}
	if got := api.WakeupVersion(); got != wakeup.Version {
		t.Errorf("WakeupVersion = %d, want %d", got, wakeup.Version)
	}
	if !api.HasDefaultModel() {
		t.Error("HasDefaultModel = false")
	}
}
