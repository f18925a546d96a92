package acquire

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"earshot/internal/config"
	"earshot/pkg/types"
)

// fakeRunner routes tool invocations to per-tool handlers and records the
// call sequence.
type fakeRunner struct {
	mu       sync.Mutex
	calls    []string
	handlers map[string]func(args []string) ([]byte, error)
}

func (f *fakeRunner) Run(_ context.Context, _ time.Duration, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	h, ok := f.handlers[name]
	if !ok {
		return nil, errors.New("no handler for " + name)
	}
	return h(args)
}

func (f *fakeRunner) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

// argAfter returns the argument following flag, or "".
func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

const probeWithAudio = `{"streams":[{"codec_type":"audio"}],"format":{"duration":"631.4"}}`
const probeVideoOnly = `{"streams":[{"codec_type":"video"}],"format":{"duration":"631.4"}}`

// happyHandlers simulates a successful download/transcode/probe sequence.
func happyHandlers(t *testing.T, probeJSON string) map[string]func([]string) ([]byte, error) {
	t.Helper()
	return map[string]func([]string) ([]byte, error){
		"yt-dlp": func(args []string) ([]byte, error) {
			tmpl := argAfter(args, "-o")
			if tmpl == "" {
				t.Fatal("yt-dlp invoked without -o")
			}
			dir := filepath.Dir(tmpl)
			if err := os.WriteFile(filepath.Join(dir, "vid123.m4a"), []byte("container"), 0o644); err != nil {
				t.Fatal(err)
			}
			return nil, nil
		},
		"ffmpeg": func(args []string) ([]byte, error) {
			out := argAfter(args, "-y")
			if out == "" {
				t.Fatal("ffmpeg invoked without -y <output>")
			}
			return nil, os.WriteFile(out, bytes.Repeat([]byte{0}, minWAVBytes+1), 0o644)
		},
		"ffprobe": func(args []string) ([]byte, error) {
			return []byte(probeJSON), nil
		},
	}
}

func testConfig() config.AcquireConfig {
	return config.AcquireConfig{
		DownloadSemaphore: 2,
		Retries:           1,
		DownloadTimeout:   time.Minute,
		DemuxTimeout:      time.Minute,
		ProbeTimeout:      time.Minute,
	}
}

func TestAcquire_Success(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{handlers: happyHandlers(t, probeWithAudio)}
	a := New(testConfig(), WithRunner(runner))

	published := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	art, err := a.Acquire(context.Background(), types.VideoDescriptor{ID: "vid123", PublishedAt: &published})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer a.Release(art)

	if art.Codec != "pcm_s16le" || art.SampleRate != 16000 || art.Channels != 1 {
		t.Errorf("artifact format = %s/%d/%d", art.Codec, art.SampleRate, art.Channels)
	}
	if art.DurationS != 631.4 {
		t.Errorf("DurationS = %v, want 631.4", art.DurationS)
	}
	if art.Fingerprint == "" {
		t.Error("Fingerprint is empty")
	}
	if _, err := os.Stat(art.Path); err != nil {
		t.Errorf("artifact file missing: %v", err)
	}
	// The source container must be gone once the WAV exists.
	if _, err := os.Stat(filepath.Join(filepath.Dir(art.Path), "vid123.m4a")); !os.IsNotExist(err) {
		t.Error("source container was not removed")
	}
}

func TestRelease_RemovesWorkdir(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{handlers: happyHandlers(t, probeWithAudio)}
	a := New(testConfig(), WithRunner(runner))

	art, err := a.Acquire(context.Background(), types.VideoDescriptor{ID: "vid123"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	a.Release(art)
	if _, err := os.Stat(filepath.Dir(art.Path)); !os.IsNotExist(err) {
		t.Error("workdir still present after Release")
	}
}

func TestAcquire_MembersOnlyShortCircuits(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{handlers: map[string]func([]string) ([]byte, error){
		"yt-dlp": func(args []string) ([]byte, error) {
			return []byte("ERROR: Join this channel to get access to members-only content"), errors.New("exit status 1")
		},
	}}
	a := New(testConfig(), WithRunner(runner))

	_, err := a.Acquire(context.Background(), types.VideoDescriptor{ID: "vid123"})
	te, ok := AsTerminal(err)
	if !ok {
		t.Fatalf("err = %v, want TerminalError", err)
	}
	if te.Class != types.FailMembersOnly {
		t.Errorf("Class = %s, want MEMBERS_ONLY", te.Class)
	}
	// The terminal pattern must stop the strategy walk on the first call.
	if got := runner.callCount("yt-dlp"); got != 1 {
		t.Errorf("yt-dlp calls = %d, want 1", got)
	}
}

func TestAcquire_NoAudioStream(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{handlers: happyHandlers(t, probeVideoOnly)}
	a := New(testConfig(), WithRunner(runner))

	_, err := a.Acquire(context.Background(), types.VideoDescriptor{ID: "vid123"})
	te, ok := AsTerminal(err)
	if !ok {
		t.Fatalf("err = %v, want TerminalError", err)
	}
	if te.Class != types.FailNoAudio {
		t.Errorf("Class = %s, want NO_AUDIO", te.Class)
	}
	if te.Class.CountsAsError() {
		t.Error("NO_AUDIO must not count as an error")
	}
}

func TestAcquire_TranscodeNoStreams(t *testing.T) {
	t.Parallel()

	// A video-only download fails inside ffmpeg, before ffprobe ever sees the
	// file. That is still NO_AUDIO, not a broken download.
	handlers := happyHandlers(t, probeWithAudio)
	handlers["ffmpeg"] = func(args []string) ([]byte, error) {
		return []byte("Output file #0 does not contain any stream"), errors.New("exit status 1")
	}
	runner := &fakeRunner{handlers: handlers}
	a := New(testConfig(), WithRunner(runner))

	_, err := a.Acquire(context.Background(), types.VideoDescriptor{ID: "vid123"})
	te, ok := AsTerminal(err)
	if !ok {
		t.Fatalf("err = %v, want TerminalError", err)
	}
	if te.Class != types.FailNoAudio {
		t.Errorf("Class = %s, want NO_AUDIO", te.Class)
	}
	if te.Class.CountsAsError() {
		t.Error("NO_AUDIO must not count as an error")
	}
}

func TestClassifyTranscodeOutput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		out  string
		want types.FailureClass
	}{
		{"Output file #0 does not contain any stream", types.FailNoAudio},
		{"Stream map 'a' matches no streams.", types.FailNoAudio},
		{"ERROR: could not find audio stream in input", types.FailNoAudio},
		{"moov atom not found", ""},
	}
	for _, tt := range tests {
		if got := classifyTranscodeOutput([]byte(tt.out)); got != tt.want {
			t.Errorf("classifyTranscodeOutput(%q) = %q, want %q", tt.out, got, tt.want)
		}
	}
}

func TestAcquire_ExhaustedRetries(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{handlers: map[string]func([]string) ([]byte, error){
		"yt-dlp": func(args []string) ([]byte, error) {
			return []byte("ERROR: fragment 3 not found"), errors.New("exit status 1")
		},
	}}
	a := New(testConfig(), WithRunner(runner))

	_, err := a.Acquire(context.Background(), types.VideoDescriptor{ID: "vid123"})
	te, ok := AsTerminal(err)
	if !ok {
		t.Fatalf("err = %v, want TerminalError", err)
	}
	if te.Class != types.FailDownload {
		t.Errorf("Class = %s, want DOWNLOAD_FAILED", te.Class)
	}
	// One retry round walks all three client strategies.
	if got := runner.callCount("yt-dlp"); got != len(clientStrategies) {
		t.Errorf("yt-dlp calls = %d, want %d", got, len(clientStrategies))
	}
}

func TestAcquire_ProductionModePinsWebClient(t *testing.T) {
	t.Parallel()

	var extractorArgs []string
	runner := &fakeRunner{handlers: map[string]func([]string) ([]byte, error){
		"yt-dlp": func(args []string) ([]byte, error) {
			extractorArgs = append(extractorArgs, argAfter(args, "--extractor-args"))
			return []byte("ERROR: fragment 3 not found"), errors.New("exit status 1")
		},
	}}
	cfg := testConfig()
	cfg.ProductionMode = true
	a := New(cfg, WithRunner(runner))

	_, err := a.Acquire(context.Background(), types.VideoDescriptor{ID: "vid123"})
	if _, ok := AsTerminal(err); !ok {
		t.Fatalf("err = %v, want TerminalError", err)
	}
	// Production mode walks only the pinned web client, never android/default.
	if got := runner.callCount("yt-dlp"); got != 1 {
		t.Fatalf("yt-dlp calls = %d, want 1", got)
	}
	if extractorArgs[0] != "youtube:player_client=web" {
		t.Errorf("extractor args = %q, want web client pin", extractorArgs[0])
	}
}

func TestProbe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		out       string
		err       error
		wantClass types.FailureClass
	}{
		{"accessible", "", nil, ""},
		{"unavailable", "ERROR: Video unavailable", errors.New("exit status 1"), types.FailUnavailable},
		{"members_only", "ERROR: members-only content", errors.New("exit status 1"), types.FailMembersOnly},
		{"inconclusive", "ERROR: network is unreachable", errors.New("exit status 1"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			runner := &fakeRunner{handlers: map[string]func([]string) ([]byte, error){
				"yt-dlp": func(args []string) ([]byte, error) { return []byte(tt.out), tt.err },
			}}
			a := New(testConfig(), WithRunner(runner))

			err := a.Probe(context.Background(), "vid123")
			if tt.wantClass == "" {
				if err != nil {
					t.Fatalf("Probe: %v, want nil", err)
				}
				return
			}
			te, ok := AsTerminal(err)
			if !ok || te.Class != tt.wantClass {
				t.Fatalf("Probe err = %v, want class %s", err, tt.wantClass)
			}
		})
	}
}

func TestClassifyDownloadOutput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		out  string
		want types.FailureClass
	}{
		{"ERROR: Private video. Sign in if you've been granted access", types.FailUnavailable},
		{"ERROR: This video has been removed by the uploader", types.FailUnavailable},
		{"ERROR: Join this channel to get access to members-only content", types.FailMembersOnly},
		{"ERROR: HTTP Error 429: Too Many Requests", types.FailRateLimited},
		{"ERROR: Sign in to confirm you're not a bot", types.FailRateLimited},
		{"ERROR: unable to download video data", ""},
	}
	for _, tt := range tests {
		if got := classifyDownloadOutput([]byte(tt.out)); got != tt.want {
			t.Errorf("classifyDownloadOutput(%q) = %q, want %q", tt.out, got, tt.want)
		}
	}
}

func TestBackoff_Bounded(t *testing.T) {
	t.Parallel()

	if backoff(1) != time.Second {
		t.Errorf("backoff(1) = %v, want 1s", backoff(1))
	}
	if backoff(20) != 30*time.Second {
		t.Errorf("backoff(20) = %v, want 30s cap", backoff(20))
	}
}
