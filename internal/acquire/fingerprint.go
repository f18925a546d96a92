package acquire

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"earshot/pkg/types"
)

// first120sBytes is the byte length of 120 seconds of 16 kHz mono s16le PCM,
// plus a little headroom for the RIFF header. Hashing a fixed prefix keeps
// the digest cheap on multi-hour files while still catching re-uploads.
const first120sBytes = 120*16000*2 + 4096

// contentFingerprint computes the intra-run dedup hash:
// md5(video_id + publish_time_iso + md5(first 120 s of audio)). It is a cheap
// duplicate detector, not a cryptographic identity.
func contentFingerprint(video types.VideoDescriptor, wavPath string) (string, error) {
	f, err := os.Open(wavPath)
	if err != nil {
		return "", fmt.Errorf("fingerprint: open %q: %w", wavPath, err)
	}
	defer f.Close()

	audioSum := md5.New()
	if _, err := io.CopyN(audioSum, f, first120sBytes); err != nil && err != io.EOF {
		return "", fmt.Errorf("fingerprint: read audio prefix: %w", err)
	}

	h := md5.New()
	io.WriteString(h, video.ID)
	if video.PublishedAt != nil {
		io.WriteString(h, video.PublishedAt.UTC().Format(time.RFC3339))
	}
	h.Write(audioSum.Sum(nil))
	return hex.EncodeToString(h.Sum(nil)), nil
}
