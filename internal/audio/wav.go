package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/go-audio/wav"
)

// PCM is interleaved signed 16-bit little-endian audio.
type PCM struct {
	Data       []byte
	SampleRate int
	Channels   int
}

var ErrNotWAV = errors.New("audio: not a RIFF/WAVE stream")

// DecodeWAV converts a WAV stream to 16-bit PCM. Sources with a higher bit
// depth are truncated to 16 bits.
func DecodeWAV(r io.ReadSeeker) (PCM, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return PCM{}, ErrNotWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return PCM{}, fmt.Errorf("decode wav: %w", err)
	}
	depth := int(dec.BitDepth)
	if depth <= 0 {
		depth = 16
	}

	out := make([]byte, 2*len(buf.Data))
	for i, sample := range buf.Data {
		switch {
		case depth > 16:
			sample >>= depth - 16
		case depth == 8:
			// 8-bit WAV is unsigned.
			sample = (sample - 128) << 8
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(sample)))
	}
	return PCM{
		Data:       out,
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
	}, nil
}

// MaxClipBytes caps how much of a remote clip Fetch will buffer.
var MaxClipBytes int64 = 64 << 20

var ErrClipTooLarge = errors.New("audio: clip exceeds size limit")

// Fetch reads the bytes behind ref. http(s) refs are downloaded, file://
// refs and bare paths are read from disk.
func Fetch(ctx context.Context, client *http.Client, ref string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		if client == nil {
			client = http.DefaultClient
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("fetch %s: status %s", ref, resp.Status)
		}
		if resp.ContentLength > MaxClipBytes {
			return nil, fmt.Errorf("fetch %s: %w", ref, ErrClipTooLarge)
		}
		var b bytes.Buffer
		n, err := io.Copy(&b, io.LimitReader(resp.Body, MaxClipBytes+1))
		if err != nil {
			return nil, err
		}
		if n > MaxClipBytes {
			return nil, fmt.Errorf("fetch %s: %w", ref, ErrClipTooLarge)
		}
		return b.Bytes(), nil
	case strings.HasPrefix(ref, "file://"):
		return os.ReadFile(strings.TrimPrefix(ref, "file://"))
	default:
		return os.ReadFile(ref)
	}
}
