package executor

import (
	"bytes"
	"strings"
	"time"
	"unicode/utf8"
)

// OutputBuffer keeps at most limit bytes and silently drops the rest. It never
// returns a write error: failing the write would break the child's pipe and
// turn "too much output" into a different failure. A limit <= 0 disables the cap.
type OutputBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func NewOutputBuffer(limit int) *OutputBuffer {
	return &OutputBuffer{limit: limit}
}

func (b *OutputBuffer) Write(p []byte) (int, error) {
	if b.limit <= 0 {
		return b.buf.Write(p)
	}
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = len(p) > 0 || b.truncated
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

// Bytes returns the captured output. When the cap cut a multi-byte rune in
// half, the dangling prefix is dropped so truncation alone never looks like
// a decode failure.
func (b *OutputBuffer) Bytes() []byte {
	out := b.buf.Bytes()
	if !b.truncated {
		return out
	}
	for i := 0; i < utf8.UTFMax-1 && len(out) > 0; i++ {
		if r, size := utf8.DecodeLastRune(out); r != utf8.RuneError || size > 1 {
			break
		}
		out = out[:len(out)-1]
	}
	return out
}

func (b *OutputBuffer) Truncated() bool {
	return b.truncated
}

// Output is what one finished process left behind, before classification.
type Output struct {
	Stdout    []byte
	Stderr    []byte
	ExitCode  int
	Duration  time.Duration
	TimedOut  bool
	Truncated bool
}

// Classify turns a finished process into a result and, when it did not
// succeed, the matching error kind. Timeout wins over decode, decode wins over
// the exit code. The result is returned in every case.
func Classify(lang Language, stage Stage, out *Output) (*ExecutionResult, error) {
	res := &ExecutionResult{
		Stdout:    string(out.Stdout),
		Stderr:    string(out.Stderr),
		ExitCode:  out.ExitCode,
		Duration:  out.Duration,
		Stage:     stage,
		Truncated: out.Truncated,
	}

	if out.TimedOut {
		sanitize(res)
		return res, TimedOut(lang, stage, res)
	}

	if stream := invalidStream(out); stream != "" {
		sanitize(res)
		return res, DecodeFailed(lang, stage, stream, res)
	}

	res.Success = out.ExitCode == 0
	if res.Success {
		// a successful result reports stdout only
		res.Stderr = ""
		return res, nil
	}
	if stage == StageCompile {
		return res, CompileFailed(lang, res)
	}
	return res, RuntimeFailed(lang, res)
}

func invalidStream(out *Output) string {
	switch {
	case !utf8.Valid(out.Stdout):
		return "stdout"
	case !utf8.Valid(out.Stderr):
		return "stderr"
	}
	return ""
}

// sanitize makes a result safe to serialize when its bytes are not text.
func sanitize(res *ExecutionResult) {
	res.Stdout = strings.ToValidUTF8(res.Stdout, "\uFFFD")
	res.Stderr = strings.ToValidUTF8(res.Stderr, "\uFFFD")
}
