package engine

import (
	"regexp"
	"strings"
	"time"
)

const (
	// SampleRate is the capture rate expected by the engine.
	SampleRate = 16000
	// FramesPerSecond is the VAD frame rate (20 ms frames).
	FramesPerSecond = 50
	// FrameSize is the number of samples per VAD frame.
	FrameSize = SampleRate / FramesPerSecond
)

// VADParams tune energy-based speech segmentation.
type VADParams struct {
	Threshold   float64       // mean frame energy above which a frame is speech
	Silence     time.Duration // trailing silence that ends a segment
	MinSpeech   time.Duration // segments with less speech are discarded
	MaxDuration time.Duration // force-close long segments (0 = unlimited)
}

// DefaultVAD matches command mode.
var DefaultVAD = VADParams{
	Threshold:   0.001,
	Silence:     800 * time.Millisecond,
	MinSpeech:   300 * time.Millisecond,
	MaxDuration: 30 * time.Second,
}

// Segmenter splits a sample stream into speech segments.
// It is not safe for concurrent use.
type Segmenter struct {
	params   VADParams
	pending  []float32
	speech   []float32
	speaking bool
	silent   int
	voiced   int
}

// NewSegmenter creates a Segmenter.
func NewSegmenter(p VADParams) *Segmenter {
	return &Segmenter{params: p}
}

// SetParams replaces the segmentation parameters.
func (s *Segmenter) SetParams(p VADParams) {
	s.params = p
}

// Params returns the current parameters.
func (s *Segmenter) Params() VADParams {
	return s.params
}

// Speaking reports whether a segment is in progress.
func (s *Segmenter) Speaking() bool {
	return s.speaking
}

// Reset discards all buffered audio.
func (s *Segmenter) Reset() {
	s.pending = s.pending[:0]
	s.speech = nil
	s.speaking = false
	s.silent = 0
	s.voiced = 0
}

// Push appends samples and returns every segment completed by them.
// Partial frames are carried over to the next call.
func (s *Segmenter) Push(samples []float32) [][]float32 {
	s.pending = append(s.pending, samples...)

	var out [][]float32
	i := 0
	for ; i+FrameSize <= len(s.pending); i += FrameSize {
		if seg := s.frame(s.pending[i : i+FrameSize]); seg != nil {
			out = append(out, seg)
		}
	}
	s.pending = append(s.pending[:0], s.pending[i:]...)
	return out
}

func (s *Segmenter) frame(frame []float32) []float32 {
	voice := Energy(frame) > s.params.Threshold

	switch {
	case voice:
		if !s.speaking {
			s.speaking = true
			s.speech = s.speech[:0]
		}
		s.speech = append(s.speech, frame...)
		s.silent = 0
		s.voiced++
	case s.speaking:
		s.speech = append(s.speech, frame...)
		s.silent++
	default:
		return nil
	}

	silenceFrames := int(s.params.Silence.Seconds() * FramesPerSecond)
	tooLong := s.params.MaxDuration > 0 &&
		len(s.speech) >= int(s.params.MaxDuration.Seconds()*SampleRate)
	if (!voice && s.silent >= silenceFrames) || tooLong {
		return s.complete()
	}
	return nil
}

func (s *Segmenter) complete() []float32 {
	speech := time.Duration(s.voiced) * time.Second / FramesPerSecond
	seg := s.speech

	s.speech = nil
	s.speaking = false
	s.silent = 0
	s.voiced = 0

	if speech < s.params.MinSpeech {
		return nil
	}
	return seg
}

// Energy returns the mean squared amplitude of frame.
func Energy(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, v := range frame {
		sum += float64(v) * float64(v)
	}
	return sum / float64(len(frame))
}

var (
	bracketed   = regexp.MustCompile(`\[[^\]]*\]|\{[^}]*\}|\([^)]*\)`)
	punctuation = regexp.MustCompile(`[.,!?;:]`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// CleanTranscript strips annotations such as [BLANK_AUDIO], punctuation and
// redundant whitespace, and lower-cases the result.
func CleanTranscript(text string) string {
	text = bracketed.ReplaceAllString(text, "")
	text = punctuation.ReplaceAllString(text, "")
	text = whitespace.ReplaceAllString(text, " ")
	return strings.ToLower(strings.TrimSpace(text))
}
