package pipeline

// segmenter is the silence-triggered segmentation state machine. It runs over
// the per-frame speech flag and assembles complete-utterance PCM buffers,
// independent of the fast-path batching that shares its input stream.
//
// States: idle (buffering a rolling pre-roll window) and in-speech (appending
// to the current utterance while counting consecutive trailing-silence
// frames). Trailing silence beyond silenceFrames seals the utterance.
type segmenter struct {
	silenceFrames int
	preRoll       int
	idleWindow    int
	minBytes      int

	inSpeech bool
	trailing int
	idleBuf  [][]byte
	current  [][]byte
	curBytes int
}

// sealed is the outcome of sealing one utterance.
type sealed struct {
	// PCM is the concatenated utterance audio, pre-roll included.
	PCM []byte
	// Viable reports whether the utterance meets the minimum audio length.
	// Non-viable utterances are discarded by the caller, never forwarded.
	Viable bool
}

func newSegmenter(cfg Config) *segmenter {
	return &segmenter{
		silenceFrames: cfg.SilenceFrames,
		preRoll:       cfg.PreRollFrames,
		idleWindow:    cfg.IdleWindowFrames,
		minBytes:      cfg.minUtteranceBytes(),
	}
}

// push feeds one classified frame into the state machine. When the frame
// completes an utterance, the sealed result is returned with ok=true.
func (s *segmenter) push(pcm []byte, speech bool) (sealed, bool) {
	if !s.inSpeech {
		if !speech {
			// Rolling pre-roll window, bounded; older frames are evicted.
			s.idleBuf = append(s.idleBuf, pcm)
			if len(s.idleBuf) > s.idleWindow {
				s.idleBuf = s.idleBuf[len(s.idleBuf)-s.idleWindow:]
			}
			return sealed{}, false
		}

		// Speech onset: start a new utterance with bounded pre-roll context
		// so the first syllable is not clipped.
		s.inSpeech = true
		s.trailing = 0
		s.current = s.current[:0]
		s.curBytes = 0
		if n := len(s.idleBuf); n > 0 {
			keep := s.idleBuf
			if n > s.preRoll {
				keep = keep[n-s.preRoll:]
			}
			for _, f := range keep {
				s.appendFrame(f)
			}
			s.idleBuf = s.idleBuf[:0]
		}
		s.appendFrame(pcm)
		return sealed{}, false
	}

	// In speech. Silent frames are appended too, preserving short pauses
	// inside an utterance.
	s.appendFrame(pcm)
	if speech {
		s.trailing = 0
		return sealed{}, false
	}
	s.trailing++
	if s.trailing <= s.silenceFrames {
		return sealed{}, false
	}
	return s.seal(), true
}

// flush seals any in-progress utterance. Used at end of session so speech
// cut off by a stop is still handed to correction.
func (s *segmenter) flush() (sealed, bool) {
	if !s.inSpeech || len(s.current) == 0 {
		return sealed{}, false
	}
	return s.seal(), true
}

func (s *segmenter) seal() sealed {
	out := make([]byte, 0, s.curBytes)
	for _, f := range s.current {
		out = append(out, f...)
	}
	s.inSpeech = false
	s.trailing = 0
	s.current = s.current[:0]
	s.curBytes = 0
	return sealed{PCM: out, Viable: len(out) >= s.minBytes}
}

func (s *segmenter) appendFrame(pcm []byte) {
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.current = append(s.current, cp)
	s.curBytes += len(cp)
}
