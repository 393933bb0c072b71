package vad

// VADEvent represents the classification of a single energy sample.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Energy is the smoothed energy the classification was made on.
	Energy float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates the speaker has stopped talking for long enough to
	// end the turn. It is only ever delivered through [Endpointer.Ended] and
	// the end callback, never returned from Observe.
	VADSpeechEnd

	// VADSilence indicates the sample is below the speech threshold.
	VADSilence
)

// String returns the human-readable name of the event type.
func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	case VADSilence:
		return "silence"
	default:
		return "unknown"
	}
}

// State is the endpointer's position in its Speaking ⇄ SilencePending → Ended
// state machine.
type State int

const (
	// StateSpeaking is the armed state with no silence timer pending.
	StateSpeaking State = iota

	// StateSilencePending means energy dropped below the threshold and the
	// quiet timer is running.
	StateSilencePending

	// StateEnded means end-of-utterance fired. The endpointer ignores silence
	// until [Endpointer.Arm] is called.
	StateEnded
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateSpeaking:
		return "speaking"
	case StateSilencePending:
		return "silence_pending"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}
