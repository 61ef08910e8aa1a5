package transport

// Mode is the declared coaching mode. The deep-talk mode is served by the
// alternate provider.
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeDeepTalk Mode = "deep_talk"
)

// Environment describes the runtime's capture and network posture. It is
// assembled by the embedding application; Detect never probes anything.
type Environment struct {
	// CaptureSupported is false when the runtime has no way to capture
	// user audio at all.
	CaptureSupported bool
	// DirectSupported is true when the runtime can open a direct peer
	// connection to the primary provider.
	DirectSupported bool
	// RelayOnly is true for embedded webviews and similar hosts that must
	// go through the relay gateway regardless of network posture.
	RelayOnly bool
	// Mode is the coaching mode the user selected.
	Mode Mode
}

// Detect returns the ordered transport candidates for the environment. An
// empty slice means the environment is unsupported: the caller must refund
// immediately and show a message instead of attempting a connection.
//
// Detect is a pure function of its argument.
func Detect(env Environment) []Kind {
	if !env.CaptureSupported {
		return nil
	}

	if env.Mode == ModeDeepTalk {
		// The deep-talk provider has its own relay path as fallback.
		return []Kind{KindAlternate, KindRelayed}
	}

	if env.RelayOnly {
		return []Kind{KindRelayed}
	}

	if env.DirectSupported {
		return []Kind{KindDirect, KindRelayed}
	}

	return []Kind{KindRelayed}
}

// Supported reports whether the environment can run a call at all.
func Supported(env Environment) bool {
	return len(Detect(env)) > 0
}
