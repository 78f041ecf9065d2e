package worker

// State is the lifecycle state of one worker instance.
type State int

const (
	StateInstalling State = iota
	StateWaiting
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

type Event int

const (
	EventInstall Event = iota
	EventInstallSucceeded
	EventInstallFailed
	// EventSkipWaiting is the SKIP_WAITING message from a page.
	EventSkipWaiting
	// EventControllerReleased fires when the active worker has no controlled
	// clients left, or there is no active worker at all.
	EventControllerReleased
	EventActivateDone
	// EventReplaced fires when a newer worker takes this one's slot.
	EventReplaced
)

func (e Event) String() string {
	switch e {
	case EventInstall:
		return "install"
	case EventInstallSucceeded:
		return "install-succeeded"
	case EventInstallFailed:
		return "install-failed"
	case EventSkipWaiting:
		return "skip-waiting"
	case EventControllerReleased:
		return "controller-released"
	case EventActivateDone:
		return "activate-done"
	case EventReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Effect is a side effect the registration must run after a transition.
type Effect int

const (
	EffectOpenBucket Effect = iota
	EffectPrecache
	EffectDiscard
	EffectDeleteStaleBuckets
	EffectPruneBucket
	EffectClaimClients
	EffectRetirePrevious
)

func (e Effect) String() string {
	switch e {
	case EffectOpenBucket:
		return "open-bucket"
	case EffectPrecache:
		return "precache"
	case EffectDiscard:
		return "discard"
	case EffectDeleteStaleBuckets:
		return "delete-stale-buckets"
	case EffectPruneBucket:
		return "prune-bucket"
	case EffectClaimClients:
		return "claim-clients"
	case EffectRetirePrevious:
		return "retire-previous"
	default:
		return "unknown"
	}
}

var activateEffects = []Effect{
	EffectDeleteStaleBuckets,
	EffectPruneBucket,
	EffectClaimClients,
	EffectRetirePrevious,
}

// Transition is the lifecycle state machine. It has no side effects; unknown
// combinations leave the state unchanged and produce no effects, which makes
// duplicate events (a second SKIP_WAITING, say) harmless.
//
// Install never skips waiting on its own: a waiting worker leaves Waiting only
// on an explicit SKIP_WAITING or once the previous worker controls nothing.
func Transition(s State, e Event) (State, []Effect) {
	switch s {
	case StateInstalling:
		switch e {
		case EventInstall:
			return StateInstalling, []Effect{EffectOpenBucket, EffectPrecache}
		case EventInstallSucceeded:
			return StateWaiting, nil
		case EventInstallFailed:
			return StateRedundant, []Effect{EffectDiscard}
		case EventReplaced:
			return StateRedundant, []Effect{EffectDiscard}
		}
	case StateWaiting:
		switch e {
		case EventSkipWaiting, EventControllerReleased:
			return StateActivating, activateEffects
		case EventReplaced:
			return StateRedundant, []Effect{EffectDiscard}
		}
	case StateActivating:
		if e == EventActivateDone {
			return StateActivated, nil
		}
	case StateActivated:
		if e == EventReplaced {
			return StateRedundant, nil
		}
	}
	return s, nil
}
