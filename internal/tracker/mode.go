package tracker

import "fmt"

// configKey returns the git configuration key holding a branch's tracking
// mode.
func configKey(branch string) string {
	return "release-branch." + branch + ".track"
}

// Mode is the per-branch tracking policy. The set of implementations is
// closed; switch on the concrete type.
type Mode interface {
	fmt.Stringer
	mode()
}

// ModeNone means the branch has no tracking configured.
type ModeNone struct{}

// ModeTip records every new branch head as a release.
type ModeTip struct{}

// ModeTag records tagged commits in the branch's ancestry as releases.
type ModeTag struct{}

// ModeUnsupported is a configured value this version does not understand.
type ModeUnsupported struct {
	Value string
}

func (ModeNone) mode()        {}
func (ModeTip) mode()         {}
func (ModeTag) mode()         {}
func (ModeUnsupported) mode() {}

func (ModeNone) String() string          { return "none" }
func (ModeTip) String() string           { return "tip" }
func (ModeTag) String() string           { return "tag" }
func (m ModeUnsupported) String() string { return m.Value }

// ParseMode interprets a configuration lookup. set is false when the key is
// absent.
func ParseMode(value string, set bool) Mode {
	if !set {
		return ModeNone{}
	}
	switch value {
	case "tip":
		return ModeTip{}
	case "tag":
		return ModeTag{}
	default:
		return ModeUnsupported{Value: value}
	}
}
