// Package version holds the naming rules for release tracking: which tags
// look like releases, which branch names may be tracked, and how a version
// string is synthesized for a branch tip.
package version

import (
	"strings"
	"time"
)

// MaxLen is the longest version or branch name the release store accepts.
const MaxLen = 32

// tagNamespace is stripped from fully-qualified tag references.
const tagNamespace = "refs/tags/"

// shortOIDLen is the number of hex characters of the commit id appended to a
// tip version.
const shortOIDLen = 8

// tipLayout formats as YYMM.DDHH.MMSS.
const tipLayout = "0601.0215.0405"

// MatchTag reports whether tagName names a release and, if so, returns the
// version it carries.
//
// Accepted forms are "<major>.<minor>...", optionally prefixed by "v", "r"
// (either case), "debian/" or "release/". The one-letter prefixes are tried
// first. The major part is all digits, the minor part starts with a digit,
// and the rest may only contain letters, digits, '-', '_', '.', '~' and '@'.
func MatchTag(tagName string) (string, bool) {
	s := strings.TrimPrefix(tagName, tagNamespace)
	// The single-letter prefix wins, so "release/1.0" becomes "elease/1.0"
	// and is rejected.
	switch {
	case s != "" && (s[0] == 'v' || s[0] == 'V' || s[0] == 'r' || s[0] == 'R'):
		s = s[1:]
	case strings.HasPrefix(s, "debian/"):
		s = strings.TrimPrefix(s, "debian/")
	case strings.HasPrefix(s, "release/"):
		s = strings.TrimPrefix(s, "release/")
	}
	if s == "" || len(s) > MaxLen {
		return "", false
	}
	if !validVersion(s) {
		return "", false
	}
	return s, true
}

// validVersion matches digit+ '.' digit [A-Za-z0-9\-_.~@]* against all of s.
func validVersion(s string) bool {
	i := 0
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	if i == 0 || i >= len(s) || s[i] != '.' {
		return false
	}
	i++
	if i >= len(s) || !isDigit(s[i]) {
		return false
	}
	for ; i < len(s); i++ {
		c := s[i]
		if !isAlnum(c) && c != '-' && c != '_' && c != '.' && c != '~' && c != '@' {
			return false
		}
	}
	return true
}

// ValidBranch reports whether a branch may be release-tracked: it must be
// non-empty, at most MaxLen bytes, and consist of letters, digits, '-' and
// '_' only.
func ValidBranch(name string) bool {
	if name == "" || len(name) > MaxLen {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !isAlnum(c) && c != '-' && c != '_' {
			return false
		}
	}
	return true
}

// TipVersion derives the version recorded for a tip-tracked branch from the
// committer time and commit id, e.g. "2403.0510.2030-gitabcdef12".
func TipVersion(when time.Time, oid string) string {
	short := oid
	if len(short) > shortOIDLen {
		short = short[:shortOIDLen]
	}
	return when.UTC().Format(tipLayout) + "-git" + short
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isAlnum(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
