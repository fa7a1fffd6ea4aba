// Package version decides whether an advertised firmware build is newer than
// the running one. Build versions come from revision control in git-describe
// form, "<tag>[-N-g<hash>][-dirty]", where N commits past the tag must count
// as newer than the bare tag.
package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Policy resolves the ambiguous case of two builds sharing an identical base
// tag and commit offset but different commit hashes. Neither answer is
// obviously right: treating a hash change as an update risks flashing a
// sibling build of the same tag, ignoring it risks missing a re-cut release.
type Policy string

const (
	// PolicyIgnoreHash treats a bare hash difference as SAME_OR_OLDER.
	PolicyIgnoreHash Policy = "ignore"
	// PolicyPreferUpdate treats a bare hash difference as NEWER.
	PolicyPreferUpdate Policy = "prefer-update"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	return p == PolicyIgnoreHash || p == PolicyPreferUpdate
}

// Decision is the negotiator verdict for an offered build.
type Decision int

const (
	SameOrOlder Decision = iota
	Newer
)

func (d Decision) String() string {
	if d == Newer {
		return "NEWER"
	}
	return "SAME_OR_OLDER"
}

var describeRe = regexp.MustCompile(`^(.*?)-(\d+)-g([0-9a-fA-F]{4,40})(-dirty)?$`)

// described is a parsed git-describe version string.
type described struct {
	base    *semver.Version
	commits int
	hash    string
	dirty   bool
}

func parse(v string) (described, error) {
	d := described{}
	rest := strings.TrimSpace(v)
	if m := describeRe.FindStringSubmatch(rest); m != nil {
		rest = m[1]
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return d, fmt.Errorf("parse commit offset in %q: %w", v, err)
		}
		d.commits = n
		d.hash = strings.ToLower(m[3])
		d.dirty = m[4] != ""
	} else if strings.HasSuffix(rest, "-dirty") {
		rest = strings.TrimSuffix(rest, "-dirty")
		d.dirty = true
	}
	base, err := semver.NewVersion(rest)
	if err != nil {
		return d, fmt.Errorf("parse version tag %q: %w", rest, err)
	}
	d.base = base
	return d, nil
}

// Compare orders two version strings. It returns >0 when a is newer than b,
// <0 when b is newer, and 0 when neither is newer under the given policy.
// Dotted components compare numerically via the base tag; a non-empty commit
// offset orders strictly after its bare base tag.
func Compare(a, b string, policy Policy) (int, error) {
	da, err := parse(a)
	if err != nil {
		return 0, err
	}
	db, err := parse(b)
	if err != nil {
		return 0, err
	}
	if c := da.base.Compare(db.base); c != 0 {
		return c, nil
	}
	if da.commits != db.commits {
		if da.commits > db.commits {
			return 1, nil
		}
		return -1, nil
	}
	if policy == PolicyPreferUpdate && da.hash != db.hash && da.hash != "" && db.hash != "" {
		// Same tag and offset, different commit. The policy votes for the
		// offered side, which callers pass as a.
		return 1, nil
	}
	return 0, nil
}

// Negotiate reports whether the offered build should replace the running one.
func Negotiate(running, offered string, policy Policy) (Decision, error) {
	c, err := Compare(offered, running, policy)
	if err != nil {
		return SameOrOlder, err
	}
	if c > 0 {
		return Newer, nil
	}
	return SameOrOlder, nil
}
