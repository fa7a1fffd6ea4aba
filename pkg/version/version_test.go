package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name   string
		a      string
		b      string
		policy Policy
		want   int
	}{
		{
			name: "newer patch release",
			a:    "v2.10.7", b: "v2.10.6",
			policy: PolicyIgnoreHash,
			want:   1,
		},
		{
			name: "equal bare tags",
			a:    "v2.10.6", b: "v2.10.6",
			policy: PolicyIgnoreHash,
			want:   0,
		},
		{
			name: "commits past the tag order after the bare tag",
			a:    "v2.10.6-1-g0ef185b", b: "v2.10.6",
			policy: PolicyIgnoreHash,
			want:   1,
		},
		{
			name: "bare tag orders before its described successor",
			a:    "v2.10.6", b: "v2.10.6-1-g0ef185b",
			policy: PolicyIgnoreHash,
			want:   -1,
		},
		{
			name: "next release beats a described predecessor",
			a:    "v2.10.7", b: "v2.10.6-1-g0ef185b",
			policy: PolicyIgnoreHash,
			want:   1,
		},
		{
			name: "higher commit offset wins",
			a:    "v2.10.6-5-gaaaa111", b: "v2.10.6-2-gbbbb222",
			policy: PolicyIgnoreHash,
			want:   1,
		},
		{
			name: "hash-only difference is a tie under ignore",
			a:    "v2.10.6-1-gaaaa111", b: "v2.10.6-1-gbbbb222",
			policy: PolicyIgnoreHash,
			want:   0,
		},
		{
			name: "hash-only difference votes for the offered side under prefer-update",
			a:    "v2.10.6-1-gaaaa111", b: "v2.10.6-1-gbbbb222",
			policy: PolicyPreferUpdate,
			want:   1,
		},
		{
			name: "dirty suffix parses alongside the describe suffix",
			a:    "v1.2.3-4-gdeadbee-dirty", b: "v1.2.3",
			policy: PolicyIgnoreHash,
			want:   1,
		},
		{
			name: "multi-digit components compare numerically",
			a:    "v1.10.0", b: "v1.9.9",
			policy: PolicyIgnoreHash,
			want:   1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compare(tt.a, tt.b, tt.policy)
			require.NoError(t, err)
			switch {
			case tt.want > 0:
				assert.Positive(t, got)
			case tt.want < 0:
				assert.Negative(t, got)
			default:
				assert.Zero(t, got)
			}
		})
	}
}

func TestCompareMalformed(t *testing.T) {
	_, err := Compare("not-a-version", "v1.0.0", PolicyIgnoreHash)
	assert.Error(t, err)

	_, err = Compare("v1.0.0", "also bad", PolicyIgnoreHash)
	assert.Error(t, err)
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name    string
		running string
		offered string
		want    Decision
	}{
		{"offered newer", "v2.10.6", "v2.10.7", Newer},
		{"offered same", "v2.10.6", "v2.10.6", SameOrOlder},
		{"offered older", "v2.10.7", "v2.10.6", SameOrOlder},
		{"described offer past the running tag", "v2.10.6", "v2.10.6-1-g0ef185b", Newer},
		{"running described, bare tag offered", "v2.10.6-1-g0ef185b", "v2.10.6", SameOrOlder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Negotiate(tt.running, tt.offered, PolicyIgnoreHash)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "NEWER", Newer.String())
	assert.Equal(t, "SAME_OR_OLDER", SameOrOlder.String())
}
