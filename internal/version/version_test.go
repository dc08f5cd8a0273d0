// Copyright (c) 2026 The Stemnet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package version

import "testing"

// TestParseSemVer ensures parsing various semantic version strings works as
// expected.
func TestParseSemVer(t *testing.T) {
	tests := []struct {
		in      string
		major   uint
		minor   uint
		patch   uint
		preRel  string
		wantErr bool
	}{
		{in: "1.2.3", major: 1, minor: 2, patch: 3},
		{in: "0.2.0-pre", major: 0, minor: 2, patch: 0, preRel: "pre"},
		{in: "1.0.0-rc.1", major: 1, minor: 0, patch: 0, preRel: "rc.1"},
		{in: "1.2.3+build.5", major: 1, minor: 2, patch: 3},
		{in: "1.2", wantErr: true},
		{in: "01.2.3", wantErr: true},
		{in: "bogus", wantErr: true},
	}

	for _, test := range tests {
		major, minor, patch, preRel, err := parseSemVer(test.in)
		if (err != nil) != test.wantErr {
			t.Errorf("%q: unexpected error -- got %v, wantErr %v",
				test.in, err, test.wantErr)
			continue
		}
		if test.wantErr {
			continue
		}
		if major != test.major || minor != test.minor ||
			patch != test.patch || preRel != test.preRel {

			t.Errorf("%q: mismatched components -- got %d.%d.%d %q, "+
				"want %d.%d.%d %q", test.in, major, minor, patch,
				preRel, test.major, test.minor, test.patch,
				test.preRel)
		}
	}
}

// TestStringMatchesVersion ensures the version string reported to callers is
// the parseable Version variable itself.
func TestStringMatchesVersion(t *testing.T) {
	if String() != Version {
		t.Fatalf("String returned %q, want %q", String(), Version)
	}
	if _, _, _, _, err := parseSemVer(String()); err != nil {
		t.Fatalf("running version does not parse: %v", err)
	}
}
