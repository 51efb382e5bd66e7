package main

import "testing"

func TestVersionString(t *testing.T) {
	tests := []struct {
		name    string
		version string
		commit  string
		want    string
	}{
		{name: "empty defaults to dev", version: "", commit: "", want: "dev"},
		{name: "unknown commit ignored", version: "0.4.0", commit: "unknown", want: "0.4.0"},
		{name: "commit appended", version: "v0.4.0", commit: "9f1c2e", want: "v0.4.0+9f1c2e"},
		{name: "describe output kept", version: "v0.4.0-3-g9f1c2e", commit: "9f1c2e", want: "v0.4.0-3-g9f1c2e"},
	}

	origVersion, origCommit := version, commit
	t.Cleanup(func() {
		version, commit = origVersion, origCommit
	})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version = tt.version
			commit = tt.commit
			if got := versionString(); got != tt.want {
				t.Fatalf("versionString() = %q, want %q", got, tt.want)
			}
		})
	}
}
