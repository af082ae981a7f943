package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionString(t *testing.T) {
	tests := []struct {
		name    string
		version string
		commit  string
		want    string
	}{
		{name: "empty defaults to dev", version: "", commit: "", want: "dev"},
		{name: "unknown commit ignored", version: "1.2.3", commit: "unknown", want: "1.2.3"},
		{name: "commit appended", version: "v1.2.3", commit: "abc123", want: "v1.2.3+abc123"},
		{name: "commit already in version", version: "v1.2.3-abc123", commit: "abc123", want: "v1.2.3-abc123"},
		{name: "trims whitespace", version: " 1.0 ", commit: " a1 ", want: "1.0+a1"},
	}

	origVersion, origCommit := version, commit
	t.Cleanup(func() {
		version, commit = origVersion, origCommit
	})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version = tt.version
			commit = tt.commit
			assert.Equal(t, tt.want, versionString())
		})
	}
}

func TestRun_ExitCodes(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, run(context.Background(), []string{"features", "http://a.example/?x=1"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), `"params_num"`)

	stdout.Reset()
	stderr.Reset()
	assert.Equal(t, 1, run(context.Background(), []string{"features", ""}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "invalid url")

	stderr.Reset()
	assert.Equal(t, 1, run(context.Background(), []string{"no-such-command"}, &stdout, &stderr))
}
