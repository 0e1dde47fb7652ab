package cmd

import (
	"github.com/bastianbatory/KikeMorandeBot/kikebot"
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	isolateEnv(t)

	originalVersion := kikebot.Version
	originalCommitSHA := kikebot.CommitSHA
	originalBuildTime := kikebot.BuildTime

	t.Cleanup(
		func() {
			kikebot.Version = originalVersion
			kikebot.CommitSHA = originalCommitSHA
			kikebot.BuildTime = originalBuildTime
		},
	)

	kikebot.Version = "1.0.0"
	kikebot.CommitSHA = "abc123"
	kikebot.BuildTime = "2023-10-01T12:00:00Z"

	output := execute(t, "version")
	assert.Equal(t, "version=1.0.0 commit=abc123 built: 2023-10-01T12:00:00Z", output)
}
