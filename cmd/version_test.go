package cmd

import (
	"fmt"
	"github.com/senseibot/sensei/sensei"
	"github.com/stretchr/testify/assert"
	"io"
	"os"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := sensei.Version
	originalCommitSHA := sensei.CommitSHA
	originalBuildTime := sensei.BuildTime

	t.Cleanup(
		func() {
			sensei.Version = originalVersion
			sensei.CommitSHA = originalCommitSHA
			sensei.BuildTime = originalBuildTime
		},
	)

	sensei.Version = "1.0.0"
	sensei.CommitSHA = "abc123"
	sensei.BuildTime = "2024-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		sensei.Version,
		sensei.CommitSHA,
		sensei.BuildTime,
	)
	assert.Equal(t, expected, string(out))
}
