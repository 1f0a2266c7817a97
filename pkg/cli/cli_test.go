package cli_test

import (
	"context"
	"testing"

	"github.com/m-mizutani/collective/pkg/cli"
	"github.com/m-mizutani/gt"
)

func TestRunSeed(t *testing.T) {
	err := cli.Run(context.Background(), []string{
		"collective", "--log-level", "error",
		"seed", "--repository", "memory", "--file", "../usecase/onboarding/testdata/seeds.yaml",
	})
	gt.True(t, err == nil)
}

func TestRunInvalidSeedFile(t *testing.T) {
	err := cli.Run(context.Background(), []string{
		"collective", "--log-level", "error",
		"seed", "--repository", "memory", "--file", "testdata/not-found.yaml",
	})
	gt.True(t, err != nil)
	gt.Equal(t, err.Code, 1)
}

func TestRunUnknownBackend(t *testing.T) {
	err := cli.Run(context.Background(), []string{
		"collective", "--log-level", "error",
		"agent", "list", "--repository", "nosuch",
	})
	gt.True(t, err != nil)
	gt.S(t, err.Message).Contains("unsupported repository backend")
}
