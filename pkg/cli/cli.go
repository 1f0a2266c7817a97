package cli

import (
	"context"
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
)

// Version is overwritten at build time
var Version = "dev"

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	if err := loadDotEnv(".env.local", ".env"); err != nil {
		return &Error{Code: 1, Message: err.Error()}
	}

	var logCfg loggingConfig

	cmd := &cli.Command{
		Name:    "collective",
		Usage:   "Uploaded consciousnesses talking in a shared feed",
		Version: Version,
		Flags:   loggingFlags(&logCfg),
		Commands: []*cli.Command{
			serveCommand(&logCfg),
			registerCommand(&logCfg),
			interviewCommand(&logCfg),
			ingestCommand(&logCfg),
			recallCommand(&logCfg),
			finalizeCommand(&logCfg),
			agentCommand(&logCfg),
			seedCommand(&logCfg),
			feedCommand(&logCfg),
			exportCommand(&logCfg),
			mcpCommand(&logCfg),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}

// loadDotEnv loads the given files when they exist. Variables already set in
// the environment win.
func loadDotEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}
