package logging_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/m-mizutani/collective/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
)

func TestLevelFiltering(t *testing.T) {
	testCases := map[string][]string{
		"debug":   {"d", "i", "w", "e"},
		"INFO":    {"i", "w", "e"},
		"warning": {"w", "e"},
		"error":   {"e"},
		"bogus":   {"i", "w", "e"},
	}

	for level, visible := range testCases {
		t.Run(level, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := logging.NewWithFormat(level, logging.FormatJSON, buf)

			logger.Debug("msg-d")
			logger.Info("msg-i")
			logger.Warn("msg-w")
			logger.Error("msg-e")

			out := buf.String()
			for _, tag := range []string{"d", "i", "w", "e"} {
				shown := false
				for _, v := range visible {
					shown = shown || v == tag
				}
				if shown {
					gt.S(t, out).Contains(`"msg":"msg-` + tag + `"`)
				} else {
					gt.S(t, out).NotContains(`"msg":"msg-` + tag + `"`)
				}
			}
		})
	}
}

func TestConsoleFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.New("info", buf)

	logger.Info("interview closed", "turns", 6)
	gt.S(t, buf.String()).Contains("interview closed")
	gt.S(t, buf.String()).NotContains(`"msg"`)
}

func TestContextLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.NewWithFormat("info", logging.FormatJSON, buf)

	ctx := logging.With(context.Background(), logger)
	gt.Equal(t, logging.From(ctx), logger)

	ctx = logging.Component(ctx, "scheduler")
	logging.From(ctx).Info("tick")
	gt.S(t, buf.String()).Contains(`"component":"scheduler"`)
}

func TestFromFallsBackToDefault(t *testing.T) {
	original := logging.Default()
	t.Cleanup(func() { logging.SetDefault(original) })

	buf := &bytes.Buffer{}
	replaced := logging.NewWithFormat("warn", logging.FormatJSON, buf)
	logging.SetDefault(replaced)

	logger := logging.From(context.Background())
	gt.Equal(t, logger, replaced)

	logger.Warn("no logger in context")
	gt.S(t, buf.String()).Contains("no logger in context")
}

func TestErrAttr(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.New("info", buf)

	err := goerr.New("embedding API call failed", goerr.V("owner_id", "p-1"))
	logger.Warn("failed to embed chunk, skipping", logging.ErrAttr(err))

	out := buf.String()
	gt.S(t, out).Contains("failed to embed chunk")
	gt.S(t, out).Contains("embedding API call failed")
}

func TestParseLevel(t *testing.T) {
	gt.Equal(t, logging.ParseLevel("DEBUG"), slog.LevelDebug)
	gt.Equal(t, logging.ParseLevel("warning"), slog.LevelWarn)
	gt.Equal(t, logging.ParseLevel("nonsense"), slog.LevelInfo)
}
