package main

import (
	"flag"
	"os"

	"github.com/danmuck/muxdemux/internal/config"
	"github.com/danmuck/muxdemux/internal/logging"
	"github.com/danmuck/muxdemux/internal/observability"
)

func defaultPath(kind string) (string, bool) {
	switch kind {
	case "node":
		return "cmd/muxd/config.toml", true
	case "client":
		return "cmd/muxcat/config.toml", true
	default:
		return "", false
	}
}

func main() {
	kind := flag.String("kind", "node", "config kind: node|client")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	logger := observability.InitLogger("configgen", logging.Resolve(logging.ProfileRuntime))

	path, ok := defaultPath(*kind)
	if !ok {
		logger.Error().Str("kind", *kind).Msg("unknown config kind")
		os.Exit(1)
	}

	if *validate {
		if *input != "" {
			path = *input
		}
		if _, err := config.LoadNodeConfig(path); err != nil {
			logger.Error().Err(err).Msg("config invalid")
			os.Exit(1)
		}
		logger.Info().Str("kind", *kind).Str("path", path).Msg("config validated")
		return
	}

	if *output != "" {
		path = *output
	}
	if err := config.WriteTemplate(path, *kind, *force); err != nil {
		logger.Error().Err(err).Msg("template write failed")
		os.Exit(1)
	}
	logger.Info().Str("kind", *kind).Str("path", path).Msg("config template written")
}
