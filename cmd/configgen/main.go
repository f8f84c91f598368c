package main

import (
	"os"

	"github.com/danmuck/micad/internal/config"
	logs "github.com/danmuck/micad/internal/logging"
	"github.com/spf13/pflag"
)

const defaultPath = "micad.toml"

func main() {
	logs.ConfigureRuntime()

	output := pflag.StringP("output", "o", defaultPath, "output path for config template")
	validate := pflag.Bool("validate", false, "validate an existing config file")
	input := pflag.StringP("input", "i", defaultPath, "config path for validation")
	force := pflag.BoolP("force", "f", false, "overwrite existing config file")
	pflag.Parse()

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			logs.Errorf("configgen validate path=%q err=%v", *input, err)
			os.Exit(1)
		}
		logs.Infof("configgen validated path=%q backend=%s runtime_dir=%q", *input, cfg.Backend, cfg.RuntimeDir)
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		logs.Errorf("configgen write path=%q err=%v", *output, err)
		os.Exit(1)
	}
	logs.Infof("configgen wrote template path=%q", *output)
}
