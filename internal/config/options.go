package config

import (
	"github.com/rbnvrw/frapalyzer/internal/frap"
	"github.com/rbnvrw/frapalyzer/internal/source"
)

func (c Config) AnalysisOptions() frap.Options {
	return frap.Options{
		Channel:            c.Analysis.Channel,
		SubtractBackground: c.Analysis.SubtractBackground,
		OnlyPositive:       c.Analysis.OnlyPositive,
		PlateauWindow:      c.Analysis.PlateauWindow,
	}
}

func (c Config) SourceOptions() source.Options {
	return source.Options{
		SSH: source.SSHOptions{
			User:                        c.SSH.User,
			KeyPath:                     c.SSH.KeyPath,
			KnownHostsPath:              c.SSH.KnownHosts,
			InsecureSkipHostKeyChecking: c.SSH.InsecureSkipHostKey,
			Timeout:                     c.SSH.Timeout.Std(),
		},
	}
}
