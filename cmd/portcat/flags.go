package main

import (
	"errors"
	"flag"

	"github.com/banshee-data/portstream/internal/config"
)

// portFlags are the port selection flags shared by stream and write. Flags
// given on the command line override values from -config.
type portFlags struct {
	configPath string
	path       string
	baud       int
	dataBits   int
	stopBits   int
	parity     string
	readSize   int
}

func (p *portFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&p.configPath, "config", "", "JSON port configuration file")
	fs.StringVar(&p.path, "port", "", "Serial port to open, e.g. /dev/ttyUSB0")
	fs.IntVar(&p.baud, "baud", 9600, "Baud rate")
	fs.IntVar(&p.dataBits, "data-bits", 8, "Data bits (5-8)")
	fs.IntVar(&p.stopBits, "stop-bits", 1, "Stop bits (1 or 2)")
	fs.StringVar(&p.parity, "parity", "N", "Parity: N, E, O, M or S")
	fs.IntVar(&p.readSize, "read-size", 1024, "Maximum bytes per chunk")
}

// resolve merges the config file with the flags that were set explicitly.
func (p *portFlags) resolve(fs *flag.FlagSet) (*config.PortConfig, error) {
	cfg := &config.PortConfig{}
	if p.configPath != "" {
		loaded, err := config.LoadPortConfig(p.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.SetPath(p.path)
		case "baud":
			cfg.SetBaudRate(p.baud)
		case "data-bits":
			cfg.SetDataBits(p.dataBits)
		case "stop-bits":
			cfg.SetStopBits(p.stopBits)
		case "parity":
			cfg.SetParity(p.parity)
		case "read-size":
			cfg.SetReadSize(p.readSize)
		}
	})
	if cfg.Path == nil || *cfg.Path == "" {
		return nil, errors.New("a port is required (-port or \"path\" in -config)")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
