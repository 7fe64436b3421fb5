package protocol

import (
	"bytes"
	"fmt"
)

type TerminatedConfig struct {
	BurstConfig
	WriteTermination     HexBytes `toml:"write_termination"`
	ReadTermination      HexBytes `toml:"read_termination"`
	StripReadTermination bool     `toml:"strip_read_termination"`
}

func DefaultTerminatedConfig() TerminatedConfig {
	return TerminatedConfig{StripReadTermination: true}
}

func (c TerminatedConfig) validate() error {
	if err := c.BurstConfig.validate(); err != nil {
		return err
	}
	if len(c.ReadTermination) == 0 {
		return fmt.Errorf("%w: read_termination is required", ErrInvalidConfig)
	}
	return nil
}

// Terminated splits the stream on a terminator sequence and appends the
// write terminator to outgoing data.
type Terminated struct {
	Burst
	tcfg TerminatedConfig
	// searchFrom skips leading bytes that may legitimately equal the
	// terminator, such as a SLIP start byte.
	searchFrom int
}

func NewTerminated(cfg TerminatedConfig) (*Terminated, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	t := &Terminated{}
	t.setup("terminated", cfg)
	return t, nil
}

func (t *Terminated) Config() TerminatedConfig { return t.tcfg }

func (t *Terminated) setup(kind string, cfg TerminatedConfig) {
	t.tcfg = cfg
	t.init(kind, cfg.BurstConfig, t.reduceFrame)
}

func (t *Terminated) reduceFrame(buf []byte) ([]byte, int, reduceOutcome, error) {
	if len(buf) <= t.searchFrom {
		return nil, 0, reduceStop, nil
	}
	idx := bytes.Index(buf[t.searchFrom:], t.tcfg.ReadTermination)
	if idx < 0 {
		return nil, 0, reduceStop, nil
	}
	idx += t.searchFrom
	end := idx + len(t.tcfg.ReadTermination)
	if t.tcfg.StripReadTermination {
		return buf[:idx], end, reducePacket, nil
	}
	return buf[:end], end, reducePacket, nil
}

func (t *Terminated) WriteData(data []byte, extra map[string]any) (DataResult, error) {
	if len(t.tcfg.WriteTermination) > 0 && bytes.Contains(data, t.tcfg.WriteTermination) {
		return DataResult{}, fmt.Errorf("%w: % X", ErrTerminationInData, []byte(t.tcfg.WriteTermination))
	}
	res, err := t.Burst.WriteData(data, extra)
	if err != nil || res.Signal != Continue {
		return res, err
	}
	res.Data = append(res.Data, t.tcfg.WriteTermination...)
	return res, nil
}
