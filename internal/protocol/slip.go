package protocol

import (
	"fmt"

	"github.com/danmuck/linkctl/internal/protocol/stuffing"
)

type SLIPConfig struct {
	StartChar           HexBytes `toml:"start_char"`
	ReadStripCharacters bool     `toml:"read_strip_characters"`
	ReadEnableEscaping  bool     `toml:"read_enable_escaping"`
	WriteEnableEscaping bool     `toml:"write_enable_escaping"`
	EndChar             HexBytes `toml:"end_char"`
	EscChar             HexBytes `toml:"esc_char"`
	EscEndChar          HexBytes `toml:"esc_end_char"`
	EscEscChar          HexBytes `toml:"esc_esc_char"`
	AllowEmptyData      *bool    `toml:"allow_empty_data"`
}

func DefaultSLIPConfig() SLIPConfig {
	return SLIPConfig{
		ReadStripCharacters: true,
		ReadEnableEscaping:  true,
		WriteEnableEscaping: true,
		EndChar:             HexBytes{stuffing.SLIPEnd},
		EscChar:             HexBytes{stuffing.SLIPEsc},
		EscEndChar:          HexBytes{stuffing.SLIPEscEnd},
		EscEscChar:          HexBytes{stuffing.SLIPEscEsc},
	}
}

func (c SLIPConfig) validate() error {
	if len(c.StartChar) > 1 {
		return fmt.Errorf("%w: start_char must be a single byte", ErrInvalidConfig)
	}
	for name, v := range map[string]HexBytes{"end_char": c.EndChar, "esc_char": c.EscChar, "esc_end_char": c.EscEndChar, "esc_esc_char": c.EscEscChar} {
		if len(v) != 1 {
			return fmt.Errorf("%w: %s must be a single byte", ErrInvalidConfig, name)
		}
	}
	return nil
}

// SLIP frames packets per RFC 1055 with an optional start byte.
type SLIP struct {
	Terminated
	scfg  SLIPConfig
	codec stuffing.SLIP
	start *byte
}

func NewSLIP(cfg SLIPConfig) (*SLIP, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &SLIP{
		scfg: cfg,
		codec: stuffing.SLIP{
			End:    cfg.EndChar[0],
			Esc:    cfg.EscChar[0],
			EscEnd: cfg.EscEndChar[0],
			EscEsc: cfg.EscEscChar[0],
		},
	}
	if len(cfg.StartChar) == 1 {
		b := cfg.StartChar[0]
		s.start = &b
		s.searchFrom = 1
	}
	s.setup("slip", TerminatedConfig{
		BurstConfig:     BurstConfig{SyncPattern: cfg.StartChar, AllowEmptyData: cfg.AllowEmptyData},
		ReadTermination: cfg.EndChar,
	})
	return s, nil
}

func (s *SLIP) ReadData(data []byte, extra map[string]any) (DataResult, error) {
	res, err := s.Terminated.ReadData(data, extra)
	if err != nil || res.Signal != Continue || len(res.Data) == 0 {
		return res, err
	}
	frame := res.Data
	if s.scfg.ReadStripCharacters {
		if s.start != nil && len(frame) > 0 {
			frame = frame[1:]
		}
		if len(frame) > 0 {
			frame = frame[:len(frame)-1]
		}
	}
	if s.scfg.ReadEnableEscaping {
		frame = s.codec.Unescape(frame)
	}
	return Emit(frame, res.Extra), nil
}

func (s *SLIP) WriteData(data []byte, extra map[string]any) (DataResult, error) {
	if !s.scfg.WriteEnableEscaping {
		out := make([]byte, 0, len(data)+2)
		if s.start != nil {
			out = append(out, *s.start)
		}
		out = append(out, data...)
		return Emit(append(out, s.codec.End), extra), nil
	}
	return Emit(s.codec.Encode(data, s.start), extra), nil
}
