package protocol

import "github.com/danmuck/linkctl/internal/protocol/stuffing"

type COBSConfig struct {
	AllowEmptyData *bool `toml:"allow_empty_data"`
}

// COBS frames packets with consistent overhead byte stuffing, one zero byte
// terminating each frame.
type COBS struct {
	Terminated
}

func NewCOBS(cfg COBSConfig) (*COBS, error) {
	c := &COBS{}
	c.setup("cobs", TerminatedConfig{
		BurstConfig:     BurstConfig{AllowEmptyData: cfg.AllowEmptyData},
		ReadTermination: HexBytes{0x00},
	})
	return c, nil
}

func (c *COBS) ReadData(data []byte, extra map[string]any) (DataResult, error) {
	res, err := c.Terminated.ReadData(data, extra)
	if err != nil || res.Signal != Continue || len(res.Data) == 0 {
		return res, err
	}
	decoded, err := stuffing.COBSDecode(res.Data)
	if err != nil {
		c.Log().Error().Err(err).Hex("frame", res.Data).Msg("dropping bad cobs frame")
		return StopData(), nil
	}
	return Emit(decoded, res.Extra), nil
}

func (c *COBS) WriteData(data []byte, extra map[string]any) (DataResult, error) {
	return Emit(stuffing.COBSEncode(data), extra), nil
}
