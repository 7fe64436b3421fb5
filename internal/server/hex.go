package server

import (
	"encoding/hex"
	"strings"
)

func decodeHex(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	raw = strings.NewReplacer(" ", "", "_", "").Replace(raw)
	return hex.DecodeString(raw)
}
