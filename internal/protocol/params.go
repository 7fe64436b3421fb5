package protocol

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// HexBytes is a byte pattern written as a hex string such as "0x1ACFFC1D".
type HexBytes []byte

func (h HexBytes) MarshalText() ([]byte, error) {
	if len(h) == 0 {
		return []byte(""), nil
	}
	return []byte("0x" + strings.ToUpper(hex.EncodeToString(h))), nil
}

func (h *HexBytes) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	raw = strings.NewReplacer(" ", "", "_", "").Replace(raw)
	if raw == "" {
		*h = nil
		return nil
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("%w: bad hex %q: %v", ErrInvalidConfig, string(text), err)
	}
	*h = b
	return nil
}

// Duration accepts Go duration strings ("5s", "20ms").
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("%w: bad duration %q: %v", ErrInvalidConfig, string(text), err)
	}
	*d = Duration(v)
	return nil
}

// DecodeParams decodes free-form stage params into a typed config. Fields
// already set on out act as defaults. Unknown keys are rejected.
func DecodeParams(params map[string]any, out any) error {
	if len(params) == 0 {
		return nil
	}
	params, err := hexFromIntegers(params, out)
	if err != nil {
		return err
	}
	raw, err := toml.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: encode params: %v", ErrInvalidConfig, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

var hexBytesType = reflect.TypeOf(HexBytes(nil))

// hexFromIntegers rewrites integers bound for HexBytes fields as hex
// strings. Unquoted YAML and bare TOML literals such as 0x1ACFFC1D arrive as
// integers. Leading zero bytes cannot survive that, so a pattern such as
// 0x00FF must stay quoted.
func hexFromIntegers(params map[string]any, out any) (map[string]any, error) {
	var fixed map[string]any
	for key := range hexKeys(reflect.TypeOf(out)) {
		v, ok := params[key]
		if !ok {
			continue
		}
		s, ok, err := integerHex(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
		}
		if !ok {
			continue
		}
		if fixed == nil {
			fixed = maps.Clone(params)
		}
		fixed[key] = s
	}
	if fixed == nil {
		return params, nil
	}
	return fixed, nil
}

// hexKeys lists the toml keys of HexBytes fields, following embedded
// configs.
func hexKeys(t reflect.Type) map[string]bool {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	keys := make(map[string]bool)
	if t == nil || t.Kind() != reflect.Struct {
		return keys
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			maps.Copy(keys, hexKeys(f.Type))
			continue
		}
		if f.Type != hexBytesType {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
		if name == "" {
			name = f.Name
		}
		keys[name] = true
	}
	return keys
}

func integerHex(v any) (string, bool, error) {
	var u uint64
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if rv.Int() < 0 {
			return "", false, errors.New("negative byte pattern")
		}
		u = uint64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u = rv.Uint()
	default:
		return "", false, nil
	}
	s := strconv.FormatUint(u, 16)
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return "0x" + strings.ToUpper(s), true, nil
}
