package dispatch

import (
	"encoding/json"
	"fmt"
)

// Device-side limits for the pin matrix config.
const (
	maxAnalog  = 11
	maxSelect  = 13
	maxSensors = maxAnalog * maxSelect
	pinMin     = 0
	pinMax     = 255
	maxBytes   = 512 // full JSON payload including trailing newline
)

// ValidationError marks operator input the device would reject.
type ValidationError struct{ msg string }

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// ConfigPayload is the pin matrix config pushed over TCP.
type ConfigPayload struct {
	Analog []int  `json:"analog"`
	Select []int  `json:"select"`
	Model  string `json:"model,omitempty"`
}

// BuildConfigPayload validates pins and returns the payload plus its encoded
// newline-terminated form (the size limit counts the newline).
func BuildConfigPayload(analog, sel []int, model string) (*ConfigPayload, []byte, error) {
	if err := validatePins("analog", analog, maxAnalog); err != nil {
		return nil, nil, err
	}
	if err := validatePins("select", sel, maxSelect); err != nil {
		return nil, nil, err
	}
	if len(analog)*len(sel) > maxSensors {
		return nil, nil, validationErrorf("analog x select exceeds %dx%d limit", maxAnalog, maxSelect)
	}
	p := &ConfigPayload{Analog: analog, Select: sel, Model: model}
	encoded, err := json.Marshal(p)
	if err != nil {
		return nil, nil, err
	}
	encoded = append(encoded, '\n')
	if len(encoded) > maxBytes {
		return nil, nil, validationErrorf("payload exceeds %d bytes", maxBytes)
	}
	return p, encoded, nil
}

func validatePins(name string, pins []int, maxLen int) error {
	if len(pins) == 0 || len(pins) > maxLen {
		return validationErrorf("%s count must be 1..%d", name, maxLen)
	}
	seen := make(map[int]bool, len(pins))
	for _, p := range pins {
		if p < pinMin || p > pinMax {
			return validationErrorf("%s pin %d outside %d..%d", name, p, pinMin, pinMax)
		}
		if seen[p] {
			return validationErrorf("%s contains duplicate pin %d", name, p)
		}
		seen[p] = true
	}
	return nil
}

// parsePins accepts a JSON array of numbers or a comma separated string.
func parsePins(v any) ([]int, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]int, 0, len(t))
		for _, item := range t {
			f, ok := item.(float64)
			if !ok || f != float64(int(f)) {
				return nil, validationErrorf("pin list must contain integers")
			}
			out = append(out, int(f))
		}
		return out, nil
	case string:
		var out []int
		cur, has := 0, false
		flush := func() {
			if has {
				out = append(out, cur)
				cur, has = 0, false
			}
		}
		for i := 0; i < len(t); i++ {
			c := t[i]
			switch {
			case c >= '0' && c <= '9':
				cur = cur*10 + int(c-'0')
				has = true
			case c == ',' || c == ' ' || c == '\n' || c == '\t':
				flush()
			default:
				return nil, validationErrorf("pin list has invalid character %q", c)
			}
		}
		flush()
		return out, nil
	default:
		return nil, validationErrorf("pin list must be array or comma separated string")
	}
}
