// Package inputsynth produces deterministic ABI input values so gas
// estimation is repeatable across runs.
package inputsynth

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gweizero/optimizer/internal/gasmodel"
)

const maxNestingDepth = 4

var fixedArrayRe = regexp.MustCompile(`^(.+)\[(\d+)\]$`)

// Synthesize builds a deterministic argument list for a function's
// inputs, seeding each value from its parameter position.
func Synthesize(inputs []gasmodel.ABIInput) ([]interface{}, error) {
	args := make([]interface{}, len(inputs))
	for i, in := range inputs {
		v, err := value(in, i, 0)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

func value(in gasmodel.ABIInput, index, depth int) (interface{}, error) {
	if depth > maxNestingDepth {
		return nil, fmt.Errorf("inputsynth: Unsupported nested type depth")
	}

	t := in.Type

	if strings.HasSuffix(t, "[]") {
		elem := in
		elem.Type = strings.TrimSuffix(t, "[]")
		a, err := value(elem, index, depth+1)
		if err != nil {
			return nil, err
		}
		b, err := value(elem, index+1, depth+1)
		if err != nil {
			return nil, err
		}
		return []interface{}{a, b}, nil
	}

	if m := fixedArrayRe.FindStringSubmatch(t); m != nil {
		n, _ := strconv.Atoi(m[2])
		elem := in
		elem.Type = m[1]
		out := make([]interface{}, n)
		for i := 0; i < n; i++ {
			v, err := value(elem, index+i, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}

	if t == "tuple" {
		out := make(map[string]interface{}, len(in.Components))
		for _, c := range in.Components {
			v, err := value(c, index, depth+1)
			if err != nil {
				return nil, err
			}
			out[c.Name] = v
		}
		return out, nil
	}

	return scalarValue(t, index)
}

var uintIntRe = regexp.MustCompile(`^(u?int)(\d*)$`)
var bytesNRe = regexp.MustCompile(`^bytes(\d+)$`)

func scalarValue(t string, index int) (interface{}, error) {
	switch {
	case uintIntRe.MatchString(t):
		return index + 1, nil
	case t == "address":
		return fmt.Sprintf("0x%040x", index+1), nil
	case t == "bool":
		return index%2 == 0, nil
	case t == "string":
		return fmt.Sprintf("gweizero_%d", index), nil
	case t == "bytes":
		return "0x1234", nil
	case bytesNRe.MatchString(t):
		m := bytesNRe.FindStringSubmatch(t)
		n, _ := strconv.Atoi(m[1])
		return "0x" + strings.Repeat("11", n), nil
	default:
		return nil, fmt.Errorf("inputsynth: Unsupported ABI type: %s", t)
	}
}
