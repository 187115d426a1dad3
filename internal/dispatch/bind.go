package dispatch

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/roach88/sqlpoint/internal/ir"
)

// Bind builds the positional argument list for ep from a decoded JSON
// payload. subject fills the auth-sourced parameter regardless of what the
// payload says. Extra payload keys are ignored; a JSON null counts as
// present.
func Bind(ep *ir.Endpoint, payload map[string]any, subject string) ([]any, error) {
	args := make([]any, len(ep.Params))
	for _, p := range ep.Params {
		if p.Source == ir.SourceAuth {
			args[p.Position-1] = subject
			continue
		}
		v, ok := payload[p.Name]
		if !ok {
			return nil, &Error{Endpoint: ep.Name, Kind: KindMissingParameter, Param: p.Name}
		}
		bound, err := bindValue(v)
		if err != nil {
			return nil, &Error{Endpoint: ep.Name, Kind: KindInvalidParameter, Param: p.Name, Err: err}
		}
		args[p.Position-1] = bound
	}
	return args, nil
}

// bindValue converts one decoded JSON value to a driver argument.
// Numbers become int64 when integral and float64 otherwise; objects and
// arrays are passed as their JSON text.
func bindValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, int64:
		return x, nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("number %s out of range", x)
		}
		return integral(f), nil
	case float64:
		return integral(x), nil
	case int:
		return int64(x), nil
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func integral(f float64) any {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f)
	}
	return f
}
