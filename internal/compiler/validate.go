package compiler

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/roach88/sqlpoint/internal/ir"
)

func checkParams(file string, h header, ext *Extraction, opts Options) Diagnostics {
	var diags Diagnostics
	used := make(map[string]bool, len(ext.Params))
	for _, p := range ext.Params {
		used[p.Name] = true
	}

	for _, d := range h.declared {
		if used[d.Arg] {
			continue
		}
		if opts.UnusedParams == UnusedParamsWarn {
			diags = append(diags, Warnf(file, d.Line, KindUnusedParam, "param %q declared but never used", d.Arg))
		} else {
			diags = append(diags, Errorf(file, d.Line, KindUnusedParam, "param %q declared but never used", d.Arg))
		}
	}

	if used[ir.SubjectParam] && h.auth.Mode != ir.AuthVerify {
		diags = append(diags, Errorf(file, 0, KindReservedParam,
			"@%s is only bound for endpoints declared -- @auth verify", ir.SubjectParam))
	}
	return diags
}

// parseAuth parses "verify [max_age]" or "issue [lifetime]".
func parseAuth(arg string) (ir.Auth, error) {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return ir.Auth{}, fmt.Errorf("auth directive needs a mode (verify or issue)")
	}
	mode := ir.AuthMode(fields[0])
	if !ir.ValidAuthModes[mode] {
		return ir.Auth{}, fmt.Errorf("unknown auth mode %q; expected verify or issue", fields[0])
	}
	auth := ir.Auth{Mode: mode}
	switch len(fields) {
	case 1:
	case 2:
		secs, err := ParseInterval(fields[1])
		if err != nil {
			return ir.Auth{}, err
		}
		auth.Seconds = secs
	default:
		return ir.Auth{}, fmt.Errorf("auth %s takes at most one interval, got %q", mode, arg)
	}
	return auth, nil
}

var intervalUnits = map[byte]float64{
	's': 1,
	'm': 60,
	'h': 60 * 60,
	'd': 60 * 60 * 24,
	'M': 60 * 60 * 24 * 30,
	'y': 60 * 60 * 24 * 365,
}

// ParseInterval parses "<number>[unit]" into whole seconds. Units are
// s, m, h, d, M (30 days) and y (365 days); no unit means seconds.
func ParseInterval(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty interval")
	}
	mult := 1.0
	num := s
	if m, ok := intervalUnits[s[len(s)-1]]; ok {
		mult = m
		num = s[:len(s)-1]
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil || !(n > 0) || math.IsInf(n, 0) {
		return 0, fmt.Errorf("invalid interval %q; expected a positive number with optional unit s, m, h, d, M or y", s)
	}
	secs := int64(n * mult)
	if secs < 1 {
		return 0, fmt.Errorf("interval %q is shorter than one second", s)
	}
	return secs, nil
}
