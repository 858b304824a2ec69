package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/andreyvit/tnt"
)

// parseScalar turns a command line argument into a field value. Bare words
// are guessed: null, true/false, integers, floats, else a string. The str:
// and hex: prefixes force a string or raw bytes.
func parseScalar(arg string) (tnt.Scalar, error) {
	if s, ok := strings.CutPrefix(arg, "str:"); ok {
		return tnt.StringValue(s), nil
	}
	if s, ok := strings.CutPrefix(arg, "hex:"); ok {
		b, err := hex.DecodeString(s)
		if err != nil {
			return tnt.Scalar{}, fmt.Errorf("invalid hex in %q: %w", arg, err)
		}
		return tnt.BytesValue(b), nil
	}
	switch arg {
	case "null":
		return tnt.Null(), nil
	case "true":
		return tnt.BoolValue(true), nil
	case "false":
		return tnt.BoolValue(false), nil
	}
	if n, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return tnt.Int64Value(n), nil
	}
	if u, err := strconv.ParseUint(arg, 10, 64); err == nil {
		return tnt.Uint64Value(u), nil
	}
	if f, err := strconv.ParseFloat(arg, 64); err == nil && strings.ContainsAny(arg, ".eE") {
		return tnt.Float64Value(f), nil
	}
	return tnt.StringValue(arg), nil
}

func buildTuple(args []string) (*tnt.TupleBuilder, error) {
	b := tnt.NewTupleBuilder(len(args))
	for _, arg := range args {
		v, err := parseScalar(arg)
		if err != nil {
			return nil, err
		}
		b.Push(v)
	}
	return b, b.Err()
}
