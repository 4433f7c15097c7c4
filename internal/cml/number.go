package cml

import (
	"bytes"
	"encoding/json"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// writeNumber renders a json.Number in canonical form: integral values
// (however spelled) as plain digits without leading zeros or a trailing
// ".0", other floats in the shortest decimal string that round-trips to
// the same float64. This keeps encode(v) stable across equivalent textual
// spellings of the same numeric value (1, 1.0, 1e0; 1000000, 1e6).
func writeNumber(buf *bytes.Buffer, n json.Number) error {
	s := string(n)

	if isIntegerLiteral(s) {
		i := new(big.Int)
		if _, ok := i.SetString(s, 10); ok {
			buf.WriteString(i.String())
			return nil
		}
	}

	f, err := n.Float64()
	if err != nil {
		return &EncodeError{Reason: "invalid number literal: " + s}
	}
	if !math.IsInf(f, 0) && f == math.Trunc(f) {
		i, _ := big.NewFloat(f).Int(nil)
		buf.WriteString(i.String())
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

// isIntegerLiteral reports whether s has no fractional or exponent part.
func isIntegerLiteral(s string) bool {
	return !strings.ContainsAny(s, ".eE")
}
