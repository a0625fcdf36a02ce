// Package fingerprint computes the digests that bind an approval to one exact
// action: canonical JSON of tool arguments, or the raw staged diff bytes.
package fingerprint

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"sort"
	"strconv"

	"github.com/zeebo/blake3"
)

// Arguments returns the hex digest of the canonical JSON form of args.
// Key order and number formatting do not affect the result.
func Arguments(args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	data, err := CanonicalJSON(args)
	if err != nil {
		return "", err
	}
	return Bytes(data), nil
}

// Bytes returns the hex BLAKE3-256 digest of data.
func Bytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Text returns the digest of s.
func Text(s string) string {
	return Bytes([]byte(s))
}

// CanonicalJSON renders value with sorted object keys and no insignificant whitespace.
func CanonicalJSON(value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return []byte("null"), nil
	case string:
		return json.Marshal(v)
	case json.Number:
		return canonicalNumber(v.String())
	case float64:
		return canonicalFloat(v)
	case float32:
		return canonicalFloat(float64(v))
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return json.Marshal(v)
	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			data, err := CanonicalJSON(item)
			if err != nil {
				return nil, err
			}
			buf.Write(data)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]any:
		return canonicalMapJSON(v)
	case map[any]any:
		converted := make(map[string]any, len(v))
		for key, item := range v {
			converted[fmt.Sprint(key)] = item
		}
		return canonicalMapJSON(converted)
	default:
		// Round-trip unknown types through encoding/json so structs and typed
		// slices hash the same as their decoded map form.
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("canonical json: %w", err)
		}
		var generic any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&generic); err != nil {
			return nil, fmt.Errorf("canonical json: %w", err)
		}
		return CanonicalJSON(generic)
	}
}

// maxExponent bounds the decimal exponent of a number literal so a hostile
// argument cannot force an enormous exact expansion.
const maxExponent = 4096

var numberLiteral = regexp.MustCompile(`^-?(?:0|[1-9][0-9]*)(?:\.[0-9]+)?(?:[eE]([+-]?[0-9]+))?$`)

// canonicalNumber renders a JSON number literal in an exact normal form:
// integers without exponent or fraction, other values as the shortest exact
// decimal. Distinct values never share a form, whatever their magnitude.
func canonicalNumber(literal string) ([]byte, error) {
	m := numberLiteral.FindStringSubmatch(literal)
	if m == nil {
		return nil, fmt.Errorf("canonical json: invalid number %q", literal)
	}
	if m[1] != "" {
		exp, err := strconv.Atoi(m[1])
		if err != nil || exp > maxExponent || exp < -maxExponent {
			return nil, fmt.Errorf("canonical json: number exponent out of range in %q", literal)
		}
	}
	r, ok := new(big.Rat).SetString(literal)
	if !ok {
		return nil, fmt.Errorf("canonical json: invalid number %q", literal)
	}
	if r.IsInt() {
		return []byte(r.Num().String()), nil
	}
	return []byte(r.FloatString(decimalPlaces(r.Denom()))), nil
}

// decimalPlaces returns the number of fraction digits needed to write 1/d
// exactly. d comes from a decimal literal, so it only has factors 2 and 5.
func decimalPlaces(d *big.Int) int {
	rest := new(big.Int).Set(d)
	two, five := big.NewInt(2), big.NewInt(5)
	mod := new(big.Int)
	places2, places5 := 0, 0
	for {
		if q, r := new(big.Int).QuoRem(rest, two, mod); r.Sign() == 0 {
			rest, places2 = q, places2+1
			continue
		}
		break
	}
	for {
		if q, r := new(big.Int).QuoRem(rest, five, mod); r.Sign() == 0 {
			rest, places5 = q, places5+1
			continue
		}
		break
	}
	return max(places2, places5)
}

// canonicalFloat renders f through its shortest round-trip literal, so a
// float decoded without UseNumber hashes like the same literal as json.Number.
func canonicalFloat(f float64) ([]byte, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("canonical json: unsupported number %v", f)
	}
	return canonicalNumber(strconv.FormatFloat(f, 'g', -1, 64))
}

func canonicalMapJSON(value map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(value))
	for key := range value {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		data, err := CanonicalJSON(value[key])
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
