package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// canonicalTimeLayout renders timestamps the way they are hashed: UTC with a
// fixed six-digit fractional second and no zone suffix. Postgres stores
// timestamps at microsecond precision, so hashing at the same precision keeps
// append-time and verify-time renderings identical.
const canonicalTimeLayout = "2006-01-02T15:04:05.000000"

// CanonicalTime formats t for inclusion in a hashed payload.
func CanonicalTime(t time.Time) string {
	return t.UTC().Format(canonicalTimeLayout)
}

// Canonical renders v as canonical JSON: object keys sorted lexicographically,
// compact separators, and a fixed decimal representation for numbers. Two
// calls with logically equal input always produce identical bytes, which is
// what makes entry hashes reproducible.
//
// Supported values are the ones a JSON decode produces (maps, slices,
// strings, float64, bool, nil) plus Go integer types for programmatically
// built payloads. NaN and infinities are rejected.
func Canonical(v interface{}) (string, error) {
	var b strings.Builder
	if err := writeCanonical(&b, v); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeCanonical(b *strings.Builder, v interface{}) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		writeEscaped(b, val)
	case float64:
		return writeNumber(b, val)
	case float32:
		return writeNumber(b, float64(val))
	case int:
		b.WriteString(strconv.Itoa(val))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeEscaped(b, k)
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case []interface{}:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	default:
		return fmt.Errorf("canonical encoding: unsupported type %T", v)
	}
	return nil
}

// writeNumber renders numbers with an explicit decimal point for integral
// floats (1 encodes as "1.0"). JSON decoding turns every number into a
// float64, so without the fixed representation the same feature value could
// hash differently depending on how it was written.
func writeNumber(b *strings.Builder, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canonical encoding: non-finite number %v", f)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	b.WriteString(s)
	if !strings.Contains(s, ".") {
		b.WriteString(".0")
	}
	return nil
}

const hexDigits = "0123456789abcdef"

func writeEscaped(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			if r < 0x20 {
				b.WriteString(`\u00`)
				b.WriteByte(hexDigits[r>>4])
				b.WriteByte(hexDigits[r&0xf])
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}

// HashEntry computes the hex SHA-256 of the canonical payload for a ledger
// entry: the prediction's identity, stored data and timestamp, plus the hash
// of the preceding entry (null for the genesis entry). Every hashed field
// comes from the prediction row or the link, so verification can recompute
// the hash from current storage alone and any later change to the row,
// its timestamp included, shows up as a mismatch.
func HashEntry(rec *PredictionRecord, previousHash *string) (string, error) {
	var prev interface{}
	if previousHash != nil {
		prev = *previousHash
	}

	payload := map[string]interface{}{
		"prediction_id": rec.ID,
		"user_id":       rec.UserID,
		"prediction_data": map[string]interface{}{
			"input_features":    rec.InputFeatures,
			"prediction_result": rec.PredictionResult,
		},
		"timestamp":     CanonicalTime(rec.Timestamp),
		"previous_hash": prev,
	}

	canon, err := Canonical(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:]), nil
}
