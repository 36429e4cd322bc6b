// Package depotpath handles the percent-encoding Perforce applies to a
// handful of special characters in depot paths.
package depotpath

import "strings"

// decodeTable maps the encoded triplet to the original character.
var decodeTable = map[string]byte{
	"%40": '@',
	"%23": '#',
	"%2A": '*',
	"%25": '%',
}

// encodeTable is the inverse of decodeTable.
var encodeTable = map[byte]string{
	'@': "%40",
	'#': "%23",
	'*': "%2A",
	'%': "%25",
}

// Decode reverses Perforce's depot-path percent-encoding. Unknown %xx
// sequences pass through unchanged.
func Decode(input string) string {
	if !strings.Contains(input, "%") {
		return input
	}
	var b strings.Builder
	b.Grow(len(input))
	for i := 0; i < len(input); i++ {
		if input[i] == '%' && i+2 < len(input) {
			triplet := input[i : i+3]
			if ch, ok := decodeTable[triplet]; ok {
				b.WriteByte(ch)
				i += 2
				continue
			}
		}
		b.WriteByte(input[i])
	}
	return b.String()
}

// Encode applies Perforce's depot-path percent-encoding in the direction
// used when sending a path back to the depot. Single-pass so a '%'
// introduced by encoding another character is never re-encoded.
func Encode(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for i := 0; i < len(input); i++ {
		if enc, ok := encodeTable[input[i]]; ok {
			b.WriteString(enc)
			continue
		}
		b.WriteByte(input[i])
	}
	return b.String()
}
