package flow

import (
	"strconv"
	"strings"
)

var protoNumbers = map[string]int{
	"hopopt": 0,
	"icmp":   1,
	"igmp":   2,
	"ipip":   4,
	"tcp":    6,
	"egp":    8,
	"udp":    17,
	"ipv6":   41,
	"gre":    47,
	"esp":    50,
	"ah":     51,
	"icmpv6": 58,
	"ospf":   89,
	"sctp":   132,
}

// ProtoCode maps a protocol name or number to its IANA number.
// Unknown and malformed values share the ProtoUnknown bucket.
func ProtoCode(proto string) int {
	p := strings.ToLower(strings.TrimSpace(proto))
	if p == "" {
		return ProtoUnknown
	}
	if n, ok := protoNumbers[p]; ok {
		return n
	}
	if n, err := strconv.Atoi(p); err == nil && n >= 0 && n <= 255 {
		return n
	}
	// Some exporters write floats ("6.0").
	if f, err := strconv.ParseFloat(p, 64); err == nil && f >= 0 && f <= 255 && f == float64(int(f)) {
		return int(f)
	}
	return ProtoUnknown
}

// TCP flag bits, in header order.
const (
	FlagFIN uint8 = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
)

var flagNames = map[string]uint8{
	"FIN": FlagFIN,
	"SYN": FlagSYN,
	"RST": FlagRST,
	"PSH": FlagPSH,
	"ACK": FlagACK,
	"URG": FlagURG,
	"ECE": FlagECE,
	"CWR": FlagCWR,
}

var flagLetters = map[rune]uint8{
	'F': FlagFIN,
	'S': FlagSYN,
	'R': FlagRST,
	'P': FlagPSH,
	'A': FlagACK,
	'U': FlagURG,
	'E': FlagECE,
	'C': FlagCWR,
}

// FlagsCode converts a TCP flag description to a bitmask. It accepts
// numeric forms ("18", "0x12"), named lists ("SYN|ACK", "syn,ack") and
// letter strings ("SA", "S.A"). Unrecognized tokens are ignored.
func FlagsCode(flags string) uint8 {
	s := strings.ToUpper(strings.TrimSpace(flags))
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseUint(s, 0, 8); err == nil {
		return uint8(n)
	}
	if strings.HasPrefix(s, "0X") {
		if n, err := strconv.ParseUint(s[2:], 16, 8); err == nil {
			return uint8(n)
		}
	}

	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return r == '|' || r == ',' || r == ' ' || r == '+' || r == ';'
	})
	var mask uint8
	for _, tok := range tokens {
		if bit, ok := flagNames[tok]; ok {
			mask |= bit
			continue
		}
		for _, r := range tok {
			mask |= flagLetters[r]
		}
	}
	return mask
}
