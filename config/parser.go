// Packet template parsing. This is the "configuration parser" collaborator
// spec.md names as an external, contract-only dependency; it is
// intentionally a small subset of the original trafgen DSL, sufficient to
// drive the mutator/ring/slowpath paths end to end, not a full
// reimplementation of the original C-preprocessor-fed grammar.
package config

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/momentics/trafgen/packet"
)

// ErrParse is wrapped around any syntax error encountered while parsing a
// packet template line.
var ErrParse = fmt.Errorf("packet template parse error")

var tokenRe = regexp.MustCompile(`^(fill|rnd|counter|csumip|csumudp|csumtcp)\(([^)]*)\)$`)

// Parse reads a sequence of packet templates from r: one non-blank,
// non-comment line per template, tokens comma-separated, e.g.
//
//	fill(0xff, 6), 0x08, 0x00, counter(0,3,1,inc), csumip(0,13)
//
// It returns parallel Packet/Dynamic slices (plen == dlen, per spec.md
// §3's invariant).
func Parse(r io.Reader) ([]packet.Packet, []packet.Dynamic, error) {
	var packets []packet.Packet
	var dyns []packet.Dynamic

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		line = strings.Trim(line, "{}")
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}

		pkt, dyn, err := parseLine(line)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: line %d: %v", ErrParse, lineNo, err)
		}
		packets = append(packets, pkt)
		dyns = append(dyns, dyn)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return packets, dyns, nil
}

func parseLine(line string) (packet.Packet, packet.Dynamic, error) {
	var payload []byte
	var dyn packet.Dynamic

	for _, tok := range splitTopLevelCommas(line) {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}

		if m := tokenRe.FindStringSubmatch(tok); m != nil {
			name, args := m[1], splitTopLevelCommas(m[2])
			var err error
			payload, err = applyDirective(name, args, payload, &dyn)
			if err != nil {
				return packet.Packet{}, packet.Dynamic{}, fmt.Errorf("%s(...): %w", name, err)
			}
			continue
		}

		if strings.HasPrefix(tok, `"`) && strings.HasSuffix(tok, `"`) && len(tok) >= 2 {
			payload = append(payload, []byte(tok[1:len(tok)-1])...)
			continue
		}

		b, err := parseByteLiteral(tok)
		if err != nil {
			return packet.Packet{}, packet.Dynamic{}, err
		}
		payload = append(payload, b)
	}

	return packet.Packet{Payload: payload, Len: len(payload)}, dyn, nil
}

func applyDirective(name string, args []string, payload []byte, dyn *packet.Dynamic) ([]byte, error) {
	switch name {
	case "fill":
		if len(args) != 2 {
			return nil, fmt.Errorf("want 2 args, got %d", len(args))
		}
		b, err := parseByteLiteral(strings.TrimSpace(args[0]))
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(strings.TrimSpace(args[1]))
		if err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			payload = append(payload, b)
		}
		return payload, nil

	case "rnd":
		n, err := strconv.Atoi(strings.TrimSpace(args[0]))
		if err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			dyn.Randomizers = append(dyn.Randomizers, packet.Randomizer{Off: len(payload)})
			payload = append(payload, 0)
		}
		return payload, nil

	case "counter":
		if len(args) != 4 {
			return nil, fmt.Errorf("want 4 args (min,max,inc,type), got %d", len(args))
		}
		min, err := strconv.Atoi(strings.TrimSpace(args[0]))
		if err != nil {
			return nil, err
		}
		max, err := strconv.Atoi(strings.TrimSpace(args[1]))
		if err != nil {
			return nil, err
		}
		inc, err := strconv.Atoi(strings.TrimSpace(args[2]))
		if err != nil {
			return nil, err
		}
		typ := packet.CounterInc
		if strings.TrimSpace(args[3]) == "dec" {
			typ = packet.CounterDec
		}
		dyn.Counters = append(dyn.Counters, packet.Counter{
			Off: len(payload), Val: min, Min: min, Max: max, Inc: inc, Type: typ,
		})
		payload = append(payload, 0)
		return payload, nil

	case "csumip", "csumudp", "csumtcp":
		if len(args) != 2 {
			return nil, fmt.Errorf("want 2 args (from,to), got %d", len(args))
		}
		from, err := strconv.Atoi(strings.TrimSpace(args[0]))
		if err != nil {
			return nil, err
		}
		to, err := strconv.Atoi(strings.TrimSpace(args[1]))
		if err != nil {
			return nil, err
		}
		kind := packet.ChecksumIP
		switch name {
		case "csumudp":
			kind = packet.ChecksumUDP
		case "csumtcp":
			kind = packet.ChecksumTCP
		}
		dyn.Checksums = append(dyn.Checksums, packet.Checksum{
			Off: len(payload), From: from, To: to, Which: kind,
		})
		payload = append(payload, 0, 0)
		return payload, nil
	}
	return payload, fmt.Errorf("unknown directive %q", name)
}

func parseByteLiteral(tok string) (byte, error) {
	var v int64
	var err error
	switch {
	case strings.HasPrefix(tok, "0x"), strings.HasPrefix(tok, "0X"):
		v, err = strconv.ParseInt(tok[2:], 16, 16)
	case strings.HasPrefix(tok, "0b"), strings.HasPrefix(tok, "0B"):
		v, err = strconv.ParseInt(tok[2:], 2, 16)
	default:
		v, err = strconv.ParseInt(tok, 10, 16)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid byte literal %q: %w", tok, err)
	}
	if v < 0 || v > 0xff {
		return 0, fmt.Errorf("byte literal %q out of range", tok)
	}
	return byte(v), nil
}

// splitTopLevelCommas splits s on commas that are not nested inside
// parentheses, so "fill(0xff, 6), 0x08" splits into two tokens, not four.
func splitTopLevelCommas(s string) []string {
	var out []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}
