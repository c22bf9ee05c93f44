// Package snapshot parses `findmnt -P -o TARGET,FSTYPE,SOURCE,OPTIONS`
// output into a list of mount entries, per spec §4.? / §6. findmnt's
// `-P` format emits one line per mount as space-separated KEY="value"
// pairs, with octal (`\NNN`) and hex (`\xHH`) escapes and an
// odd-trailing-backslash-count rule for embedded quotes.
package snapshot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ssm/suwayomi-merge/internal/errtag"
	"github.com/ssm/suwayomi-merge/internal/procexec"
)

// Entry is one MountSnapshotEntry from spec §3.
type Entry struct {
	Target  string
	FSType  string
	Source  string
	Options string
	Healthy *bool
}

// Identity returns the mount's identity token: the source field, or
// (if empty/generic) the fsname= option, per spec §4.4 rule 4.
func (e Entry) Identity() string {
	if e.Source != "" && e.Source != "mergerfs" {
		return e.Source
	}
	for _, opt := range strings.Split(e.Options, ",") {
		if strings.HasPrefix(opt, "fsname=") {
			return strings.TrimPrefix(opt, "fsname=")
		}
	}
	return e.Source
}

// Runner abstracts process execution so callers can inject a fake in
// tests instead of a mocking framework.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Take runs `findmnt -P -o TARGET,FSTYPE,SOURCE,OPTIONS` and parses its
// output. Collisions on the same mountpoint resolve to first-seen, per
// spec §3.
func Take(ctx context.Context, r Runner) ([]Entry, error) {
	out, err := r.Output(ctx, "findmnt", "-P", "-o", "TARGET,FSTYPE,SOURCE,OPTIONS")
	if err != nil {
		var outErr *procexec.OutputError
		if errors.As(err, &outErr) && outErr.ExitCode == 1 {
			// findmnt exits 1 when there is simply nothing mounted
			// matching the query; that's an empty snapshot, not a failure.
			return nil, nil
		}
		return nil, fmt.Errorf("running findmnt: %w", errtag.CommandFailed)
	}
	return Parse(string(out))
}

// Parse parses findmnt -P output into entries.
func Parse(output string) ([]Entry, error) {
	var entries []Entry
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		kv, err := parseKVLine(line)
		if err != nil {
			return nil, fmt.Errorf("parsing findmnt line %q: %w", line, err)
		}
		target := kv["TARGET"]
		if target == "" || seen[target] {
			continue
		}
		seen[target] = true
		entries = append(entries, Entry{
			Target:  target,
			FSType:  kv["FSTYPE"],
			Source:  kv["SOURCE"],
			Options: kv["OPTIONS"],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning findmnt output: %w", errtag.IoUnavailable)
	}
	return entries, nil
}

// parseKVLine parses a single line of KEY="value" pairs.
func parseKVLine(line string) (map[string]string, error) {
	kv := make(map[string]string)
	i := 0
	n := len(line)
	for i < n {
		for i < n && line[i] == ' ' {
			i++
		}
		if i >= n {
			break
		}
		eq := strings.IndexByte(line[i:], '=')
		if eq < 0 {
			return nil, fmt.Errorf("missing '=' at offset %d", i)
		}
		key := line[i : i+eq]
		i += eq + 1
		if i >= n || line[i] != '"' {
			return nil, fmt.Errorf("expected quote at offset %d", i)
		}
		i++ // skip opening quote

		var val strings.Builder
		for i < n {
			c := line[i]
			if c == '\\' {
				decoded, consumed, err := decodeEscape(line[i:])
				if err != nil {
					return nil, err
				}
				val.WriteString(decoded)
				i += consumed
				continue
			}
			if c == '"' {
				i++
				break
			}
			val.WriteByte(c)
			i++
		}
		kv[key] = val.String()
	}
	return kv, nil
}

// decodeEscape decodes one escape sequence at the start of s (which
// begins with '\\'): \" (a quote), \\ (a backslash), \NNN (octal,
// exactly 3 digits) or \xHH (hex, exactly 2 digits); octal and hex
// escapes decode to the single raw byte they name. Any other backslash
// is passed through literally.
func decodeEscape(s string) (decoded string, consumed int, err error) {
	if len(s) >= 2 && s[1] == '"' {
		return "\"", 2, nil
	}
	if len(s) >= 2 && s[1] == '\\' {
		return "\\", 2, nil
	}
	if len(s) >= 4 && s[1] == 'x' && isHex(s[2]) && isHex(s[3]) {
		v, err := strconv.ParseUint(s[2:4], 16, 8)
		if err != nil {
			return "", 0, err
		}
		return string([]byte{byte(v)}), 4, nil
	}
	if len(s) >= 4 && isOctal(s[1]) && isOctal(s[2]) && isOctal(s[3]) {
		v, err := strconv.ParseUint(s[1:4], 8, 8)
		if err != nil {
			return "", 0, err
		}
		return string([]byte{byte(v)}), 4, nil
	}
	return string(s[0]), 1, nil
}

func isHex(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

func isOctal(b byte) bool { return b >= '0' && b <= '7' }
