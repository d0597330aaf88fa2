package parse

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var (
	codeRe  = regexp.MustCompile(`^([A-Za-z]{1,8})[\s#_-]*(\d{1,9})$`)
	spaceRe = regexp.MustCompile(`\s+`)
)

// MachineCode normalizes a typed or scanned machine code to its canonical form, e.g.
// "vc 12", "VC#0012" and "https://rent.example/m/vc-12" all become "VC-0012".
func MachineCode(raw string) (string, error) {
	s := strings.TrimSpace(raw)

	// QR payloads are URLs: prefer ?code=, else the last path segment.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", fmt.Errorf("unable to parse machine url %q: %w", raw, err)
		}
		if c := u.Query().Get("code"); c != "" {
			s = c
		} else {
			segments := strings.Split(strings.Trim(u.Path, "/"), "/")
			s = segments[len(segments)-1]
		}
	}

	s = spaceRe.ReplaceAllString(strings.TrimSpace(s), " ")
	m := codeRe.FindStringSubmatch(s)
	if m == nil {
		return "", fmt.Errorf("unable to parse machine code: %q", raw)
	}

	n, err := strconv.Atoi(m[2])
	if err != nil || n == 0 {
		return "", fmt.Errorf("invalid machine number in %q", raw)
	}
	return fmt.Sprintf("%s-%04d", strings.ToUpper(m[1]), n), nil
}
