package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Identity is a user the load test can connect as.
type Identity struct {
	UserID string
	Token  string
}

// LoadTokens reads identities from r, one "user-id access-token" pair per
// line. Blank lines and lines starting with # are skipped.
func LoadTokens(r io.Reader) ([]Identity, error) {
	var ids []Identity
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("tokens line %d: want \"user-id token\"", line)
		}
		ids = append(ids, Identity{UserID: fields[0], Token: fields[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read tokens: %w", err)
	}
	if len(ids) == 0 {
		return nil, errors.New("tokens: no identities")
	}
	return ids, nil
}

// LoadTokensFile reads identities from path.
func LoadTokensFile(path string) ([]Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadTokens(f)
}
