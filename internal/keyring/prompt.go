package keyring

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// PromptToken reads a token without echo from the terminal. When there is
// no terminal, one line is read from in instead.
func PromptToken(host string, in io.Reader) (string, error) {
	fmt.Fprintf(os.Stderr, "Enter token for '%s': ", host)

	// Prefer /dev/tty so piped stdin does not hide the prompt
	fd := -1
	if tty, err := os.Open("/dev/tty"); err == nil {
		defer tty.Close()
		fd = int(tty.Fd())
	} else if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd = int(f.Fd())
	}

	var token string
	if fd >= 0 {
		data, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read token: %w", err)
		}
		token = string(data)
	} else {
		data, err := io.ReadAll(io.LimitReader(in, 64<<10))
		if err != nil {
			return "", fmt.Errorf("failed to read token: %w", err)
		}
		token = string(data)
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("empty token")
	}
	return token, nil
}
