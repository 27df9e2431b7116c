package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// stdinReader is shared so buffered input is not lost between prompts.
var stdinReader = bufio.NewReader(os.Stdin)

// promptLine asks a question and returns the trimmed answer, or def when empty.
func promptLine(question, def string) (string, error) {
	if def != "" {
		fmt.Printf("%s [%s]: ", question, def)
	} else {
		fmt.Printf("%s: ", question)
	}
	input, err := stdinReader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && input != "") {
		return "", err
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return def, nil
	}
	return input, nil
}

// promptSecret reads a value without echo when stdin is a terminal.
func promptSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		input, err := stdinReader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && input != "") {
			return "", err
		}
		return strings.TrimSpace(input), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(secret)), nil
}

// confirm asks a yes/no question; anything but y/yes is no.
func confirm(question string) bool {
	answer, err := promptLine(question+" [y/N]", "")
	if err != nil {
		return false
	}
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes"
}
