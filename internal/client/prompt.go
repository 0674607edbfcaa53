package client

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/atinyakov/GophSSO/internal/models"
	"golang.org/x/term"
)

// Prompter reads interactive input. Secrets are read without echo when
// the input is a terminal.
type Prompter struct {
	in      *bufio.Scanner
	out     io.Writer
	inFD    int
	isTerm  func(fd int) bool
	readPwd func(fd int) ([]byte, error)
}

// NewPrompter returns a prompter reading from in and writing prompts to out.
// Pass os.Stdin to get hidden secret input on terminals.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	p := &Prompter{
		in:      bufio.NewScanner(in),
		out:     out,
		inFD:    -1,
		isTerm:  term.IsTerminal,
		readPwd: term.ReadPassword,
	}
	if f, ok := in.(*os.File); ok {
		p.inFD = int(f.Fd())
	}
	return p
}

// Line prints label and returns the trimmed line read.
func (p *Prompter) Line(label string) string {
	fmt.Fprint(p.out, label)
	if !p.in.Scan() {
		return ""
	}
	return strings.TrimSpace(p.in.Text())
}

// Secret prints label and reads a line without echo on terminals.
func (p *Prompter) Secret(label string) (string, error) {
	fmt.Fprint(p.out, label)
	if p.inFD >= 0 && p.isTerm(p.inFD) {
		b, err := p.readPwd(p.inFD)
		fmt.Fprintln(p.out)
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return string(b), nil
	}
	if !p.in.Scan() {
		return "", io.ErrUnexpectedEOF
	}
	return p.in.Text(), nil
}

// Identity asks for the fields of a new identity. Realms are entered as a
// comma separated list.
func (p *Prompter) Identity() (*models.Identity, error) {
	ident := &models.Identity{}
	ident.Caption = p.Line("Caption: ")
	ident.Username = p.Line("Username: ")
	password, err := p.Secret("Password (leave empty to not store one): ")
	if err != nil {
		return nil, err
	}
	if password != "" {
		ident.Password = password
		ident.SetFlag(models.FlagRememberPassword, true)
	}
	if t := p.Line("Type (0 other, 1 application, 2 web, 3 network): "); t != "" {
		n, err := strconv.Atoi(t)
		if err != nil || n < 0 || n > int(models.TypeNetwork) {
			return nil, fmt.Errorf("invalid type %q", t)
		}
		ident.Type = models.IdentityType(n)
	}
	for _, r := range strings.Split(p.Line("Realms: "), ",") {
		if r = strings.TrimSpace(r); r != "" {
			ident.Realms = append(ident.Realms, r)
		}
	}
	return ident, nil
}
