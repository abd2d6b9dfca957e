package maincmd

import (
	"context"
	"fmt"
	"os"

	"github.com/mna/lunes/lang/scanner"
	"github.com/mna/lunes/lang/token"
	"github.com/mna/mainer"
)

// Tokenize runs the scanner phase only and prints the resulting tokens.
func (c *Cmd) Tokenize(ctx context.Context, stdio mainer.Stdio, files []string) error {
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return printError(stdio, err)
		}

		b, err := os.ReadFile(file)
		if err != nil {
			return printError(stdio, err)
		}

		var (
			s   scanner.Scanner
			el  scanner.ErrorList
			val token.Value
		)
		s.Init(file, b, el.Add)
		for {
			tok := s.Scan(&val)
			if tok == token.EOF {
				break
			}
			fmt.Fprintf(stdio.Stdout, "%s:%d: %s %q\n", file, val.Line, tok, val.Raw)
		}
		if err := el.Err(); err != nil {
			scanner.PrintError(stdio.Stderr, err)
			return err
		}
	}
	return nil
}
