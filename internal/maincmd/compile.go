package maincmd

import (
	"context"
	"os"

	"github.com/mna/lunes/lang/compiler"
	"github.com/mna/mainer"
)

// Compile compiles each provided file, writing either the precompiled chunk
// (next to the source, or to the -o file) or a bytecode listing with --list.
func (c *Cmd) Compile(ctx context.Context, stdio mainer.Stdio, files []string) error {
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return printError(stdio, err)
		}

		b, err := os.ReadFile(file)
		if err != nil {
			return printError(stdio, err)
		}
		proto, err := compiler.Compile(file, b)
		if err != nil {
			return printError(stdio, err)
		}

		if c.List {
			if err := compiler.Disasm(proto, stdio.Stdout); err != nil {
				return printError(stdio, err)
			}
			continue
		}

		out := c.OutFile
		if out == "" {
			out = file + "c"
		}
		f, err := os.Create(out)
		if err != nil {
			return printError(stdio, err)
		}
		err = compiler.Dump(proto, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return printError(stdio, err)
		}
	}
	return nil
}
