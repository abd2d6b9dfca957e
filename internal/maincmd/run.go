package maincmd

import (
	"context"
	"fmt"
	"os"

	"github.com/mna/lunes/lang/machine"
	"github.com/mna/lunes/lang/stdlib"
	"github.com/mna/mainer"
	"golang.org/x/exp/slices"
)

// Run compiles and executes each provided file in a fresh state.
func (c *Cmd) Run(ctx context.Context, stdio mainer.Stdio, files []string) error {
	cfg, err := stateConfig(stdio)
	if err != nil {
		return printError(stdio, err)
	}

	files = slices.Clone(files)
	slices.Sort(files)
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return printError(stdio, err)
		}
		if err := runFile(cfg, file); err != nil {
			return printError(stdio, err)
		}
	}
	return nil
}

func runFile(cfg machine.Config, file string) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return err
	}

	s := machine.NewStateWith(cfg)
	defer s.Close()
	stdlib.OpenAll(s)

	if st := s.LoadBuffer(b, file); st != machine.StatusOK {
		msg, _ := s.ToString(-1)
		return fmt.Errorf("%s", msg)
	}
	if st := s.PCall(0, machine.MultRet, 0); st != machine.StatusOK {
		msg, _ := s.ToString(-1)
		return fmt.Errorf("%s", msg)
	}
	return nil
}
