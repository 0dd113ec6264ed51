package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/effective-security/tokensign/cmd/tokensign/cli"
	"github.com/effective-security/tokensign/internal/version"
	"github.com/effective-security/x/ctl"
)

type app struct {
	cli.Cli

	Serve cli.ServeCmd `cmd:"" help:"Run the local signing API server"`
	Token cli.TokenCmd `cmd:"" help:"Token commands"`
	Diag  cli.DiagCmd  `cmd:"" help:"Run smart-card diagnostics"`
}

func main() {
	realMain(os.Args, os.Stdout, os.Stderr, os.Exit)
}

func realMain(args []string, out io.Writer, errout io.Writer, exit func(int)) {
	cl := app{
		Cli: cli.Cli{},
	}
	cl.Cli.WithErrWriter(errout).
		WithWriter(out)

	parser, err := kong.New(&cl,
		kong.Name("tokensign"),
		kong.Description("Local signing service for PKCS#11 hardware tokens"),
		kong.Writers(out, errout),
		kong.Exit(exit),
		ctl.BoolPtrMapper,
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version.Current().String(),
		})
	if err != nil {
		panic(err)
	}

	ctx, err := parser.Parse(args[1:])
	parser.FatalIfErrorf(err)

	if ctx != nil {
		if cl.Debug {
			// echo the command line when debugging
			_, _ = fmt.Fprintf(ctx.Stdout, "#\n# %s\n#\n", strings.Join(args, " "))
		}
		err = ctx.Run(&cl.Cli)
		ctx.FatalIfErrorf(err)
	}
}
