package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/effective-security/tokensign/httpd"
	"github.com/effective-security/xlog"
)

// ServeCmd runs the local signing API server
type ServeCmd struct {
	Listen string `help:"address to listen on, overrides config"`
}

// Run the command
func (a *ServeCmd) Run(ctx *Cli) error {
	cfg, err := ctx.Config()
	if err != nil {
		return err
	}

	signer, err := ctx.Signer()
	if err != nil {
		// unable to create the artifact dir, fatal at boot
		return err
	}

	locator, err := ctx.Locator()
	if err != nil {
		return err
	}
	if _, err := locator.Locate(); err != nil {
		// not fatal: requests degrade to diagnostics
		logger.KV(xlog.WARNING, "reason", "locate_provider", "err", err.Error())
	}

	listen := a.Listen
	if listen == "" {
		listen = cfg.ListenAddr
	}

	handler := httpd.NewHandler(cfg, locator, signer)
	defer handler.Close()

	srv := httpd.New(&httpd.Config{ListenAddr: listen}, handler)
	srv.RunInBackground()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	srv.Shutdown()
	return nil
}
