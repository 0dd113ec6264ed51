package cli

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/tokensign/p11token"
	"github.com/effective-security/tokensign/sign"
	"github.com/effective-security/tokensign/tokenprov"
	"github.com/effective-security/xlog"
	"golang.org/x/net/context"
	"golang.org/x/term"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/tokensign", "cli")

// Cli provides CLI context to run commands
type Cli struct {
	Cfg      string `help:"Location of the token config file" type:"path"`
	Debug    bool   `short:"D" help:"Enable debug mode"`
	LogLevel string `short:"l" help:"Set the logging level (debug|info|warn|error)" default:"error"`

	// Stdin is the source to read from, typically set to os.Stdin
	stdin io.Reader
	// Output is the destination for all output from the command, typically set to os.Stdout
	output io.Writer
	// ErrOutput is the destinaton for errors.
	// If not set, errors will be written to os.StdError
	errOutput io.Writer

	ctx     context.Context
	cfg     *tokenprov.Config
	locator *tokenprov.Locator
	lib     *p11token.Lib
}

// Context for requests
func (c *Cli) Context() context.Context {
	if c.ctx == nil {
		c.ctx = context.Background()
	}
	return c.ctx
}

// Reader is the source to read from, typically set to os.Stdin
func (c *Cli) Reader() io.Reader {
	if c.stdin != nil {
		return c.stdin
	}
	return os.Stdin
}

// WithReader allows to specify a custom reader
func (c *Cli) WithReader(reader io.Reader) *Cli {
	c.stdin = reader
	return c
}

// Writer returns a writer for control output
func (c *Cli) Writer() io.Writer {
	if c.output != nil {
		return c.output
	}
	return os.Stdout
}

// WithWriter allows to specify a custom writer
func (c *Cli) WithWriter(out io.Writer) *Cli {
	c.output = out
	return c
}

// ErrWriter returns a writer for control output
func (c *Cli) ErrWriter() io.Writer {
	if c.errOutput != nil {
		return c.errOutput
	}
	return os.Stderr
}

// WithErrWriter allows to specify a custom error writer
func (c *Cli) WithErrWriter(out io.Writer) *Cli {
	c.errOutput = out
	return c
}

// AfterApply hook loads config
func (c *Cli) AfterApply(app *kong.Kong, vars kong.Vars) error {
	if c.Debug {
		xlog.SetGlobalLogLevel(xlog.DEBUG)
	} else {
		val := strings.TrimLeft(c.LogLevel, "=")
		l, err := xlog.ParseLevel(strings.ToUpper(val))
		if err != nil {
			return errors.WithStack(err)
		}
		xlog.SetGlobalLogLevel(l)
	}

	return nil
}

// WriteJSON prints response to out
func (c *Cli) WriteJSON(value interface{}) error {
	b, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	b = append(b, '\n')
	_, err = c.Writer().Write(b)
	return errors.WithStack(err)
}

// Config loads the token configuration
func (c *Cli) Config() (*tokenprov.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	var err error
	c.cfg, err = tokenprov.LoadConfig(c.Cfg)
	if err != nil {
		return nil, errors.WithMessagef(err, "unable to load config: %s", c.Cfg)
	}
	return c.cfg, nil
}

// Locator returns the provider locator
func (c *Cli) Locator() (*tokenprov.Locator, error) {
	if c.locator != nil {
		return c.locator, nil
	}
	cfg, err := c.Config()
	if err != nil {
		return nil, err
	}
	c.locator = tokenprov.NewLocator(cfg.Candidates(), nil)
	return c.locator, nil
}

// Library locates and opens the provider module
func (c *Cli) Library() (*p11token.Lib, error) {
	if c.lib != nil {
		return c.lib, nil
	}
	locator, err := c.Locator()
	if err != nil {
		return nil, err
	}
	handle, err := locator.Locate()
	if err != nil {
		return nil, err
	}
	c.lib, err = p11token.Open(handle.Path)
	if err != nil {
		return nil, err
	}
	return c.lib, nil
}

// Signer returns the configured signer
func (c *Cli) Signer() (*sign.Signer, error) {
	cfg, err := c.Config()
	if err != nil {
		return nil, err
	}
	return sign.NewSigner(cfg.ArtifactDir, cfg.Roles)
}

// ResolvePin returns the effective PIN: the flag value, a terminal
// prompt when the flag is "-", or the configured default.
func (c *Cli) ResolvePin(pin string) (string, error) {
	if pin == "-" {
		_, _ = c.Writer().Write([]byte("Enter PIN: "))
		pb, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return "", errors.WithMessage(err, "unable to read PIN")
		}
		return strings.TrimSpace(string(pb)), nil
	}
	if pin != "" {
		return pin, nil
	}
	cfg, err := c.Config()
	if err != nil {
		return "", err
	}
	if cfg.Pin == "" {
		return "", errors.Errorf("PIN is required, use --pin flag or %s", tokenprov.EnvPin)
	}
	return cfg.Pin, nil
}
