package cli

import (
	"encoding/json"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/tokensign/diagnostic"
	"github.com/effective-security/tokensign/p11token"
	"github.com/effective-security/tokensign/sign"
)

// TokenCmd is the parent for token commands
type TokenCmd struct {
	List TokenLsCmd   `cmd:"" help:"list certificates on the token"`
	Test TokenTestCmd `cmd:"" help:"verify token presence and PIN"`
	Sign TokenSignCmd `cmd:"" help:"sign a JSON payload"`
	Info TokenInfoCmd `cmd:"" help:"print slot and token information"`
}

// TokenLsCmd lists certificates
type TokenLsCmd struct {
	Pin string `help:"token PIN, use - to prompt"`
}

// Run the command
func (a *TokenLsCmd) Run(ctx *Cli) error {
	pin, err := ctx.ResolvePin(a.Pin)
	if err != nil {
		return err
	}
	lib, err := ctx.Library()
	if err != nil {
		return err
	}

	var records []p11token.CertificateRecord
	err = lib.WithSession(ctx.Context(), pin, func(sess *p11token.Session) error {
		records, err = sess.Certificates()
		return err
	})
	if err != nil {
		return err
	}
	return ctx.WriteJSON(records)
}

// TokenTestCmd verifies token presence and PIN
type TokenTestCmd struct {
	Pin string `help:"token PIN, use - to prompt"`
}

// Run the command
func (a *TokenTestCmd) Run(ctx *Cli) error {
	pin, err := ctx.ResolvePin(a.Pin)
	if err != nil {
		return err
	}
	lib, err := ctx.Library()
	if err != nil {
		return err
	}

	err = lib.WithSession(ctx.Context(), pin, func(*p11token.Session) error {
		return nil
	})
	if err != nil {
		return err
	}
	return ctx.WriteJSON(map[string]bool{
		"token_present": true,
		"pin_verified":  true,
	})
}

// TokenSignCmd signs a JSON payload from a file or stdin
type TokenSignCmd struct {
	Pin            string `help:"token PIN, use - to prompt"`
	SubmissionType string `help:"taxpayer|intermediary" default:"taxpayer"`
	In             string `help:"payload file, defaults to stdin" type:"path"`
}

// Run the command
func (a *TokenSignCmd) Run(ctx *Cli) error {
	pin, err := ctx.ResolvePin(a.Pin)
	if err != nil {
		return err
	}

	var payload any
	dec := json.NewDecoder(ctx.Reader())
	if a.In != "" {
		f, err := os.Open(a.In)
		if err != nil {
			return errors.WithStack(err)
		}
		defer f.Close()
		dec = json.NewDecoder(f)
	}
	if err := dec.Decode(&payload); err != nil {
		return errors.WithMessage(err, "unable to decode payload")
	}

	signer, err := ctx.Signer()
	if err != nil {
		return err
	}
	lib, err := ctx.Library()
	if err != nil {
		return err
	}

	var results []sign.Result
	err = lib.WithSession(ctx.Context(), pin, func(sess *p11token.Session) error {
		results, err = signer.Sign(sess, payload, a.SubmissionType)
		return err
	})
	if err != nil {
		return err
	}
	return ctx.WriteJSON(results)
}

// TokenInfoCmd prints slot and token information
type TokenInfoCmd struct{}

// Run the command
func (a *TokenInfoCmd) Run(ctx *Cli) error {
	lib, err := ctx.Library()
	if err != nil {
		return err
	}
	tokens, err := lib.TokensInfo()
	if err != nil {
		return err
	}
	return ctx.WriteJSON(map[string]any{
		"module":     lib.Module(),
		"token_info": tokens,
	})
}

// DiagCmd runs the smart-card diagnostic fallback
type DiagCmd struct{}

// Run the command
func (a *DiagCmd) Run(ctx *Cli) error {
	locator, err := ctx.Locator()
	if err != nil {
		return err
	}
	_, locErr := locator.Locate()

	out := map[string]any{
		"probes": locator.Outcomes(),
	}
	if locErr != nil {
		status := diagnostic.Detect(ctx.Context())
		out["provider"] = locErr.Error()
		out["diagnostics"] = status
	}
	return ctx.WriteJSON(out)
}
