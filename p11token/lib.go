package p11token

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/tokensign", "p11token")

// Lib is an initialized PKCS#11 module.
// It is created once at startup, shared read-only between requests,
// and finalized at process shutdown.
type Lib struct {
	ctx    Ctx
	module string
}

// Open loads and initializes the module at the given path.
func Open(module string) (*Lib, error) {
	return OpenWith(module, DefaultLoader)
}

// OpenWith loads the module using a custom loader.
func OpenWith(module string, loader CtxLoader) (*Lib, error) {
	ctx := loader(module)
	if ctx == nil {
		return nil, Errorf(KindProviderLoadFailed, "unable to load module: %s", module)
	}
	if err := ctx.Initialize(); err != nil {
		ctx.Destroy()
		return nil, NewError(KindProviderLoadFailed, errors.WithMessagef(err, "initialize module: %s", module))
	}

	info, err := ctx.GetInfo()
	if err != nil {
		_ = ctx.Finalize()
		ctx.Destroy()
		return nil, NewError(KindProviderLoadFailed, errors.WithMessagef(err, "module info: %s", module))
	}
	logger.KV(xlog.INFO,
		"module", module,
		"manufacturer", strings.TrimSpace(info.ManufacturerID),
		"description", strings.TrimSpace(info.LibraryDescription),
	)

	return &Lib{
		ctx:    ctx,
		module: module,
	}, nil
}

// Probe checks that the module at path loads and exposes a working
// function table, then unloads it. Used by the provider locator,
// a probe failure is non-fatal and advances to the next candidate.
func Probe(module string, loader CtxLoader) error {
	if loader == nil {
		loader = DefaultLoader
	}
	ctx := loader(module)
	if ctx == nil {
		return Errorf(KindProviderLoadFailed, "unable to load module: %s", module)
	}
	defer ctx.Destroy()

	if err := ctx.Initialize(); err != nil {
		return NewError(KindProviderLoadFailed, errors.WithMessagef(err, "initialize module: %s", module))
	}
	defer func() {
		_ = ctx.Finalize()
	}()

	if _, err := ctx.GetInfo(); err != nil {
		return NewError(KindProviderLoadFailed, errors.WithMessagef(err, "module info: %s", module))
	}
	return nil
}

// Module returns the module path the library was loaded from.
func (l *Lib) Module() string {
	return l.module
}

// Close finalizes and unloads the module.
func (l *Lib) Close() error {
	err := l.ctx.Finalize()
	l.ctx.Destroy()
	if err != nil {
		return errors.WithMessagef(err, "finalize module: %s", l.module)
	}
	return nil
}

// firstSlotWithToken returns the first slot with a token present.
// Most consumer tokens expose a single slot.
func (l *Lib) firstSlotWithToken() (uint, error) {
	slots, err := l.ctx.GetSlotList(true)
	if err != nil {
		return 0, Classify(err)
	}
	if len(slots) == 0 {
		return 0, Errorf(KindTokenAbsent, "no token present")
	}
	return slots[0], nil
}
