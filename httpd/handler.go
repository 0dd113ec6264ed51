package httpd

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/effective-security/tokensign/diagnostic"
	"github.com/effective-security/tokensign/internal/version"
	"github.com/effective-security/tokensign/p11token"
	"github.com/effective-security/tokensign/sign"
	"github.com/effective-security/tokensign/tokenprov"
	"github.com/effective-security/xlog"
	"github.com/jinzhu/copier"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Handler implements the signing API endpoints.
//
// The provider library is opened lazily on the first request that
// needs it and cached for the process lifetime. A locator failure
// degrades /api/token/test to the diagnostic fallback instead of
// failing the request.
type Handler struct {
	cfg     *tokenprov.Config
	locator *tokenprov.Locator
	signer  *sign.Signer
	loader  p11token.CtxLoader

	libOnce sync.Once
	lib     *p11token.Lib
	libErr  error
}

// NewHandler returns a Handler over the located provider.
func NewHandler(cfg *tokenprov.Config, locator *tokenprov.Locator, signer *sign.Signer) *Handler {
	return &Handler{
		cfg:     cfg,
		locator: locator,
		signer:  signer,
		loader:  p11token.DefaultLoader,
	}
}

// WithLoader overrides the PKCS#11 module loader, used in tests.
func (h *Handler) WithLoader(loader p11token.CtxLoader) *Handler {
	h.loader = loader
	return h
}

func (h *Handler) library() (*p11token.Lib, error) {
	h.libOnce.Do(func() {
		handle, err := h.locator.Locate()
		if err != nil {
			h.libErr = err
			return
		}
		h.lib, h.libErr = p11token.OpenWith(handle.Path, h.loader)
	})
	return h.lib, h.libErr
}

// Close releases the provider library at shutdown.
func (h *Handler) Close() {
	if h.lib != nil {
		if err := h.lib.Close(); err != nil {
			logger.KV(xlog.ERROR, "reason", "close_lib", "err", err.Error())
		}
	}
}

// Certificate is the transport view of a token certificate.
type Certificate struct {
	Label     string    `json:"label,omitempty"`
	ID        string    `json:"id,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Issuer    string    `json:"issuer,omitempty"`
	Serial    string    `json:"serial,omitempty"`
	NotBefore time.Time `json:"not_before,omitempty"`
	NotAfter  time.Time `json:"not_after,omitempty"`
	PEM       string    `json:"pem,omitempty"`
}

// API request and response shapes.
type (
	// TokenRequest carries the caller PIN.
	TokenRequest struct {
		Pin string `json:"pin"`
	}

	// SignRequest is the signing request body.
	SignRequest struct {
		Data           any    `json:"data"`
		Pin            string `json:"pin"`
		SubmissionType string `json:"submission_type"`
	}

	// HealthResponse reports process liveness.
	HealthResponse struct {
		Status    string `json:"status"`
		Version   string `json:"version"`
		Timestamp string `json:"timestamp"`
	}

	// TestResponse reports token presence and PIN verification.
	// Degraded responses carry the diagnostic fallback payload.
	TestResponse struct {
		TokenPresent bool                     `json:"token_present"`
		PinVerified  bool                     `json:"pin_verified"`
		Degraded     bool                     `json:"degraded,omitempty"`
		Diagnostics  *diagnostic.DeviceStatus `json:"diagnostics,omitempty"`
		Probes       []tokenprov.ProbeOutcome `json:"probes,omitempty"`
	}

	// CertificatesResponse lists token certificates.
	CertificatesResponse struct {
		Certificates []Certificate `json:"certificates"`
		Count        int           `json:"count"`
	}

	// SignResponse carries one signature per required role.
	SignResponse struct {
		Signatures     []sign.Result `json:"signatures"`
		SubmissionType string        `json:"submission_type"`
	}

	// InfoResponse describes the module and its tokens.
	InfoResponse struct {
		Slots     []uint              `json:"slots"`
		TokenInfo []p11token.TokenInfo `json:"token_info"`
		Module    string              `json:"module"`
	}

	// ErrorResponse is the uniform error body.
	ErrorResponse struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
)

// HandleHealth serves GET /health.
// It succeeds once the process is up, independent of the provider.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Version:   version.Current().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleTest serves POST /api/token/test.
func (h *Handler) HandleTest(w http.ResponseWriter, r *http.Request) {
	req := TokenRequest{}
	if !h.decode(w, r, &req) {
		return
	}
	pin, ok := h.resolvePin(w, req.Pin)
	if !ok {
		return
	}

	lib, err := h.library()
	if err != nil {
		kind := p11token.KindOf(err)
		if kind == p11token.KindNoProviderFound || kind == p11token.KindProviderLoadFailed {
			// degraded mode: report what the host OS can see
			status := diagnostic.Detect(r.Context())
			writeJSON(w, http.StatusOK, TestResponse{
				Degraded:    true,
				Diagnostics: &status,
				Probes:      h.locator.Outcomes(),
			})
			return
		}
		writeError(w, err)
		return
	}

	err = lib.WithSession(r.Context(), pin, func(*p11token.Session) error {
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TestResponse{
		TokenPresent: true,
		PinVerified:  true,
	})
}

// HandleCertificates serves POST /api/token/certificates.
func (h *Handler) HandleCertificates(w http.ResponseWriter, r *http.Request) {
	req := TokenRequest{}
	if !h.decode(w, r, &req) {
		return
	}
	pin, ok := h.resolvePin(w, req.Pin)
	if !ok {
		return
	}
	lib, err := h.library()
	if err != nil {
		writeError(w, err)
		return
	}

	var records []p11token.CertificateRecord
	err = lib.WithSession(r.Context(), pin, func(sess *p11token.Session) error {
		records, err = sess.Certificates()
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}

	certs := make([]Certificate, 0, len(records))
	if err := copier.Copy(&certs, &records); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CertificatesResponse{
		Certificates: certs,
		Count:        len(certs),
	})
}

// HandleSign serves POST /api/token/sign.
func (h *Handler) HandleSign(w http.ResponseWriter, r *http.Request) {
	req := SignRequest{}
	if !h.decode(w, r, &req) {
		return
	}
	pin, ok := h.resolvePin(w, req.Pin)
	if !ok {
		return
	}
	if req.Data == nil {
		writeStatus(w, http.StatusBadRequest, "invalid_request", "data is required")
		return
	}
	if _, err := sign.Roles(req.SubmissionType); err != nil {
		writeStatus(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	lib, err := h.library()
	if err != nil {
		writeError(w, err)
		return
	}

	var results []sign.Result
	err = lib.WithSession(r.Context(), pin, func(sess *p11token.Session) error {
		results, err = h.signer.Sign(sess, req.Data, req.SubmissionType)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}

	submissionType := req.SubmissionType
	if submissionType == "" {
		submissionType = string(sign.RoleTaxpayer)
	}
	writeJSON(w, http.StatusOK, SignResponse{
		Signatures:     results,
		SubmissionType: submissionType,
	})
}

// HandleInfo serves POST /api/token/info.
func (h *Handler) HandleInfo(w http.ResponseWriter, r *http.Request) {
	req := TokenRequest{}
	if !h.decode(w, r, &req) {
		return
	}

	lib, err := h.library()
	if err != nil {
		writeError(w, err)
		return
	}
	tokens, err := lib.TokensInfo()
	if err != nil {
		writeError(w, err)
		return
	}

	slots := make([]uint, 0, len(tokens))
	for _, ti := range tokens {
		slots = append(slots, ti.SlotID)
	}
	writeJSON(w, http.StatusOK, InfoResponse{
		Slots:     slots,
		TokenInfo: tokens,
		Module:    lib.Module(),
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeStatus(w, http.StatusBadRequest, "invalid_request", "unable to decode request body")
		return false
	}
	return true
}

func (h *Handler) resolvePin(w http.ResponseWriter, pin string) (string, bool) {
	if pin == "" {
		pin = h.cfg.Pin
	}
	if pin == "" {
		writeStatus(w, http.StatusBadRequest, "invalid_request", "pin is required")
		return "", false
	}
	return pin, true
}

// kindStatuses maps failure kinds to HTTP statuses.
var kindStatuses = map[p11token.Kind]int{
	p11token.KindNoProviderFound:      http.StatusServiceUnavailable,
	p11token.KindProviderLoadFailed:   http.StatusServiceUnavailable,
	p11token.KindTokenAbsent:          http.StatusNotFound,
	p11token.KindPinIncorrect:         http.StatusUnauthorized,
	p11token.KindTokenBusy:            http.StatusServiceUnavailable,
	p11token.KindMechanismUnsupported: http.StatusInternalServerError,
	p11token.KindSignatureInvalid:     http.StatusInternalServerError,
	p11token.KindTimeout:              http.StatusGatewayTimeout,
	p11token.KindProvider:             http.StatusInternalServerError,
}

// kindMessages are the user-facing texts per kind.
// Raw provider errors stay in the logs.
var kindMessages = map[p11token.Kind]string{
	p11token.KindNoProviderFound:      "no cryptographic provider available",
	p11token.KindProviderLoadFailed:   "cryptographic provider failed to load",
	p11token.KindTokenAbsent:          "token is not present",
	p11token.KindPinIncorrect:         "PIN verification failed",
	p11token.KindTokenBusy:            "token is busy, retry the request",
	p11token.KindMechanismUnsupported: "mechanism not supported by the token",
	p11token.KindSignatureInvalid:     "signature validation failed",
	p11token.KindTimeout:              "token operation timed out",
	p11token.KindProvider:             "token operation failed",
}

func writeError(w http.ResponseWriter, err error) {
	kind := p11token.KindOf(err)
	logger.KV(xlog.ERROR, "kind", kind.String(), "err", err.Error())

	status, ok := kindStatuses[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	if kind.Retryable() {
		w.Header().Set("Retry-After", "1")
	}
	msg, ok := kindMessages[kind]
	if !ok {
		msg = kindMessages[p11token.KindProvider]
	}
	writeStatus(w, status, kind.String(), msg)
}

func writeStatus(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:   kind,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.KV(xlog.ERROR, "reason", "encode_response", "err", err.Error())
	}
}
