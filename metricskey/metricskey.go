package metricskey

import "github.com/effective-security/metrics"

// Perf
var (
	// PerfTokenOperation is perf metric for PKCS#11 token operations
	PerfTokenOperation = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_token",
		Help:         "perf_token provides the sample metrics of token operations",
		RequiredTags: []string{"provider", "action"},
	}

	// PerfSignRequest is perf metric for signing requests, per role
	PerfSignRequest = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_sign_request",
		Help:         "perf_sign_request provides the sample metrics of signing requests",
		RequiredTags: []string{"role", "mechanism"},
	}
)

// Metrics returns slice of metrics from this repo
var Metrics = []*metrics.Describe{
	&PerfTokenOperation,
	&PerfSignRequest,
}
