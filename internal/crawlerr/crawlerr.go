// Package crawlerr defines the sentinel error kinds the crawler raises,
// so callers can classify failures with errors.Is/errors.As instead of
// matching on message text.
package crawlerr

import "errors"

var (
	ErrConfigMissing   = errors.New("config_missing")
	ErrConfigMalformed = errors.New("config_malformed")

	ErrURLInvalid = errors.New("url_invalid")

	ErrScriptMissing          = errors.New("script_missing")
	ErrScriptError            = errors.New("script_error")
	ErrScriptReturnedNonTable = errors.New("script_returned_non_table")
	ErrScriptNoResults        = errors.New("script_no_results")

	ErrFetchTransport      = errors.New("fetch_transport_error")
	ErrFetchTLSVerify      = errors.New("fetch_tls_verification")
	ErrFetchHTTP2Truncated = errors.New("fetch_http2_truncation")

	ErrAIADiscoveryEmpty = errors.New("aia_discovery_empty")
	ErrAIAFetchFailed    = errors.New("aia_fetch_failed")
	ErrAIAPemUnparseable = errors.New("aia_pem_unparseable")

	ErrCacheIO = errors.New("cache_io_error")
	ErrSeedIO  = errors.New("seed_io_error")
)

// Kind classifies err against the sentinels above, returning "" for an
// error this package doesn't recognize.
func Kind(err error) string {
	for _, sentinel := range []error{
		ErrConfigMissing, ErrConfigMalformed,
		ErrURLInvalid,
		ErrScriptMissing, ErrScriptError, ErrScriptReturnedNonTable, ErrScriptNoResults,
		ErrFetchTransport, ErrFetchTLSVerify, ErrFetchHTTP2Truncated,
		ErrAIADiscoveryEmpty, ErrAIAFetchFailed, ErrAIAPemUnparseable,
		ErrCacheIO, ErrSeedIO,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return ""
}
