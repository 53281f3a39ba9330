package payment

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Params holds provider parameters prior to canonical encoding. Absent keys
// and keys set to the empty string are left out of the canonical string.
type Params map[string]string

// Set stores a string value.
func (p Params) Set(key, value string) {
	p[key] = value
}

// SetInt stores an integer value. Zero is a real value and is kept.
func (p Params) SetInt(key string, value int64) {
	p[key] = strconv.FormatInt(value, 10)
}

// Canonicalize serialises params as the byte sequence the provider signs:
// keys in byte order, empty values dropped, keys and values query-escaped,
// pairs joined by '&'.
func Canonicalize(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

// signedParams flattens callback values into the parameter set covered by the
// provider signature: only vnp_ keys, first value wins, hash fields removed.
func signedParams(values url.Values) Params {
	out := make(Params, len(values))
	for k, vs := range values {
		if !strings.HasPrefix(k, paramPrefix) || len(vs) == 0 {
			continue
		}
		if k == ParamSecureHash || k == ParamSecureHashType {
			continue
		}
		out[k] = vs[0]
	}
	return out
}
