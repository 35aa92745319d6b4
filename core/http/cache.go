package http

import (
	"errors"
	stdhttp "net/http"
	"strconv"
	"strings"
	"time"
)

// headers whose presence makes a response private to one client
var uncacheableHeaders = []string{"Set-Cookie", "Vary", "Pragma"}

// CacheTTL computes how long a shared cache may keep a response with
// header h. Only public responses qualify. s-maxage wins over max-age,
// which wins over Expires. Any unparsable input yields no lifetime.
func CacheTTL(h stdhttp.Header, now time.Time) (time.Duration, bool) {
	values := h.Values("Cache-Control")
	if len(values) == 0 {
		return 0, false
	}
	for _, name := range uncacheableHeaders {
		if len(h.Values(name)) > 0 {
			return 0, false
		}
	}

	cc, ok := parseCacheControl(strings.Join(values, ","))
	if !ok || !cc.public {
		return 0, false
	}
	if cc.sharedMaxAge >= 0 {
		return cc.sharedMaxAge, true
	}
	if cc.maxAge >= 0 {
		return cc.maxAge, true
	}

	expires := h.Get("Expires")
	if expires == "" {
		return 0, false
	}
	at, err := stdhttp.ParseTime(expires)
	if err != nil {
		return 0, false
	}
	if ttl := at.Sub(now); ttl > 0 {
		return ttl.Truncate(time.Second), true
	}
	return 0, false
}

// maxDeltaSeconds caps max-age and s-maxage, larger values are treated as
// this many seconds
const maxDeltaSeconds = 1 << 31

type cacheControl struct {
	public       bool
	maxAge       time.Duration
	sharedMaxAge time.Duration
}

func parseCacheControl(v string) (cacheControl, bool) {
	cc := cacheControl{maxAge: -1, sharedMaxAge: -1}
	for directive := range strings.SplitSeq(v, ",") {
		directive = strings.TrimSpace(directive)
		if directive == "" {
			continue
		}
		name, arg, hasArg := strings.Cut(directive, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		arg = strings.Trim(strings.TrimSpace(arg), `"`)

		switch name {
		case "public":
			cc.public = true
		case "max-age", "s-maxage":
			if !hasArg {
				return cc, false
			}
			secs, err := strconv.ParseInt(arg, 10, 64)
			if errors.Is(err, strconv.ErrRange) && !strings.HasPrefix(arg, "-") {
				secs, err = maxDeltaSeconds, nil
			}
			if err != nil || secs < 0 {
				return cc, false
			}
			secs = min(secs, maxDeltaSeconds)
			if name == "max-age" {
				cc.maxAge = time.Duration(secs) * time.Second
			} else {
				cc.sharedMaxAge = time.Duration(secs) * time.Second
			}
		}
	}
	return cc, true
}
