// Package ratelimit provides a fixed request cap for tile fetching.
//
// The cap is static for the whole run; nothing here reacts to server
// responses. By default no limit is applied.
//
//	limiter := ratelimit.NewPerMinute(cfg.RateLimit.RequestsPerMinute)
//	if err := limiter.Wait(ctx); err != nil {
//	    return err
//	}
package ratelimit
