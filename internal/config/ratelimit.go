package config

import "time"

// RateLimitConfig drives the token bucket middleware. Auth endpoints get
// their own, stricter bucket so credential guessing is throttled
// separately from normal API traffic.
type RateLimitConfig struct {
	Enabled        bool
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
	AuthCapacity   int
	TTL            time.Duration
	KeyStrategy    string // ip, user, ip_user_route
	Prefix         string
}

func LoadRateLimitConfig() RateLimitConfig {
	c := RateLimitConfig{
		Enabled:        envBool("RATE_LIMIT_ENABLED", true),
		Capacity:       envInt("RATE_LIMIT_CAPACITY", 60),
		RefillTokens:   envInt("RATE_LIMIT_REFILL_TOKENS", 1),
		RefillInterval: envDur("RATE_LIMIT_REFILL_INTERVAL", time.Second),
		AuthCapacity:   envInt("RATE_LIMIT_AUTH_CAPACITY", 10),
		TTL:            envDur("RATE_LIMIT_TTL", 10*time.Minute),
		KeyStrategy:    getenv("RATE_LIMIT_KEY_STRATEGY", "ip_user_route"),
		Prefix:         getenv("RATE_LIMIT_PREFIX", "rl"),
	}
	if c.Capacity < 1 {
		c.Capacity = 1
	}
	if c.AuthCapacity < 1 {
		c.AuthCapacity = 1
	}
	if c.RefillTokens < 1 {
		c.RefillTokens = 1
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = time.Second
	}
	if minTTL := 5 * c.RefillInterval; c.TTL < minTTL {
		c.TTL = minTTL
	}
	return c
}

// ForAuth returns a copy using the auth bucket size.
func (c RateLimitConfig) ForAuth() RateLimitConfig {
	c.Capacity = c.AuthCapacity
	c.Prefix += ":auth"
	return c
}
