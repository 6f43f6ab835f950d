// Package geo resolves client IPs to a coarse location for audit enrichment.
// Lookups never fail from the caller's point of view: errors degrade to
// UnknownLocation.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pedolone/consent-service/internal/logger"
	"github.com/pedolone/consent-service/internal/metrics"
	"github.com/pedolone/consent-service/internal/model"
)

// UnknownLocation is returned when a lookup fails.
var UnknownLocation = model.Location{Country: "Unknown Location", Region: "Unknown Location", City: "Unknown Location"}

// LocalNetwork is returned for loopback and private addresses.
var LocalNetwork = model.Location{Country: "India", Region: "Delhi", City: "New Delhi"}

// DefaultBaseURL is the public ip-api.com JSON endpoint.
const DefaultBaseURL = "http://ip-api.com/json"

// Config controls the resolver.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// Resolver looks up IPs over HTTP with an in-memory cache.
type Resolver struct {
	baseURL string
	client  *http.Client
	cache   *cache.Cache
	sf      singleflight.Group
}

// NewResolver returns a Resolver with defaults applied to zero fields.
func NewResolver(cfg Config) *Resolver {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	return &Resolver{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		cache:   cache.New(cfg.CacheTTL, 10*time.Minute),
	}
}

type apiResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	Country    string `json:"country"`
	RegionName string `json:"regionName"`
	City       string `json:"city"`
}

// Resolve returns the location for ip. Failed lookups are not cached.
func (r *Resolver) Resolve(ctx context.Context, ip string) model.Location {
	ip = strings.TrimSpace(ip)
	if IsLocal(ip) {
		return LocalNetwork
	}
	if v, ok := r.cache.Get(ip); ok {
		return v.(model.Location)
	}
	v, err, _ := r.sf.Do(ip, func() (interface{}, error) {
		loc, err := r.lookup(ctx, ip)
		if err != nil {
			return nil, err
		}
		r.cache.SetDefault(ip, loc)
		return loc, nil
	})
	if err != nil {
		metrics.SideChannelFailure("geo")
		logger.From(ctx).Warn("geo lookup failed", zap.String("ip", ip), logger.Err(err))
		return UnknownLocation
	}
	return v.(model.Location)
}

func (r *Resolver) lookup(ctx context.Context, ip string) (model.Location, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/"+ip, nil)
	if err != nil {
		return model.Location{}, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return model.Location{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return model.Location{}, fmt.Errorf("geo: status %d", resp.StatusCode)
	}
	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return model.Location{}, fmt.Errorf("geo: decode: %w", err)
	}
	if body.Status != "success" {
		return model.Location{}, fmt.Errorf("geo: %s", body.Message)
	}
	loc := model.Location{Country: body.Country, Region: body.RegionName, City: body.City}
	if loc.Country == "" {
		loc.Country = "Unknown"
	}
	return loc, nil
}

// IsLocal reports whether ip is empty, loopback, private or unparseable
// as a public address.
func IsLocal(ip string) bool {
	if ip == "" || strings.EqualFold(ip, "localhost") {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsUnspecified()
}

// Display renders a human readable "city, region, country" label.
func Display(loc model.Location) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{loc.City, loc.Region, loc.Country} {
		if p != "" && p != "Unknown Location" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "Unknown Location"
	}
	return strings.Join(parts, ", ")
}
