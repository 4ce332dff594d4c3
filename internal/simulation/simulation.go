// Package simulation generates synthetic trial traffic for demos and load tests.
//
// A Generator mixes three behavioral profiles across a small pool of accounts
// per profile so that state aggregates visibly over a run.
package simulation

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/opensource-finance/trialguard/internal/domain"
)

// Default simulated resources and endpoints.
var (
	DefaultResources = []string{"DB_SHARD_1", "API_GATEWAY", "EXPORT_WORKER", "AUTH_SERVICE"}
	DefaultEndpoints = []string{"LOGIN", "VIEW_DASHBOARD", "API_CALL", "EXPORT_DATA", "CHECKOUT_ATTEMPT"}
	DefaultTenants   = []string{"Tenant_A", "Tenant_B"}
)

// Profile parameterizes one kind of simulated trial user. All profiles share
// the same generator; only these numbers differ.
type Profile struct {
	Name string
	Base string // account id prefix

	// Share is the relative frequency of the profile in the mix.
	Share float64

	// Per-event probabilities. Whatever remains is a plain request.
	ClaimRate      float64
	SignupRate     float64
	ConversionRate float64

	// ReleaseRatio is the chance a held claim is released instead of a new request.
	ReleaseRatio float64

	// SignatureRepeat is the chance the event reuses the profile's fixed signature.
	SignatureRepeat float64

	RequestInterval time.Duration
	Endpoints       []string
	Resources       []string
}

// Abusive is a scraper: rapid, identical API calls that hoard an expensive worker.
func Abusive() Profile {
	return Profile{
		Name:            "ABUSIVE",
		Base:            "bad_actor",
		Share:           0.2,
		ClaimRate:       0.6,
		ReleaseRatio:    0.05,
		SignatureRepeat: 0.95,
		RequestInterval: 200 * time.Millisecond,
		Endpoints:       []string{"API_CALL"},
		Resources:       []string{"EXPORT_WORKER"},
	}
}

// Normal is a typical evaluator browsing the product.
func Normal() Profile {
	return Profile{
		Name:            "NORMAL",
		Base:            "msg_user",
		Share:           0.7,
		ClaimRate:       0.15,
		SignupRate:      0.05,
		ConversionRate:  0.02,
		ReleaseRatio:    0.8,
		SignatureRepeat: 0.1,
		RequestInterval: 20 * time.Second,
		Endpoints:       DefaultEndpoints,
		Resources:       DefaultResources,
	}
}

// HighValue is a power user heading for checkout.
func HighValue() Profile {
	return Profile{
		Name:            "HIGH_VALUE",
		Base:            "vip_lead",
		Share:           0.1,
		ClaimRate:       0.1,
		SignupRate:      0.2,
		ConversionRate:  0.25,
		ReleaseRatio:    0.9,
		SignatureRepeat: 0.2,
		RequestInterval: 10 * time.Second,
		Endpoints:       []string{"CHECKOUT_ATTEMPT", "VIEW_DASHBOARD"},
		Resources:       []string{"API_GATEWAY"},
	}
}

// DefaultProfiles returns the standard mix.
func DefaultProfiles() []Profile {
	return []Profile{Normal(), Abusive(), HighValue()}
}

// Options configures a Generator.
type Options struct {
	Seed     uint64
	Tenants  []string
	Profiles []Profile

	// PoolSize is the number of accounts per profile and tenant.
	PoolSize int

	// Events caps the run. 0 means unlimited.
	Events int

	// Start is the timestamp of the first event. Defaults to time.Now().
	Start time.Time
}

// Generated is an event along with the profile that produced it.
type Generated struct {
	Event   domain.Event
	Profile string
}

type accountState struct {
	last time.Time
	held int
}

// Generator is a deterministic, seeded domain.EventSource. It is safe for
// concurrent use. Every account runs on its own clock, advanced by its
// profile's request interval, so timestamps never decrease per account.
type Generator struct {
	mu       sync.Mutex
	rng      *rand.Rand
	tenants  []string
	profiles []Profile
	total    float64
	pool     int
	limit    int
	emitted  int
	start    time.Time
	accounts map[domain.Key]*accountState
}

// NewGenerator creates a generator. Zero-valued options take defaults.
func NewGenerator(opts Options) (*Generator, error) {
	if len(opts.Tenants) == 0 {
		opts.Tenants = DefaultTenants
	}
	if len(opts.Profiles) == 0 {
		opts.Profiles = DefaultProfiles()
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 5
	}
	if opts.Events < 0 {
		return nil, fmt.Errorf("events must not be negative")
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now().UTC()
	}

	var total float64
	for _, p := range opts.Profiles {
		if p.Base == "" {
			return nil, fmt.Errorf("profile %q needs an account base", p.Name)
		}
		if p.Share < 0 || p.RequestInterval < 0 {
			return nil, fmt.Errorf("profile %q has a negative share or interval", p.Name)
		}
		if p.ClaimRate+p.SignupRate+p.ConversionRate > 1 {
			return nil, fmt.Errorf("profile %q event rates exceed 1", p.Name)
		}
		total += p.Share
	}
	if total == 0 {
		return nil, fmt.Errorf("at least one profile needs a positive share")
	}

	return &Generator{
		rng:      rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		tenants:  append([]string(nil), opts.Tenants...),
		profiles: opts.Profiles,
		total:    total,
		pool:     opts.PoolSize,
		limit:    opts.Events,
		start:    opts.Start,
		accounts: make(map[domain.Key]*accountState),
	}, nil
}

// Next implements domain.EventSource.
func (g *Generator) Next(ctx context.Context) (domain.Event, bool) {
	gen, ok := g.NextGenerated(ctx)
	return gen.Event, ok
}

// NextGenerated returns the next event together with its profile name.
func (g *Generator) NextGenerated(ctx context.Context) (Generated, bool) {
	if ctx.Err() != nil {
		return Generated{}, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.limit > 0 && g.emitted >= g.limit {
		return Generated{}, false
	}

	p := g.pick()
	key := domain.Key{
		TenantID:  g.tenants[g.rng.IntN(len(g.tenants))],
		AccountID: p.Base + "_" + strconv.Itoa(g.rng.IntN(g.pool)+1),
	}
	st, ok := g.accounts[key]
	if !ok {
		st = &accountState{last: g.start}
		g.accounts[key] = st
	}

	at := st.last.Add(g.interval(p))
	st.last = at
	g.emitted++

	ev := domain.Event{
		ID:         "sim-" + strconv.Itoa(g.emitted),
		TenantID:   key.TenantID,
		AccountID:  key.AccountID,
		Timestamp:  at,
		Attributes: map[string]string{},
	}
	g.fill(&ev, p, st)
	return Generated{Event: ev, Profile: p.Name}, true
}

// Emitted returns the number of events produced so far.
func (g *Generator) Emitted() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.emitted
}

func (g *Generator) pick() Profile {
	r := g.rng.Float64() * g.total
	for _, p := range g.profiles {
		if r < p.Share {
			return p
		}
		r -= p.Share
	}
	return g.profiles[len(g.profiles)-1]
}

// interval is the profile's request interval with +-50% jitter.
func (g *Generator) interval(p Profile) time.Duration {
	if p.RequestInterval <= 0 {
		return 0
	}
	return time.Duration(float64(p.RequestInterval) * (0.5 + g.rng.Float64()))
}

func (g *Generator) fill(ev *domain.Event, p Profile, st *accountState) {
	endpoint := choose(g.rng, p.Endpoints, "API_CALL")
	if g.rng.Float64() < p.SignatureRepeat {
		ev.Attributes[domain.AttrSignature] = p.Name + ":" + p.Base
	} else {
		ev.Attributes[domain.AttrEndpoint] = endpoint
		ev.Attributes[domain.AttrDevice] = "device-" + strconv.Itoa(g.rng.IntN(3))
	}

	r := g.rng.Float64()
	switch {
	case r < p.ConversionRate:
		ev.Kind = domain.KindConversionSignal
	case r < p.ConversionRate+p.SignupRate:
		ev.Kind = domain.KindSignupSignal
	case r < p.ConversionRate+p.SignupRate+p.ClaimRate:
		ev.Kind = domain.KindResourceClaim
		ev.Attributes[domain.AttrResource] = choose(g.rng, p.Resources, "API_GATEWAY")
		st.held++
	case st.held > 0 && g.rng.Float64() < p.ReleaseRatio:
		ev.Kind = domain.KindResourceRelease
		ev.Attributes[domain.AttrResource] = choose(g.rng, p.Resources, "API_GATEWAY")
		st.held--
	default:
		ev.Kind = domain.KindRequest
	}
}

func choose(rng *rand.Rand, list []string, def string) string {
	if len(list) == 0 {
		return def
	}
	return list[rng.IntN(len(list))]
}
