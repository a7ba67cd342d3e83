package config

import (
	"fmt"
	"time"

	"github.com/sandbox-fleet/fleetd/pkg/manager/consts"
	fleeterrors "github.com/sandbox-fleet/fleetd/pkg/manager/errors"
)

// Options carries every tunable of the manager. All durations have bounded
// ranges; Validate rejects anything outside them so a bad deploy fails fast
// instead of running with a nonsense timer.
type Options struct {
	Namespace  string
	NamePrefix string

	Port      int
	AdminKey  string
	BrokerURL string

	TemplateDir   string
	ExecutorImage string
	MCPImage      string
	// PolicyFile points at the egress policy; its mitm hosts become the
	// allowed upstreams registered with the credential broker.
	PolicyFile string

	LeaderElection bool

	WarmPoolSize int32
	MaxTotal     int32

	PodReadyTimeout  time.Duration
	IdleTimeout      time.Duration
	MaxLifetime      time.Duration
	MaxWarmAge       time.Duration
	BackfillInterval time.Duration
	CleanupInterval  time.Duration
	LeaseDuration    time.Duration
}

func InitOptions(opts Options) Options {
	if opts.NamePrefix == "" {
		opts.NamePrefix = consts.DefaultNamePrefix
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	if opts.WarmPoolSize < 0 {
		opts.WarmPoolSize = consts.DefaultWarmPoolSize
	}
	if opts.MaxTotal <= 0 {
		opts.MaxTotal = consts.DefaultMaxTotal
	}
	if opts.PodReadyTimeout == 0 {
		opts.PodReadyTimeout = 2 * time.Minute
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	if opts.MaxLifetime == 0 {
		opts.MaxLifetime = 2 * time.Hour
	}
	if opts.BackfillInterval == 0 {
		opts.BackfillInterval = 30 * time.Second
	}
	if opts.CleanupInterval == 0 {
		opts.CleanupInterval = 5 * time.Minute
	}
	if opts.LeaseDuration == 0 {
		opts.LeaseDuration = 15 * time.Second
	}
	return opts
}

type durationBound struct {
	name  string
	value time.Duration
	min   time.Duration
	max   time.Duration
}

func (o Options) Validate() error {
	if o.Namespace == "" {
		return fleeterrors.NewError(fleeterrors.ErrorFatal, "namespace is required")
	}
	if o.MaxTotal < 1 {
		return fleeterrors.NewError(fleeterrors.ErrorFatal, "max-total must be at least 1")
	}
	if int64(o.WarmPoolSize) > int64(o.MaxTotal) {
		return fleeterrors.NewErrorf(fleeterrors.ErrorFatal,
			"warm-pool-size %d exceeds max-total %d", o.WarmPoolSize, o.MaxTotal)
	}
	bounds := []durationBound{
		{"pod-ready-timeout", o.PodReadyTimeout, 30 * time.Second, 300 * time.Second},
		{"idle-timeout", o.IdleTimeout, time.Minute, 1440 * time.Minute},
		{"max-lifetime", o.MaxLifetime, time.Minute, 1440 * time.Minute},
		{"backfill-interval", o.BackfillInterval, 10 * time.Second, 300 * time.Second},
		{"cleanup-interval", o.CleanupInterval, time.Minute, 60 * time.Minute},
		{"lease-duration", o.LeaseDuration, 5 * time.Second, 60 * time.Second},
	}
	for _, b := range bounds {
		if b.value < b.min || b.value > b.max {
			return fleeterrors.NewErrorf(fleeterrors.ErrorFatal,
				"%s must be within [%s, %s], got %s", b.name, b.min, b.max, b.value)
		}
	}
	// MaxWarmAge is optional; zero disables it.
	if o.MaxWarmAge < 0 {
		return fleeterrors.NewError(fleeterrors.ErrorFatal, "max-warm-age must not be negative")
	}
	return nil
}

func (o Options) String() string {
	return fmt.Sprintf("namespace=%s warm=%d max=%d podReady=%s idle=%s lifetime=%s backfill=%s cleanup=%s lease=%s",
		o.Namespace, o.WarmPoolSize, o.MaxTotal, o.PodReadyTimeout, o.IdleTimeout, o.MaxLifetime,
		o.BackfillInterval, o.CleanupInterval, o.LeaseDuration)
}
