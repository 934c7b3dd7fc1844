package runner

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"ex2gcal/internal/auth"
	"ex2gcal/internal/config"
	"ex2gcal/internal/ews"
	"ex2gcal/internal/gcal"
	"ex2gcal/internal/ics"
	appLog "ex2gcal/internal/log"
	"ex2gcal/internal/reconcile"
	"ex2gcal/internal/sanitize"
	"ex2gcal/internal/transform"
)

// SetupOptions controls how Setup authorizes against the destination.
type SetupOptions struct {
	Auth auth.ClientOptions
}

// Setup builds every collaborator from cfg. Each step must succeed before
// the next one runs; the first failure is returned as a *Error naming its
// stage and nothing half-initialized is handed on.
func Setup(ctx context.Context, cfg *config.Config, logger *appLog.Logger, opts SetupOptions) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &Error{Stage: StageConfig, Err: err}
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, &Error{Stage: StageConfig, Err: err}
	}
	tr, err := transform.New(cfg.EventTitlePrefix, cfg.Timezone, sanitize.DefaultPolicy())
	if err != nil {
		return nil, &Error{Stage: StageConfig, Err: err}
	}

	source, err := NewSource(cfg, loc, logger)
	if err != nil {
		return nil, &Error{Stage: StageSourceSetup, Err: err}
	}

	dest, err := NewDestination(ctx, cfg, logger, opts.Auth)
	if err != nil {
		return nil, &Error{Stage: StageDestinationSetup, Err: err}
	}

	engine := reconcile.NewEngine(dest, tr, reconcile.NewSkipSet(cfg.EventTitlesToSkip...), logger,
		reconcile.WithWorkers(cfg.Workers),
		reconcile.WithDryRun(cfg.DryRun),
	)
	window := func(now time.Time) (time.Time, time.Time) { return cfg.Window(now, loc) }

	return New(source, dest, engine, window, logger), nil
}

// NewSource returns the configured source calendar.
func NewSource(cfg *config.Config, loc *time.Location, logger *appLog.Logger) (Source, error) {
	switch cfg.Source {
	case config.SourceEWS:
		return ews.New(cfg.EWS.Server, cfg.EWS.EmailAddress, cfg.EWS.Password,
			ews.WithLocation(loc),
			ews.WithLogger(logger.With("component", "ews")),
		), nil
	case config.SourceICS:
		fetcher := ics.NewFetcher(cfg.ICS.CacheDir, nil, logger.With("component", "ics"))
		return ics.NewSource(fetcher, cfg.ICS.URL, loc, logger.With("component", "ics")), nil
	default:
		return nil, fmt.Errorf("unknown source %q", cfg.Source)
	}
}

// NewDestination authorizes against the calendar service and returns a
// client bound to the configured calendar.
func NewDestination(ctx context.Context, cfg *config.Config, logger *appLog.Logger, opts auth.ClientOptions) (*gcal.Client, error) {
	httpClient, err := AuthorizedClient(ctx, cfg, logger, opts)
	if err != nil {
		return nil, err
	}
	svc, err := gcal.NewService(ctx, httpClient)
	if err != nil {
		return nil, err
	}
	return gcal.New(svc, cfg.CalendarID), nil
}

// AuthorizedClient loads the OAuth client and the cached grant.
func AuthorizedClient(ctx context.Context, cfg *config.Config, logger *appLog.Logger, opts auth.ClientOptions) (*http.Client, error) {
	oauthCfg, err := auth.LoadOAuthConfig(cfg.CredentialsFile)
	if err != nil {
		return nil, err
	}
	return auth.Client(ctx, oauthCfg, auth.NewTokenCache(cfg.TokenFile), opts, logger.With("component", "auth"))
}
