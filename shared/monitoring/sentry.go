// Package monitoring wires Sentry error reporting into indexerd. The only
// indexerd-specific concern beyond init/flush is scrubbing: chain-node RPC
// URLs embed provider API keys in their path (and sometimes userinfo), and
// those URLs appear in dial errors, so every event is scrubbed before send.
package monitoring

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryConfig holds reporting options.
type SentryConfig struct {
	DSN              string
	Environment      string
	Release          string
	Debug            bool
	SampleRate       float64
	TracesSampleRate float64
	ServiceName      string
}

// InitSentry initializes the global Sentry hub. An empty DSN disables
// reporting without error so local development needs no configuration.
func InitSentry(config *SentryConfig) error {
	if config.DSN == "" {
		return nil
	}

	environment := config.Environment
	if environment == "" {
		environment = "development"
	}

	sampleRate := config.SampleRate
	if sampleRate == 0 {
		sampleRate = 1.0
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              config.DSN,
		Environment:      environment,
		Release:          config.Release,
		Debug:            config.Debug,
		SampleRate:       sampleRate,
		TracesSampleRate: config.TracesSampleRate,
		AttachStacktrace: true,
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			if config.ServiceName != "" {
				event.Tags["service"] = config.ServiceName
			}
			scrubEvent(event)
			return event
		},
	})
	if err != nil {
		return fmt.Errorf("initialize sentry: %w", err)
	}
	return nil
}

// FlushSentry drains buffered events, called on shutdown.
func FlushSentry(timeout time.Duration) {
	sentry.Flush(timeout)
}

// CaptureError reports one error with tags.
func CaptureError(err error, tags map[string]string) {
	hub := sentry.CurrentHub()
	hub.WithScope(func(scope *sentry.Scope) {
		for key, value := range tags {
			scope.SetTag(key, value)
		}
		hub.CaptureException(err)
	})
}

var secretKeyPattern = regexp.MustCompile(`(?i)(password|secret|token|api[_-]?key|private[_-]?key|auth)`)

func scrubEvent(event *sentry.Event) {
	if event.Message != "" {
		event.Message = ScrubRPCURL(event.Message)
	}
	for i, exc := range event.Exception {
		event.Exception[i].Value = ScrubRPCURL(exc.Value)
	}
	for _, contextValue := range event.Contexts {
		for key, value := range contextValue {
			if secretKeyPattern.MatchString(key) {
				contextValue[key] = "[FILTERED]"
				continue
			}
			if s, ok := value.(string); ok {
				contextValue[key] = ScrubRPCURL(s)
			}
		}
	}
	for key, value := range event.Extra {
		if secretKeyPattern.MatchString(key) {
			event.Extra[key] = "[FILTERED]"
			continue
		}
		if s, ok := value.(string); ok {
			event.Extra[key] = ScrubRPCURL(s)
		}
	}
}

var urlPattern = regexp.MustCompile(`\bhttps?://\S+|\bwss?://\S+`)

// ScrubRPCURL replaces the userinfo and path of every URL embedded in s,
// keeping only scheme and host. Provider endpoints like
// https://mainnet.example.io/v2/<api-key> lose their key; the host survives
// so the event still says which provider failed.
func ScrubRPCURL(s string) string {
	return urlPattern.ReplaceAllStringFunc(s, func(raw string) string {
		trimmed := strings.TrimRight(raw, `.,;)"'`)
		u, err := url.Parse(trimmed)
		if err != nil || u.Host == "" {
			return "[FILTERED_URL]"
		}
		return u.Scheme + "://" + u.Host + "/[FILTERED]"
	})
}
