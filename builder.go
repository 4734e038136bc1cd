package memberauth

import (
	"errors"
	"time"

	"github.com/membercore/memberauth/password"
)

// Builder assembles an [Engine]. Configure it during initialization,
// call Build once, and discard it; a Builder is not safe for concurrent
// use.
type Builder struct {
	config Config

	store    CredentialStore
	sink     AuditSink
	verifier BotChallengeVerifier
	notifier Notifier

	built bool
}

// New returns a Builder preloaded with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration. The builder keeps its
// own copy.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithCredentialStore sets the persistence collaborator. Required.
func (b *Builder) WithCredentialStore(store CredentialStore) *Builder {
	b.store = store
	return b
}

// WithAuditSink sets the audit event consumer. Required: the lockout
// decision reads the trail this sink persists.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.sink = sink
	return b
}

// WithBotVerifier sets the bot challenge collaborator. Required.
func (b *Builder) WithBotVerifier(verifier BotChallengeVerifier) *Builder {
	b.verifier = verifier
	return b
}

// WithNotifier sets the out-of-band delivery collaborator. Required.
func (b *Builder) WithNotifier(notifier Notifier) *Builder {
	b.notifier = notifier
	return b
}

// WithMetricsEnabled toggles the in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration, checks that every required
// collaborator is present, and wires the Engine. A Builder can only be
// consumed once.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := b.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.store == nil {
		return nil, errors.New("credential store required")
	}
	if b.sink == nil {
		return nil, errors.New("audit sink required")
	}
	if b.verifier == nil {
		return nil, errors.New("bot challenge verifier required")
	}
	if b.notifier == nil {
		return nil, errors.New("notifier required")
	}

	hasher, err := password.NewHasher(password.Params{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:   cfg,
		store:    b.store,
		sink:     b.sink,
		verifier: b.verifier,
		notifier: b.notifier,
		hasher:   hasher,
		totp:     newTOTPManager(cfg.TwoFactor),
		audit:    newAuditDispatcher(cfg.Audit, b.sink),
		metrics:  NewMetrics(cfg.Metrics),
		now:      time.Now,
	}

	b.built = true

	return engine, nil
}
