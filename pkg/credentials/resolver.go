package credentials

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/opsautomator/opsautomator/pkg/engine"
	"github.com/opsautomator/opsautomator/pkg/retry"
	"github.com/opsautomator/opsautomator/pkg/telemetry"
)

// Session is a credential session scoped to one account.
type Session = engine.Session

const (
	// DefaultPartition is used when no partition is configured.
	DefaultPartition = "aws"

	// DefaultSessionName is the role session name of assumed roles.
	DefaultSessionName = "ops-automator"
)

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// OwnAccount is the account of the base credentials.
	OwnAccount string

	// DefaultRoleName is assumed in accounts without an explicit role ARN.
	DefaultRoleName string

	Partition   string
	SessionName string

	// Duration of assumed role credentials. Zero uses the STS default.
	Duration time.Duration
}

// ProviderFactory creates the credentials provider for assuming roleARN
// from base.
type ProviderFactory func(base aws.Config, roleARN, sessionName string, duration time.Duration) aws.CredentialsProvider

// AssumeRoleProvider is the ProviderFactory backed by STS AssumeRole.
func AssumeRoleProvider(base aws.Config, roleARN, sessionName string, duration time.Duration) aws.CredentialsProvider {
	client := sts.NewFromConfig(base)
	return stscreds.NewAssumeRoleProvider(client, roleARN, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = sessionName
		if duration > 0 {
			o.Duration = duration
		}
	})
}

// Resolver maps accounts to assumable roles and builds sessions for them.
// Sessions are built per call and never cached.
type Resolver struct {
	base    aws.Config
	cfg     ResolverConfig
	factory ProviderFactory
	retry   *retry.Client
	logger  *telemetry.Logger
}

var _ engine.SessionResolver = (*Resolver)(nil)

// Option configures a Resolver.
type Option func(*Resolver)

// WithProviderFactory replaces the STS provider factory.
func WithProviderFactory(f ProviderFactory) Option {
	return func(r *Resolver) {
		r.factory = f
	}
}

// WithRetry sets the client credential verification is retried with.
func WithRetry(c *retry.Client) Option {
	return func(r *Resolver) {
		r.retry = c
	}
}

// NewResolver creates a resolver assuming roles from base.
func NewResolver(base aws.Config, cfg ResolverConfig, logger *telemetry.Logger, opts ...Option) *Resolver {
	if cfg.Partition == "" {
		cfg.Partition = DefaultPartition
	}
	if cfg.SessionName == "" {
		cfg.SessionName = DefaultSessionName
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	r := &Resolver{
		base:    base,
		cfg:     cfg,
		factory: AssumeRoleProvider,
		logger:  logger.NewComponentLogger("credentials"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.retry == nil {
		r.retry = retry.New("sts", retry.DefaultPolicy(), retry.WithLogger(logger))
	}
	return r
}

// Resolve returns a session for accountID using the first role of roleARNs
// in that account whose credentials can be retrieved, then the default role.
// The engine's own account without an explicit role uses the base
// credentials. When no role can be assumed Resolve returns a nil session
// and a nil error.
func (r *Resolver) Resolve(ctx context.Context, accountID string, roleARNs []string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidates := r.candidates(accountID, roleARNs)
	if len(candidates) == 0 && accountID == r.cfg.OwnAccount {
		return &Session{AccountID: accountID, Config: r.base.Copy()}, nil
	}

	logger := r.logger.WithField("account", accountID)
	for _, roleARN := range candidates {
		cfg := r.base.Copy()
		cfg.Credentials = aws.NewCredentialsCache(r.factory(r.base, roleARN, r.cfg.SessionName, r.cfg.Duration))

		err := r.retry.Do(ctx, "AssumeRole", func(ctx context.Context) error {
			_, err := cfg.Credentials.Retrieve(ctx)
			return err
		})
		if err == nil {
			logger.Debugf("Assumed role %s", roleARN)
			return &Session{AccountID: accountID, RoleARN: roleARN, Config: cfg}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.WithError(err).Warnf("Cannot assume role %s", roleARN)
	}

	if len(candidates) == 0 {
		logger.Warn("No role configured for account")
	}
	return nil, nil
}

// candidates returns the role ARNs to try for accountID, in order.
func (r *Resolver) candidates(accountID string, roleARNs []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range roleARNs {
		parsed, err := arn.Parse(strings.TrimSpace(s))
		if err != nil || !isRole(parsed) {
			r.logger.Warnf("Ignoring invalid role ARN %q", s)
			continue
		}
		if parsed.AccountID == accountID && !seen[parsed.String()] {
			seen[parsed.String()] = true
			out = append(out, parsed.String())
		}
	}

	if r.cfg.DefaultRoleName != "" && accountID != r.cfg.OwnAccount {
		if def := RoleARN(r.cfg.Partition, accountID, r.cfg.DefaultRoleName); !seen[def] {
			out = append(out, def)
		}
	}
	return out
}

func isRole(a arn.ARN) bool {
	return a.Service == "iam" && strings.HasPrefix(a.Resource, "role/") && len(a.AccountID) == 12
}

// RoleARN builds the ARN of roleName in accountID.
func RoleARN(partition, accountID, roleName string) string {
	return arn.ARN{
		Partition: partition,
		Service:   "iam",
		AccountID: accountID,
		Resource:  "role/" + strings.TrimPrefix(roleName, "/"),
	}.String()
}

// AccountFromRoleARN returns the account of a role ARN.
func AccountFromRoleARN(roleARN string) (string, bool) {
	parsed, err := arn.Parse(roleARN)
	if err != nil || !isRole(parsed) {
		return "", false
	}
	return parsed.AccountID, true
}

// Accounts returns the distinct accounts named by roleARNs, skipping
// invalid entries.
func Accounts(roleARNs []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range roleARNs {
		if account, ok := AccountFromRoleARN(strings.TrimSpace(s)); ok && !seen[account] {
			seen[account] = true
			out = append(out, account)
		}
	}
	return out
}
