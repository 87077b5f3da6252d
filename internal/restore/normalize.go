package restore

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// ChownNormalizer normalizes ownership and permissions of restored site
// trees via the chown/chmod CLIs.
type ChownNormalizer struct {
	logger zerolog.Logger
	owner  string // "user:group"
}

// NewChownNormalizer creates a normalizer applying the given owner.
func NewChownNormalizer(logger zerolog.Logger, owner string) *ChownNormalizer {
	return &ChownNormalizer{
		logger: logger.With().Str("component", "normalizer").Logger(),
		owner:  owner,
	}
}

// Normalize recursively sets the owner and resets permissions on dir.
func (n *ChownNormalizer) Normalize(ctx context.Context, dir string) error {
	n.logger.Info().Str("dir", dir).Str("owner", n.owner).Msg("normalizing ownership")

	chown := exec.CommandContext(ctx, "chown", "-R", n.owner, dir)
	if output, err := chown.CombinedOutput(); err != nil {
		return fmt.Errorf("chown %s: %s: %w", dir, strings.TrimSpace(string(output)), err)
	}

	chmod := exec.CommandContext(ctx, "chmod", "-R", "u+rwX,go+rX,go-w", dir)
	if output, err := chmod.CombinedOutput(); err != nil {
		return fmt.Errorf("chmod %s: %s: %w", dir, strings.TrimSpace(string(output)), err)
	}

	return nil
}
