// ABOUTME: Shallow git clone of caller-supplied repos into a workspace's project dir
// ABOUTME: Splices oauth2 tokens into http(s) URLs and redacts them from errors

package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

var repoNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Cloner performs host-side shallow clones into workspace project
// directories. The git invocation is injectable so tests can run without
// git or network access.
type Cloner struct {
	logger *slog.Logger
	runGit func(ctx context.Context, args ...string) error
}

// NewCloner creates a cloner backed by the git binary on the host.
func NewCloner(logger *slog.Logger) *Cloner {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cloner{logger: logger.With("component", "cloner")}
	c.runGit = func(ctx context.Context, args ...string) error {
		cmd := exec.CommandContext(ctx, "git", args...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
		}
		return nil
	}
	return c
}

// CloneRepos shallow-clones each repo into projectDir. Repos whose target
// directory already exists are skipped, so resuming never re-clones. Any
// error message is scrubbed of the token before it propagates.
func (c *Cloner) CloneRepos(ctx context.Context, projectDir string, repos []string, token string) error {
	for _, repo := range repos {
		repo = strings.TrimSpace(repo)
		if repo == "" {
			continue
		}

		dest := filepath.Join(projectDir, repoDirName(repo))
		if _, err := os.Stat(dest); err == nil {
			c.logger.Info("repo already present, skipping clone", "dest", dest)
			continue
		}

		cloneURL := spliceToken(repo, token)
		if err := c.runGit(ctx, "clone", "--depth", "1", cloneURL, dest); err != nil {
			return fmt.Errorf("cloning %s: %s", redact(repo, token), redact(err.Error(), token))
		}
		c.logger.Info("repo cloned", "repo", redact(repo, token), "dest", dest)
	}
	return nil
}

// spliceToken embeds an oauth2 credential into http(s) clone URLs.
// Other schemes (ssh, git) pass through untouched.
func spliceToken(repo, token string) string {
	if token == "" {
		return repo
	}
	u, err := url.Parse(repo)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return repo
	}
	u.User = url.UserPassword("oauth2", token)
	return u.String()
}

// repoDirName derives a safe directory name from a repo URL.
func repoDirName(repo string) string {
	base := path.Base(strings.TrimSuffix(strings.TrimRight(repo, "/"), ".git"))
	base = repoNameSanitizer.ReplaceAllString(base, "_")
	if base == "" || base == "." || base == "_" {
		return "repo"
	}
	return base
}

// redact removes the token from text destined for logs or errors.
func redact(text, token string) string {
	if token == "" {
		return text
	}
	return strings.ReplaceAll(text, token, "***")
}
