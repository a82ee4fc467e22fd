// internal/upstream/chain.go
package upstream

import (
	"context"
	"errors"
	"strings"

	custom_errors "pkg-harvest/internal/errors"
	"pkg-harvest/internal/model"
)

// PypiPrefix marks an upstream link that names a PyPI project instead of a GitHub repository.
const PypiPrefix = "pypi:"

// Resolver looks up the upstream view of one package.
type Resolver interface {
	Resolve(ctx context.Context, name, currentVersion string) (model.Resolution, error)
}

// Chain asks each resolver in order and returns the first found resolution.
// A fatal error stops the chain. A transient error is reported only when no
// later resolver finds the package.
type Chain []Resolver

// Resolve implements Resolver.
func (c Chain) Resolve(ctx context.Context, name, currentVersion string) (model.Resolution, error) {
	var transient error
	for _, r := range c {
		res, err := r.Resolve(ctx, name, currentVersion)
		var te *custom_errors.ResolutionTransientError
		switch {
		case err == nil && res.Found:
			return res, nil
		case err == nil:
			// not known here
		case ctx.Err() == nil && errors.As(err, &te):
			transient = err
		default:
			return model.Resolution{}, err
		}
	}
	return model.Resolution{}, transient
}

// SplitLinks separates the catalogue's upstream links by resolver.
// Values of the form "pypi:<project>" go to PyPI and the rest to GitHub.
func SplitLinks(links map[string]string) (github, pypi map[string]string, err error) {
	github = make(map[string]string, len(links))
	pypi = make(map[string]string)
	for pkg, link := range links {
		link = strings.TrimSpace(link)
		project, ok := strings.CutPrefix(link, PypiPrefix)
		if !ok {
			github[pkg] = link
			continue
		}
		if project = strings.TrimSpace(project); project == "" {
			return nil, nil, &custom_errors.ErrInvalidRepoFormat{Repo: link}
		}
		pypi[pkg] = project
	}
	return github, pypi, nil
}
