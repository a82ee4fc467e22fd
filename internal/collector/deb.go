// internal/collector/deb.go
package collector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"pkg-harvest/internal/config"
	"pkg-harvest/internal/model"
)

const maxStanzaLine = 1 << 20

func (c *Collector) debPages(ctx context.Context, repo config.RepositoryConfig, yield func([]model.RawPackageRecord, error) bool) error {
	body, err := c.openPackagesIndex(ctx, repo)
	if err != nil {
		return err
	}
	defer body.Close()

	p := &pager{size: c.pageSize, yield: yield}
	if err := readStanzas(body, func(fields map[string]string) error {
		rec, ok := debRecord(fields, repo)
		if !ok {
			return nil
		}
		return p.add(rec)
	}); err != nil {
		return err
	}
	return p.flush()
}

// openPackagesIndex prefers Packages.gz and falls back to the plain index.
func (c *Collector) openPackagesIndex(ctx context.Context, repo config.RepositoryConfig) (io.ReadCloser, error) {
	var lastErr error
	for _, name := range []string{"Packages.gz", "Packages"} {
		u, err := resolveRef(repo.URL, name)
		if err != nil {
			return nil, err
		}
		body, err := c.fetch(ctx, u)
		if err == nil {
			c.logger.Info("Reading deb package index", "repository", repo.Name, "url", u)
			return body, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// readStanzas parses RFC 822 style control stanzas separated by blank lines.
// Continuation lines are folded into the previous field.
func readStanzas(r io.Reader, fn func(map[string]string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxStanzaLine)

	fields := map[string]string{}
	last := ""
	emit := func() error {
		if len(fields) == 0 {
			return nil
		}
		err := fn(fields)
		fields = map[string]string{}
		last = ""
		return err
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.TrimSpace(line) == "":
			if err := emit(); err != nil {
				return err
			}
		case line[0] == ' ' || line[0] == '\t':
			if last != "" {
				fields[last] += "\n" + strings.TrimSpace(line)
			}
		default:
			key, val, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			last = strings.TrimSpace(key)
			fields[last] = strings.TrimSpace(val)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read Packages index: %w", err)
	}
	return emit()
}

// debRecord maps a control stanza to a raw record. The epoch and Debian revision
// stay in Version so the identity key matches what apt reports.
func debRecord(f map[string]string, repo config.RepositoryConfig) (model.RawPackageRecord, bool) {
	arch := f["Architecture"]
	if repo.Arch != "" && arch != repo.Arch && arch != "all" {
		return model.RawPackageRecord{}, false
	}

	version := f["Version"]
	epoch := ""
	if e, _, ok := strings.Cut(version, ":"); ok {
		epoch = e
	}
	release := ""
	if i := strings.LastIndex(version, "-"); i > 0 {
		release = version[i+1:]
	}

	rec := model.RawPackageRecord{
		Name:        f["Package"],
		Version:     version,
		Release:     release,
		Epoch:       epoch,
		Arch:        arch,
		Description: firstLine(f["Description"]),
		SourceURL:   firstNonEmpty(f["Vcs-Browser"], f["Vcs-Git"]),
		Website:     f["Homepage"],
		Extra:       map[string]string{},
	}
	for _, k := range []string{"Section", "Source", "Filename", "Maintainer"} {
		if v := f[k]; v != "" {
			rec.Extra[strings.ToLower(k)] = v
		}
	}
	return rec, true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
