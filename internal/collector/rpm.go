// internal/collector/rpm.go
package collector

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"pkg-harvest/internal/config"
	"pkg-harvest/internal/model"
)

type repomd struct {
	Data []struct {
		Type     string `xml:"type,attr"`
		Location struct {
			Href string `xml:"href,attr"`
		} `xml:"location"`
	} `xml:"data"`
}

// rpmPackage is one <package> element of primary.xml. Field tags carry no namespace
// so both the common and rpm namespaces match.
type rpmPackage struct {
	Type    string `xml:"type,attr"`
	Name    string `xml:"name"`
	Arch    string `xml:"arch"`
	Version struct {
		Epoch string `xml:"epoch,attr"`
		Ver   string `xml:"ver,attr"`
		Rel   string `xml:"rel,attr"`
	} `xml:"version"`
	Summary     string `xml:"summary"`
	Description string `xml:"description"`
	Packager    string `xml:"packager"`
	URL         string `xml:"url"`
	Time        struct {
		Build int64 `xml:"build,attr"`
	} `xml:"time"`
	Location struct {
		Href string `xml:"href,attr"`
	} `xml:"location"`
	Format struct {
		License   string `xml:"license"`
		Group     string `xml:"group"`
		SourceRPM string `xml:"sourcerpm"`
	} `xml:"format"`
}

func (c *Collector) rpmPages(ctx context.Context, repo config.RepositoryConfig, yield func([]model.RawPackageRecord, error) bool) error {
	primaryURL, err := c.primaryLocation(ctx, repo.URL)
	if err != nil {
		return err
	}
	c.logger.Info("Reading rpm primary index", "repository", repo.Name, "url", primaryURL)

	body, err := c.fetch(ctx, primaryURL)
	if err != nil {
		return err
	}
	defer body.Close()

	p := &pager{size: c.pageSize, yield: yield}
	if err := decodePrimary(body, func(pkg rpmPackage) error {
		rec, ok := rpmRecord(pkg, repo)
		if !ok {
			return nil
		}
		if href := strings.TrimSpace(pkg.Location.Href); href != "" {
			if abs, err := resolveRef(repo.URL, href); err == nil {
				rec.SourceURL = abs
			}
		}
		return p.add(rec)
	}); err != nil {
		return err
	}
	return p.flush()
}

// primaryLocation reads repodata/repomd.xml and returns the absolute primary index URL.
func (c *Collector) primaryLocation(ctx context.Context, base string) (string, error) {
	mdURL, err := resolveRef(base, "repodata/repomd.xml")
	if err != nil {
		return "", err
	}
	body, err := c.fetch(ctx, mdURL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	var md repomd
	if err := xml.NewDecoder(body).Decode(&md); err != nil {
		return "", fmt.Errorf("failed to parse repomd.xml: %w", err)
	}
	for _, d := range md.Data {
		if d.Type == "primary" && d.Location.Href != "" {
			return resolveRef(base, d.Location.Href)
		}
	}
	return "", fmt.Errorf("repomd.xml has no primary index: %w", ErrNotFound)
}

// decodePrimary streams <package> elements without loading the document into memory.
func decodePrimary(r io.Reader, fn func(rpmPackage) error) error {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to parse primary.xml: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "package" {
			continue
		}
		var pkg rpmPackage
		if err := dec.DecodeElement(&pkg, &start); err != nil {
			return fmt.Errorf("failed to parse package element: %w", err)
		}
		if err := fn(pkg); err != nil {
			return err
		}
	}
}

// rpmRecord maps a primary entry to a raw record. Entries of another type or
// architecture are dropped; validation of names happens downstream.
func rpmRecord(pkg rpmPackage, repo config.RepositoryConfig) (model.RawPackageRecord, bool) {
	if pkg.Type != "" && pkg.Type != "rpm" {
		return model.RawPackageRecord{}, false
	}
	arch := strings.TrimSpace(pkg.Arch)
	if repo.Arch != "" && arch != repo.Arch && !(arch == "noarch" && repo.Arch != "src") {
		return model.RawPackageRecord{}, false
	}

	ver := strings.TrimSpace(pkg.Version.Ver)
	version := ver
	if rel := strings.TrimSpace(pkg.Version.Rel); rel != "" && ver != "" {
		version = ver + "-" + rel
	}

	rec := model.RawPackageRecord{
		Name:        strings.TrimSpace(pkg.Name),
		Version:     version,
		Release:     strings.TrimSpace(pkg.Version.Rel),
		Epoch:       strings.TrimSpace(pkg.Version.Epoch),
		Arch:        arch,
		Description: firstLine(pkg.Summary, pkg.Description),
		Website:     strings.TrimSpace(pkg.URL),
		Extra:       map[string]string{},
	}
	if pkg.Time.Build > 0 {
		t := time.Unix(pkg.Time.Build, 0).UTC()
		rec.BuildTime = &t
	}
	for k, v := range map[string]string{
		"license":   pkg.Format.License,
		"group":     pkg.Format.Group,
		"sourcerpm": pkg.Format.SourceRPM,
		"packager":  pkg.Packager,
	} {
		if v = strings.TrimSpace(v); v != "" {
			rec.Extra[k] = v
		}
	}
	return rec, true
}

func firstLine(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			line, _, _ := strings.Cut(v, "\n")
			return strings.TrimSpace(line)
		}
	}
	return ""
}
