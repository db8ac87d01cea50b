// Package voices is a static catalog of device voices with lookup
// helpers. It is read-only reference data: the playback engine consults
// it at document load or on an explicit voice change, never during the
// play loop.
package voices

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Descriptor is one catalog entry. Identifier is the opaque handle the
// speech device expects.
type Descriptor struct {
	Name            string `yaml:"name" json:"name"`
	Language        string `yaml:"language" json:"language"`
	LanguageCode    string `yaml:"language_code" json:"language_code"`
	Quality         string `yaml:"quality" json:"quality"`
	Gender          string `yaml:"gender" json:"gender,omitempty"`
	Identifier      string `yaml:"identifier" json:"identifier"`
	SupportsDesktop bool   `yaml:"supports_desktop" json:"supports_desktop"`
	SupportsMobile  bool   `yaml:"supports_mobile" json:"supports_mobile"`
	SupportsWeb     bool   `yaml:"supports_web" json:"supports_web"`
}

// Criteria narrows a voice lookup. Empty fields match everything.
// Locale is a prefix match, so "en-" selects all English voices.
type Criteria struct {
	Name    string
	Locale  string
	Quality string
	WebOnly bool
}

type catalogFile struct {
	Voices []Descriptor `yaml:"voices"`
}

var (
	loadOnce sync.Once
	loaded   []Descriptor
	loadErr  error
)

// Catalog returns every known voice, ranked by quality tier (highest
// first) then alphabetically by name.
func Catalog() ([]Descriptor, error) {
	loadOnce.Do(func() {
		var f catalogFile
		if err := yaml.Unmarshal(catalogYAML, &f); err != nil {
			loadErr = fmt.Errorf("parse voice catalog: %w", err)
			return
		}
		loaded = f.Voices
		sort.SliceStable(loaded, func(i, j int) bool {
			qi, qj := qualityRank(loaded[i].Quality), qualityRank(loaded[j].Quality)
			if qi != qj {
				return qi > qj
			}
			if loaded[i].Name != loaded[j].Name {
				return loaded[i].Name < loaded[j].Name
			}
			return loaded[i].LanguageCode < loaded[j].LanguageCode
		})
	})
	return loaded, loadErr
}

func qualityRank(q string) int {
	switch strings.ToLower(q) {
	case "premium":
		return 3
	case "enhanced":
		return 2
	case "default":
		return 1
	}
	return 0
}

// Filter returns all catalog entries matching the criteria, preserving
// catalog ranking.
func Filter(c Criteria) ([]Descriptor, error) {
	all, err := Catalog()
	if err != nil {
		return nil, err
	}
	var out []Descriptor
	for _, d := range all {
		if matches(d, c) {
			out = append(out, d)
		}
	}
	return out, nil
}

func matches(d Descriptor, c Criteria) bool {
	if c.Name != "" && !strings.EqualFold(d.Name, c.Name) {
		return false
	}
	if c.Locale != "" && !strings.HasPrefix(strings.ToLower(d.LanguageCode), strings.ToLower(c.Locale)) {
		return false
	}
	if c.Quality != "" && !strings.EqualFold(d.Quality, c.Quality) {
		return false
	}
	if c.WebOnly && !d.SupportsWeb {
		return false
	}
	return true
}

// Find resolves criteria to the single best voice. When nothing matches
// exactly it relaxes quality, then locale to the bare language prefix,
// and finally falls back to the best-ranked voice in the catalog. The
// returned bool is false only when the catalog itself is empty.
func Find(c Criteria) (Descriptor, bool) {
	if ds, err := Filter(c); err == nil && len(ds) > 0 {
		return ds[0], true
	}
	if c.Quality != "" {
		relaxed := c
		relaxed.Quality = ""
		if ds, err := Filter(relaxed); err == nil && len(ds) > 0 {
			return ds[0], true
		}
	}
	if i := strings.IndexByte(c.Locale, '-'); i > 0 {
		relaxed := c
		relaxed.Locale = c.Locale[:i+1]
		relaxed.Quality = ""
		if ds, err := Filter(relaxed); err == nil && len(ds) > 0 {
			return ds[0], true
		}
	}
	all, err := Catalog()
	if err != nil || len(all) == 0 {
		return Descriptor{}, false
	}
	return all[0], true
}

// DisplayName renders a catalog entry for selection lists, e.g.
// "Ava (en-US, premium)".
func DisplayName(d Descriptor) string {
	return fmt.Sprintf("%s (%s, %s)", d.Name, d.LanguageCode, strings.ToLower(d.Quality))
}
