// Package secrets detects credentials and payment card numbers in free text
// so they are never learned into reusable response templates.
//
// Known credential formats come from the gitleaks rule catalogue. Support
// chat specifics that gitleaks does not cover, such as card numbers and
// spoken passwords, are extra rules evaluated alongside it.
package secrets

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// ErrSecretDetected marks text that carries a credential.
var ErrSecretDetected = errors.New("text contains a secret")

const redactionString = "[REDACTED]"

// Config configures detection. Rules extend the built-in set.
type Config struct {
	Enabled   bool     `koanf:"enabled"`
	Rules     []Rule   `koanf:"rules"`
	AllowList []string `koanf:"allow_list"`
}

// Rule is one detection pattern.
type Rule struct {
	ID      string `koanf:"id"`
	Pattern string `koanf:"pattern"`

	// Keywords, when set, must appear somewhere in the text for the rule
	// to apply. Matching is case-insensitive.
	Keywords []string `koanf:"keywords"`
}

// DefaultConfig enables the built-in rules.
func DefaultConfig() Config {
	return Config{Enabled: true}
}

// Finding is one detected span.
type Finding struct {
	RuleID string
	Start  int
	End    int
}

type compiledRule struct {
	id       string
	re       *regexp.Regexp
	keywords []string

	// accept filters raw matches, e.g. a checksum.
	accept func(match string) bool
}

// Detector finds secrets. It is safe for concurrent use.
type Detector struct {
	enabled bool

	// mu serializes gitleaks scans, which keep state on the detector.
	mu       sync.Mutex
	gitleaks *detect.Detector

	rules []compiledRule
	allow []*regexp.Regexp
}

// New compiles cfg on top of the gitleaks default rule set.
func New(cfg Config) (*Detector, error) {
	d := &Detector{enabled: cfg.Enabled}
	if !cfg.Enabled {
		return d, nil
	}
	d.rules = append(d.rules, extraRules...)

	var errs []error
	for i, r := range cfg.Rules {
		if r.ID == "" || r.Pattern == "" {
			errs = append(errs, fmt.Errorf("rule %d: id and pattern are required", i))
			continue
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", r.ID, err))
			continue
		}
		kws := make([]string, 0, len(r.Keywords))
		for _, kw := range r.Keywords {
			kws = append(kws, strings.ToLower(kw))
		}
		d.rules = append(d.rules, compiledRule{id: r.ID, re: re, keywords: kws})
	}
	for i, p := range cfg.AllowList {
		re, err := regexp.Compile(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("allow_list %d: %w", i, err))
			continue
		}
		d.allow = append(d.allow, re)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	gl, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	if len(d.allow) > 0 {
		applyAllowList(&gl.Config, d.allow)
	}
	d.gitleaks = gl
	return d, nil
}

var (
	defaultOnce     sync.Once
	defaultDetector *Detector
)

// Default returns a shared Detector with the built-in rules. It panics if
// the embedded gitleaks configuration cannot be loaded.
func Default() *Detector {
	defaultOnce.Do(func() {
		d, err := New(DefaultConfig())
		if err != nil {
			panic("secrets: default detector: " + err.Error())
		}
		defaultDetector = d
	})
	return defaultDetector
}

// applyAllowList adds the configured patterns as a global gitleaks allowlist.
func applyAllowList(cfg *gitleaksConfig.Config, allow []*regexp.Regexp) {
	al := &gitleaksConfig.Allowlist{Description: "patternd allow_list"}
	for _, re := range allow {
		al.Regexes = append(al.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, al)
}

// Enabled reports whether the detector looks at anything.
func (d *Detector) Enabled() bool { return d != nil && d.enabled }

// Find returns every detected span, ordered by position. Overlapping spans
// are merged and keep the first rule's ID.
func (d *Detector) Find(text string) []Finding {
	if !d.Enabled() || text == "" {
		return nil
	}
	out := d.findGitleaks(text)

	lower := strings.ToLower(text)
	for _, r := range d.rules {
		if !hasKeyword(lower, r.keywords) {
			continue
		}
		for _, loc := range r.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[0], loc[1]
			// A capture group narrows the span to the secret itself.
			if len(loc) >= 4 && loc[2] >= 0 {
				start, end = loc[2], loc[3]
			}
			m := text[start:end]
			if r.accept != nil && !r.accept(m) {
				continue
			}
			if d.allowed(m) {
				continue
			}
			out = append(out, Finding{RuleID: r.id, Start: start, End: end})
		}
	}
	return merge(out)
}

// findGitleaks maps gitleaks findings back to byte offsets. Findings carry
// line and column positions, so every occurrence of the secret is located
// in text directly.
func (d *Detector) findGitleaks(text string) []Finding {
	if d.gitleaks == nil {
		return nil
	}
	d.mu.Lock()
	found := d.gitleaks.DetectString(text)
	d.mu.Unlock()

	var out []Finding
	for _, f := range found {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		if secret == "" || d.allowed(secret) {
			continue
		}
		for from := 0; from < len(text); {
			i := strings.Index(text[from:], secret)
			if i < 0 {
				break
			}
			start := from + i
			out = append(out, Finding{RuleID: f.RuleID, Start: start, End: start + len(secret)})
			from = start + len(secret)
		}
	}
	return out
}

// Check returns ErrSecretDetected naming the matching rules, or nil.
func (d *Detector) Check(text string) error {
	fs := d.Find(text)
	if len(fs) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(fs))
	var ids []string
	for _, f := range fs {
		if !seen[f.RuleID] {
			seen[f.RuleID] = true
			ids = append(ids, f.RuleID)
		}
	}
	return fmt.Errorf("%w: %s", ErrSecretDetected, strings.Join(ids, ", "))
}

// Redact replaces every finding with a fixed marker.
func (d *Detector) Redact(text string) string {
	fs := d.Find(text)
	if len(fs) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, f := range fs {
		b.WriteString(text[last:f.Start])
		b.WriteString(redactionString)
		last = f.End
	}
	b.WriteString(text[last:])
	return b.String()
}

func (d *Detector) allowed(match string) bool {
	for _, re := range d.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

func hasKeyword(lower string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func merge(fs []Finding) []Finding {
	if len(fs) < 2 {
		return fs
	}
	sort.SliceStable(fs, func(i, j int) bool { return fs[i].Start < fs[j].Start })
	out := fs[:1]
	for _, f := range fs[1:] {
		last := &out[len(out)-1]
		if f.Start < last.End {
			if f.End > last.End {
				last.End = f.End
			}
			continue
		}
		out = append(out, f)
	}
	return out
}
