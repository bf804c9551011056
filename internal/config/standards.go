package config

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/couchcryptid/air-quality-engine/internal/alert"
	"github.com/couchcryptid/air-quality-engine/internal/domain"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed defaults/*.yaml
var defaults embed.FS

var validate = validator.New()

// Standards is a parsed AQI standard file: breakpoint tables plus the health
// category table.
type Standards struct {
	Standard   domain.Standard
	Categories []domain.Category
}

type standardFile struct {
	Name       string          `yaml:"name" validate:"required"`
	Categories []categoryEntry `yaml:"categories" validate:"required,min=1,dive"`
	Pollutants []tableEntry    `yaml:"pollutants" validate:"required,min=1,dive"`
}

type categoryEntry struct {
	Name     string   `yaml:"name" validate:"required"`
	Label    string   `yaml:"label"`
	Min      int      `yaml:"min" validate:"gte=0"`
	Max      *int     `yaml:"max" validate:"omitempty,gte=0"`
	Color    string   `yaml:"color" validate:"omitempty,hexcolor"`
	Guidance []string `yaml:"guidance"`
}

type tableEntry struct {
	Pollutant   string            `yaml:"pollutant" validate:"required"`
	Unit        string            `yaml:"unit" validate:"required"`
	Precision   int               `yaml:"precision" validate:"gte=0,lte=6"`
	Averaging   string            `yaml:"averaging"`
	Breakpoints []breakpointEntry `yaml:"breakpoints" validate:"required,min=1,dive"`
}

type breakpointEntry struct {
	C []float64 `yaml:"c" validate:"len=2"`
	I []int     `yaml:"i" validate:"len=2"`
}

type rulesFile struct {
	Rules []ruleEntry `yaml:"rules" validate:"required,min=1,dive"`
}

type ruleEntry struct {
	ID        string   `yaml:"id" validate:"required"`
	Scope     string   `yaml:"scope"`
	Threshold int      `yaml:"threshold" validate:"gte=0"`
	Severity  string   `yaml:"severity" validate:"required,oneof=info warning danger"`
	Title     string   `yaml:"title" validate:"required"`
	Actions   []string `yaml:"actions"`
}

// LoadStandard reads the AQI standard at path, or the embedded US EPA standard
// when path is empty. The tables and categories are validated before returning.
func LoadStandard(path string) (Standards, error) {
	data, err := readFileOrDefault(path, "defaults/epa.yaml")
	if err != nil {
		return Standards{}, err
	}

	var f standardFile
	if err := decode(data, &f); err != nil {
		return Standards{}, fmt.Errorf("standard %s: %w", sourceName(path), err)
	}

	s := Standards{Standard: domain.Standard{
		Name:   f.Name,
		Tables: make(map[domain.Pollutant]domain.BreakpointTable, len(f.Pollutants)),
	}}
	for _, t := range f.Pollutants {
		table, err := t.toDomain()
		if err != nil {
			return Standards{}, fmt.Errorf("standard %s: %w", sourceName(path), err)
		}
		if _, dup := s.Standard.Tables[table.Pollutant]; dup {
			return Standards{}, fmt.Errorf("standard %s: %w: duplicate table for %s",
				sourceName(path), domain.ErrInvalidInput, table.Pollutant)
		}
		s.Standard.Tables[table.Pollutant] = table
	}
	for _, c := range f.Categories {
		s.Categories = append(s.Categories, domain.Category{
			Name:     c.Name,
			Label:    c.Label,
			Min:      c.Min,
			Max:      c.Max,
			Color:    c.Color,
			Guidance: c.Guidance,
		})
	}

	if _, err := domain.NewCalculator(s.Standard); err != nil {
		return Standards{}, fmt.Errorf("standard %s: %w", sourceName(path), err)
	}
	if _, err := domain.NewClassifier(s.Categories); err != nil {
		return Standards{}, fmt.Errorf("standard %s: %w", sourceName(path), err)
	}
	return s, nil
}

func (t tableEntry) toDomain() (domain.BreakpointTable, error) {
	p, err := domain.ParsePollutant(t.Pollutant)
	if err != nil {
		return domain.BreakpointTable{}, err
	}
	u, err := domain.ParseUnit(t.Unit)
	if err != nil {
		return domain.BreakpointTable{}, err
	}
	var averaging time.Duration
	if t.Averaging != "" {
		averaging, err = time.ParseDuration(t.Averaging)
		if err != nil || averaging < 0 {
			return domain.BreakpointTable{}, fmt.Errorf("%w: %s averaging %q", domain.ErrInvalidInput, p, t.Averaging)
		}
	}

	table := domain.BreakpointTable{
		Pollutant: p,
		Unit:      u,
		Precision: t.Precision,
		Averaging: averaging,
	}
	for _, b := range t.Breakpoints {
		table.Breakpoints = append(table.Breakpoints, domain.Breakpoint{
			CLow:  b.C[0],
			CHigh: b.C[1],
			ILow:  b.I[0],
			IHigh: b.I[1],
		})
	}
	return table, nil
}

// LoadRules reads alert rules from path, or the embedded defaults when path is empty.
func LoadRules(path string) ([]alert.Rule, error) {
	data, err := readFileOrDefault(path, "defaults/rules.yaml")
	if err != nil {
		return nil, err
	}

	var f rulesFile
	if err := decode(data, &f); err != nil {
		return nil, fmt.Errorf("rules %s: %w", sourceName(path), err)
	}

	rules := make([]alert.Rule, 0, len(f.Rules))
	for _, r := range f.Rules {
		rule := alert.Rule{
			ID:        r.ID,
			Threshold: r.Threshold,
			Severity:  alert.Severity(r.Severity),
			Title:     r.Title,
			Actions:   r.Actions,
		}
		if scope := strings.TrimSpace(r.Scope); scope != "" && !strings.EqualFold(scope, "overall") {
			p, err := domain.ParsePollutant(scope)
			if err != nil {
				return nil, fmt.Errorf("rules %s: rule %s: %w", sourceName(path), r.ID, err)
			}
			rule.Scope = p
		}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rules %s: %w", sourceName(path), err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func readFileOrDefault(path, embedded string) ([]byte, error) {
	if path == "" {
		return defaults.ReadFile(embedded)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func decode(data []byte, out any) error {
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

func sourceName(path string) string {
	if path == "" {
		return "(embedded)"
	}
	return path
}
